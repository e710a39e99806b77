package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/audit"
)

var auditCount int

// Hidden: the audit log is a debugging surface, not part of the everyday
// workflow.
var auditCmd = &cobra.Command{
	Use:    "audit",
	Short:  "Inspect the oracle audit log",
	Hidden: true,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent oracle exchanges",
	Run: func(cmd *cobra.Command, args []string) {
		entries, err := audit.New(jotDir).Tail(auditCount)
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(entries)
			return
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-8s %-8s note=%s attempt=%d %dms",
				e.Time.Format("15:04:05"), e.Kind, e.Operation, e.NoteID, e.Attempt, e.LatencyMS)
			if e.Error != "" {
				line += "  error: " + e.Error
			}
			fmt.Println(line)
		}
	},
}

func init() {
	auditTailCmd.Flags().IntVarP(&auditCount, "count", "n", 20, "Number of entries to show")
	auditCmd.AddCommand(auditTailCmd)
	rootCmd.AddCommand(auditCmd)
}
