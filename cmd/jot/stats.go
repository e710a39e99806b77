package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show workspace statistics",
	Run: func(cmd *cobra.Command, args []string) {
		stats, err := store.GetStatistics(rootCtx)
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(stats)
			return
		}
		fmt.Printf("%s\n", header("Notes"))
		fmt.Printf("  total:       %d\n", stats.TotalNotes)
		fmt.Printf("  unprocessed: %d\n", stats.UnprocessedNotes)
		fmt.Printf("  failed:      %d\n", stats.FailedNotes)
		fmt.Printf("%s\n", header("Entities"))
		fmt.Printf("  total:     %d\n", stats.TotalEntities)
		fmt.Printf("  tasks:     %d\n", stats.Tasks)
		fmt.Printf("  decisions: %d\n", stats.Decisions)
		fmt.Printf("  insights:  %d\n", stats.Insights)
		fmt.Printf("%s\n", header("Organization"))
		fmt.Printf("  projects:        %d\n", stats.Projects)
		fmt.Printf("  epics:           %d\n", stats.Epics)
		fmt.Printf("  pending reviews: %d\n", stats.PendingReviews)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
