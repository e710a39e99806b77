package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/worker"
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <note-id>",
	Short: "Re-run the pipeline on a note",
	Long: `Queue a note for reprocessing. Prior extractions from the note are
soft-deleted and the full pipeline runs again; reviewed and hand-edited
work on other notes is untouched.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		// Fail fast on a bad id before touching the queue.
		note, err := store.GetNote(rootCtx, args[0])
		if err != nil {
			fail(err)
		}

		nc, jobs := connectQueue()
		defer nc.Close()
		if err := worker.EnqueueReprocess(rootCtx, jobs, note.ID); err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(map[string]interface{}{"note_id": note.ID, "queued": true})
			return
		}
		fmt.Printf("queued %s for reprocessing\n", note.ID)
	},
}

func init() {
	rootCmd.AddCommand(reprocessCmd)
}
