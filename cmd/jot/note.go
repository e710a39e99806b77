package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/types"
)

var (
	noteUnprocessed bool
	noteFailed      bool
	noteSource      string
	noteLimit       int
)

var noteCmd = &cobra.Command{
	Use:     "note",
	Aliases: []string{"notes"},
	Short:   "Browse captured notes",
}

var noteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured notes",
	Run: func(cmd *cobra.Command, args []string) {
		filter := types.NoteFilter{
			Failed: noteFailed,
			Source: types.NoteSource(noteSource),
			Limit:  noteLimit,
		}
		if noteUnprocessed {
			processed := false
			filter.Processed = &processed
		}

		notes, err := store.ListNotes(rootCtx, filter)
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(notes)
			return
		}
		for _, n := range notes {
			fmt.Println(formatNoteLine(n))
		}
	},
}

var noteShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a note and what was extracted from it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		note, err := store.GetNote(rootCtx, args[0])
		if err != nil {
			fail(err)
		}
		entities, err := store.GetNoteEntities(rootCtx, note.ID)
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(map[string]interface{}{"note": note, "entities": entities})
			return
		}
		fmt.Printf("%s\n", header(note.ID))
		fmt.Printf("source:   %s", note.Source)
		if note.SourceRef != "" {
			fmt.Printf(" (%s)", note.SourceRef)
		}
		fmt.Println()
		fmt.Printf("captured: %s\n", note.CapturedAt.Format("2006-01-02 15:04"))
		if note.ProcessingError != "" {
			fmt.Printf("error:    %s\n", note.ProcessingError)
		}
		fmt.Printf("\n%s\n", note.Content)
		if len(entities) > 0 {
			fmt.Printf("\n%s\n", header("Extracted"))
			for _, e := range entities {
				fmt.Println(formatEntityLine(e))
			}
		}
	},
}

func formatNoteLine(n *types.RawNote) string {
	state := "pending"
	switch {
	case n.Processed:
		state = "processed"
	case n.ProcessingError != "":
		state = "failed"
	}
	content := strings.ReplaceAll(n.Content, "\n", " ")
	if len(content) > 60 {
		content = content[:57] + "..."
	}
	return fmt.Sprintf("%s  %-10s %-10s %s", n.ID, n.Source, state, content)
}

func init() {
	noteListCmd.Flags().BoolVar(&noteUnprocessed, "unprocessed", false, "Only notes not yet extracted")
	noteListCmd.Flags().BoolVar(&noteFailed, "failed", false, "Only notes with a processing error")
	noteListCmd.Flags().StringVar(&noteSource, "source", "", "Filter by capture channel")
	noteListCmd.Flags().IntVar(&noteLimit, "limit", 0, "Maximum notes to list (0 = all)")

	noteCmd.AddCommand(noteListCmd)
	noteCmd.AddCommand(noteShowCmd)
	rootCmd.AddCommand(noteCmd)
}
