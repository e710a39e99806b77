package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/extract"
	"github.com/jotworks/jot/internal/notify"
	"github.com/jotworks/jot/internal/organize"
	"github.com/jotworks/jot/internal/queue"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
	"github.com/jotworks/jot/internal/worker"
)

var (
	captureFile       string
	captureSource     string
	captureExternalID string
	captureSync       bool
)

var captureCmd = &cobra.Command{
	Use:   "capture [text]",
	Short: "Capture a note for processing",
	Long: `Capture a raw note. Text comes from the argument, --file, or stdin.
By default the note is queued for the background worker; --sync runs
extraction and organization inline, which needs an API key.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		content, err := captureContent(args)
		if err != nil {
			fail(err)
		}

		source := types.SourceCLI
		if captureSource != "" {
			source = types.NoteSource(captureSource)
		}

		note := &types.RawNote{
			Content: content,
			Source:  source,
		}
		if captureExternalID != "" {
			if prev, err := store.GetNoteByExternalID(rootCtx, source, captureExternalID); err == nil {
				if jsonOutput {
					outputJSON(map[string]interface{}{"note": prev, "duplicate": true})
				} else {
					fmt.Printf("%s (already captured)\n", prev.ID)
				}
				return
			} else if !storage.IsNotFound(err) {
				fail(err)
			}
			note.ExternalID = &captureExternalID
		}

		if err := store.CreateNote(rootCtx, note); err != nil {
			fail(err)
		}

		if captureSync {
			captureInline(note)
			return
		}

		// The note is already persisted; an enqueue failure reports
		// unavailable so the caller knows processing is not guaranteed.
		nc, jobs := connectQueue()
		defer nc.Close()
		if err := worker.EnqueueExtract(rootCtx, jobs, note.ID); err != nil {
			fatal(exitUnavailable, "note %s captured but not queued: %v", note.ID, err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"note": note, "queued": true})
			return
		}
		fmt.Println(note.ID)
	},
}

// captureInline runs both pipeline stages in-process, for workflows
// without a running worker.
func captureInline(note *types.RawNote) {
	client, err := newOracle()
	if err != nil {
		fail(err)
	}
	cfg := pipelineConfig()
	notifier := notify.New()
	jobs := queue.NewMemory() // extraction enqueues organize here; we run it directly

	ex := &extract.Stage{
		Store:    store,
		Oracle:   client,
		Jobs:     jobs,
		Notifier: notifier,
		Config:   cfg,
		Actor:    actor(),
	}
	res, err := ex.ProcessNote(rootCtx, note.ID)
	if err != nil {
		fail(err)
	}

	org := &organize.Stage{
		Store:    store,
		Oracle:   client,
		Notifier: notifier,
		Config:   cfg,
		Actor:    actor(),
	}
	orgRes, err := org.OrganizeNote(rootCtx, note.ID, res.EntityIDs)
	if err != nil {
		fail(err)
	}

	if jsonOutput {
		outputJSON(map[string]interface{}{
			"note":     note,
			"extract":  res,
			"organize": orgRes,
		})
		return
	}
	fmt.Printf("%s: %d entities", note.ID, len(res.EntityIDs))
	if n := len(res.ReviewIDs) + len(orgRes.CreatedReviews); n > 0 {
		fmt.Printf(", %d for review", n)
	}
	for _, p := range orgRes.CreatedProjects {
		fmt.Printf(", created project %q", p.Name)
	}
	fmt.Println()
}

func captureContent(args []string) (string, error) {
	switch {
	case len(args) == 1 && captureFile != "":
		return "", fmt.Errorf("%w: pass text or --file, not both", storage.ErrValidation)
	case len(args) == 1:
		return args[0], nil
	case captureFile != "":
		data, err := os.ReadFile(captureFile)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(string(data)) == "" {
			return "", fmt.Errorf("%w: empty note; pass text, --file, or pipe stdin", storage.ErrValidation)
		}
		return string(data), nil
	}
}

func init() {
	captureCmd.Flags().StringVarP(&captureFile, "file", "f", "", "Read note content from a file")
	captureCmd.Flags().StringVar(&captureSource, "source", "", "Capture channel (cli, inbox, chat, transcript, voice, api)")
	captureCmd.Flags().StringVar(&captureExternalID, "external-id", "", "Source-side dedup handle; repeat captures are collapsed")
	captureCmd.Flags().BoolVar(&captureSync, "sync", false, "Process inline instead of queueing to the worker")
	rootCmd.AddCommand(captureCmd)
}
