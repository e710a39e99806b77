package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/debug"
	"github.com/jotworks/jot/internal/queue"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
	"github.com/jotworks/jot/internal/worker"
)

var watchDirFlag string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch an inbox directory and capture dropped files",
	Long: `Watch a directory for .md and .txt files and capture each as a note.
The content hash is used as the dedup handle, so re-saving or re-copying
the same text never creates a second note. Files already present when the
watcher starts are captured too.`,
	Run: func(cmd *cobra.Command, args []string) {
		runWatch()
	},
}

// inboxDir resolves the watch directory: flag, then config, relative to
// the workspace root (the parent of .jot).
func inboxDir() string {
	dir := settings.Watch.Dir
	if watchDirFlag != "" {
		dir = watchDirFlag
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(jotDir), dir)
	}
	return dir
}

func runWatch() {
	dir := inboxDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fail(err)
	}

	nc, jobs := connectQueue()
	defer nc.Close()

	capture := func(path string) {
		if err := captureInboxFile(path, jobs); err != nil {
			debug.Logf("watch: %s: %v", path, err)
		}
	}

	// Sweep what is already there; the watcher only reports new activity.
	entries, err := os.ReadDir(dir)
	if err != nil {
		fail(err)
	}
	for _, e := range entries {
		if !e.IsDir() && isNoteFile(e.Name()) {
			capture(filepath.Join(dir, e.Name()))
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		fail(err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		fail(err)
	}

	debug.PrintNormal("watching %s\n", dir)

	// Editors fire bursts of writes per save; debounce per path so a file
	// is captured once per burst, after it settles.
	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	debounce := settings.Watch.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	for {
		select {
		case <-rootCtx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isNoteFile(event.Name) {
				continue
			}
			path := event.Name
			mu.Lock()
			if t, exists := timers[path]; exists {
				t.Stop()
			}
			timers[path] = time.AfterFunc(debounce, func() {
				mu.Lock()
				delete(timers, path)
				mu.Unlock()
				capture(path)
			})
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			debug.Logf("watch: %v", err)
		}
	}
}

func isNoteFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".txt":
		return true
	default:
		return false
	}
}

// captureInboxFile stores the file as an inbox note keyed by its content
// hash and queues extraction. A fingerprint match means the content was
// captured before; nothing happens.
func captureInboxFile(path string, jobs queue.Queue) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}

	note := &types.RawNote{
		Content:   string(data),
		Source:    types.SourceInbox,
		SourceRef: path,
	}
	fp := note.ContentFingerprint()
	note.ExternalID = &fp

	if _, err := store.GetNoteByExternalID(rootCtx, types.SourceInbox, fp); err == nil {
		return nil
	} else if !storage.IsNotFound(err) {
		return err
	}

	if err := store.CreateNote(rootCtx, note); err != nil {
		if storage.IsConflict(err) {
			return nil
		}
		return err
	}
	if err := worker.EnqueueExtract(rootCtx, jobs, note.ID); err != nil {
		return fmt.Errorf("enqueue %s: %w", note.ID, err)
	}
	if !debug.IsQuiet() {
		fmt.Printf("captured %s as %s\n", filepath.Base(path), note.ID)
	}
	return nil
}

func init() {
	watchCmd.Flags().StringVar(&watchDirFlag, "inbox", "", "Directory to watch (default from watch.dir config)")
	rootCmd.AddCommand(watchCmd)
}
