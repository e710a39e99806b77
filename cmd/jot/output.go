package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(exitInternal)
	}
}

// outputJSONError writes err to stderr as a JSON object. Callers exit
// afterwards with the mapped code.
func outputJSONError(err error) {
	encoder := json.NewEncoder(os.Stderr)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(map[string]string{"error": err.Error()})
}

// isTerminal reports whether stdout is an interactive terminal. Piped
// output gets plain text regardless of color settings.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func header(s string) string {
	if !isTerminal() {
		return s
	}
	return headerStyle.Render(s)
}

func dim(s string) string {
	if !isTerminal() {
		return s
	}
	return dimStyle.Render(s)
}

func printSuccess(format string, args ...interface{}) {
	if jsonOutput {
		return
	}
	color.Green("✓ "+format, args...)
}

func printWarning(format string, args ...interface{}) {
	if jsonOutput {
		return
	}
	color.Yellow("Warning: "+format, args...)
}

// renderMarkdown pretty-prints markdown for terminals and falls back to
// the raw text when rendering fails or output is piped.
func renderMarkdown(md string) string {
	if !isTerminal() {
		return md
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}
