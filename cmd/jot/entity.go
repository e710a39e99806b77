package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/timeparsing"
	"github.com/jotworks/jot/internal/types"
)

var (
	entityTypeFilter     string
	entityStatusFilter   string
	entityProjectFilter  string
	entityEpicFilter     string
	entityAssigneeFilter string
	entityTagFilter      string
	entityNoteFilter     string
	entityLimit          int
)

var entityCmd = &cobra.Command{
	Use:     "entity",
	Aliases: []string{"entities"},
	Short:   "Browse and edit extracted entities",
}

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities",
	Run: func(cmd *cobra.Command, args []string) {
		filter := types.EntityFilter{
			NoteID: entityNoteFilter,
			Tag:    entityTagFilter,
			Limit:  entityLimit,
		}
		if entityTypeFilter != "" {
			et := types.EntityType(entityTypeFilter)
			filter.Type = &et
		}
		if entityStatusFilter != "" {
			es := types.EntityStatus(entityStatusFilter)
			filter.Status = &es
		}
		if cmd.Flags().Changed("project") {
			filter.ProjectID = &entityProjectFilter // "" matches unfiled
		}
		if entityEpicFilter != "" {
			filter.EpicID = &entityEpicFilter
		}
		if entityAssigneeFilter != "" {
			filter.AssigneeID = &entityAssigneeFilter
		}

		entities, err := store.ListEntities(rootCtx, filter)
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(entities)
			return
		}
		for _, e := range entities {
			fmt.Println(formatEntityLine(e))
		}
	},
}

var entityShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one entity in full",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := store.GetEntity(rootCtx, args[0])
		if err != nil {
			fail(err)
		}
		tags, err := store.GetEntityTags(rootCtx, e.ID)
		if err != nil {
			fail(err)
		}
		e.Tags = tags
		rels, err := store.GetRelationships(rootCtx, e.ID)
		if err != nil {
			fail(err)
		}
		events, err := store.GetEntityEvents(rootCtx, e.ID, 20)
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"entity":        e,
				"relationships": rels,
				"events":        events,
			})
			return
		}
		fmt.Print(renderMarkdown(entityMarkdown(e, rels, events)))
	},
}

var entityDueCmd = &cobra.Command{
	Use:   "due <id> <when>",
	Short: "Set a task's due date",
	Long: `Set the due date on a task. Accepts compact durations ("2d", "1w",
"3h") and natural language ("friday", "next tuesday", "in 2 weeks").`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		expr := strings.Join(args[1:], " ")

		now := time.Now()
		var due time.Time
		var err error
		if timeparsing.IsCompactDuration(expr) {
			due, err = timeparsing.ParseCompactDuration(expr, now)
		} else {
			due, err = timeparsing.ParseNaturalLanguage(expr, now)
		}
		if err != nil {
			fatal(exitValidation, "cannot parse %q: %v", expr, err)
		}

		err = store.RunInTransaction(rootCtx, func(tx storage.Transaction) error {
			e, err := tx.GetEntity(rootCtx, id)
			if err != nil {
				return err
			}
			if e.Type != types.TypeTask {
				return fmt.Errorf("%w: %s is a %s; only tasks carry due dates", storage.ErrValidation, id, e.Type)
			}
			attrs := e.Attributes
			if attrs.Task == nil {
				attrs.Task = &types.TaskAttributes{Priority: 2}
			}
			attrs.Task.DueAt = &due
			return tx.UpdateEntity(rootCtx, id, map[string]interface{}{"attributes": attrs}, actor())
		})
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]string{"id": id, "due_at": due.Format(time.RFC3339)})
			return
		}
		printSuccess("%s due %s", id, due.Format("Mon Jan 2 15:04"))
	},
}

func formatEntityLine(e *types.Entity) string {
	content := e.Content
	if len(content) > 70 {
		content = content[:67] + "..."
	}
	status := string(e.Status)
	if status == "" {
		status = "-"
	}
	return fmt.Sprintf("%s  %-8s %-12s %s", e.ID, e.Type, status, content)
}

// entityMarkdown renders the detail view as markdown for the terminal.
func entityMarkdown(e *types.Entity, rels []*types.Relationship, events []*types.EntityEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n", e.ID, e.Content)
	fmt.Fprintf(&b, "- **type**: %s\n", e.Type)
	if e.Status != "" {
		fmt.Fprintf(&b, "- **status**: %s\n", e.Status)
	}
	fmt.Fprintf(&b, "- **confidence**: %.2f\n", e.Confidence)
	if e.ProjectID != nil {
		fmt.Fprintf(&b, "- **project**: %s\n", *e.ProjectID)
	}
	if e.EpicID != nil {
		fmt.Fprintf(&b, "- **epic**: %s\n", *e.EpicID)
	}
	if e.AssigneeID != nil {
		fmt.Fprintf(&b, "- **assignee**: %s\n", *e.AssigneeID)
	}
	if len(e.Tags) > 0 {
		fmt.Fprintf(&b, "- **tags**: %s\n", strings.Join(e.Tags, ", "))
	}
	if t := e.Attributes.Task; t != nil {
		fmt.Fprintf(&b, "- **priority**: P%d\n", t.Priority)
		if t.DueAt != nil {
			fmt.Fprintf(&b, "- **due**: %s\n", t.DueAt.Format("2006-01-02 15:04"))
		}
		if t.EstimatedMinutes != nil {
			fmt.Fprintf(&b, "- **estimate**: %dm\n", *t.EstimatedMinutes)
		}
	}

	if len(e.Evidence) > 0 {
		b.WriteString("\n## Evidence\n\n")
		for _, span := range e.Evidence {
			fmt.Fprintf(&b, "> %s\n\n", span.Quote)
		}
	}
	if len(rels) > 0 {
		b.WriteString("\n## Relationships\n\n")
		for _, r := range rels {
			fmt.Fprintf(&b, "- %s → %s (%s)\n", r.SourceID, r.TargetID, r.Type)
		}
	}
	if len(events) > 0 {
		b.WriteString("\n## History\n\n")
		for _, ev := range events {
			line := fmt.Sprintf("- %s %s", ev.CreatedAt.Format("2006-01-02 15:04"), ev.Type)
			if ev.Actor != "" {
				line += " by " + ev.Actor
			}
			if ev.NewValue != nil {
				line += ": " + *ev.NewValue
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func init() {
	entityListCmd.Flags().StringVar(&entityTypeFilter, "type", "", "Filter by type (task, decision, insight)")
	entityListCmd.Flags().StringVar(&entityStatusFilter, "status", "", "Filter by status")
	entityListCmd.Flags().StringVar(&entityProjectFilter, "project", "", "Filter by project id (empty value matches unfiled)")
	entityListCmd.Flags().StringVar(&entityEpicFilter, "epic", "", "Filter by epic id")
	entityListCmd.Flags().StringVar(&entityAssigneeFilter, "assignee", "", "Filter by assignee id")
	entityListCmd.Flags().StringVar(&entityTagFilter, "tag", "", "Filter by tag")
	entityListCmd.Flags().StringVar(&entityNoteFilter, "note", "", "Entities extracted from this note")
	entityListCmd.Flags().IntVar(&entityLimit, "limit", 0, "Maximum entities to list (0 = all)")

	entityCmd.AddCommand(entityListCmd)
	entityCmd.AddCommand(entityShowCmd)
	entityCmd.AddCommand(entityDueCmd)
	rootCmd.AddCommand(entityCmd)
}
