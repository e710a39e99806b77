package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/notify"
	"github.com/jotworks/jot/internal/review"
	"github.com/jotworks/jot/internal/types"
)

var (
	reviewStatusFilter string
	reviewTypeFilter   string
	reviewLimit        int

	resolveAccept      bool
	resolveReject      bool
	resolveModify      string
	resolveComment     string
	resolveInteractive bool
	resolveBatch       bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the review queue",
	Long: `List and resolve review items: suggestions the pipeline was not
confident enough to apply on its own. Accepting applies the suggestion,
rejecting discards it, modifying applies your replacement instead.`,
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review items (pending by default)",
	Run: func(cmd *cobra.Command, args []string) {
		filter := types.ReviewFilter{Limit: reviewLimit}
		if reviewStatusFilter != "" {
			st := types.ReviewStatus(reviewStatusFilter)
			filter.Status = &st
		} else {
			st := types.ReviewPending
			filter.Status = &st
		}
		if reviewTypeFilter != "" {
			rt := types.ReviewType(reviewTypeFilter)
			filter.Type = &rt
		}

		items, err := store.ListReviewItems(rootCtx, filter)
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(items)
			return
		}
		if len(items) == 0 {
			fmt.Println("review queue is empty")
			return
		}
		for _, item := range items {
			fmt.Println(formatReviewLine(item))
		}
	},
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one review item in full",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		item, err := store.GetReviewItem(rootCtx, args[0])
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(item)
			return
		}
		printReviewItem(item)
	},
}

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve [id...]",
	Short: "Resolve review items",
	Long: `Resolve review items. Pass item ids with one of --accept, --reject,
or --modify; multiple ids are resolved in a single transaction, so either
all of them land or none do. With --interactive, walk the pending queue
item by item instead. With --batch, read a JSON array of decisions from
stdin:

  [{"item_id": "...", "status": "accepted", "comment": "..."}, ...]`,
	Run: func(cmd *cobra.Command, args []string) {
		if resolveInteractive {
			if len(args) > 0 {
				fatal(exitValidation, "--interactive takes no ids; it walks the pending queue")
			}
			resolveInteractively()
			return
		}
		if resolveBatch {
			resolveFromStdin()
			return
		}
		if len(args) == 0 {
			fatal(exitValidation, "pass at least one item id, or use --interactive")
		}

		status, resolution := resolveAction()
		reqs := make([]review.Request, len(args))
		for i, id := range args {
			reqs[i] = review.Request{
				ItemID:     id,
				Status:     status,
				Resolution: resolution,
				Comment:    resolveComment,
				ResolvedBy: actor(),
			}
		}

		resolver := &review.Resolver{Store: store, Notifier: notify.New()}
		results, err := resolver.ResolveBatch(rootCtx, reqs)
		if err != nil {
			fail(err)
		}
		reportResolutions(results)
	},
}

// resolveAction maps the action flags to a terminal status, enforcing
// exactly one.
func resolveAction() (types.ReviewStatus, json.RawMessage) {
	n := 0
	if resolveAccept {
		n++
	}
	if resolveReject {
		n++
	}
	if resolveModify != "" {
		n++
	}
	if n != 1 {
		fatal(exitValidation, "pass exactly one of --accept, --reject, --modify")
	}
	switch {
	case resolveAccept:
		return types.ReviewAccepted, nil
	case resolveReject:
		return types.ReviewRejected, nil
	default:
		if !json.Valid([]byte(resolveModify)) {
			fatal(exitValidation, "--modify payload must be valid JSON")
		}
		return types.ReviewModified, json.RawMessage(resolveModify)
	}
}

// resolveFromStdin reads a JSON array of decisions and applies them as one
// all-or-nothing batch.
func resolveFromStdin() {
	var decisions []struct {
		ItemID     string          `json:"item_id"`
		Status     string          `json:"status"`
		Resolution json.RawMessage `json:"resolution,omitempty"`
		Comment    string          `json:"comment,omitempty"`
	}
	if err := json.NewDecoder(os.Stdin).Decode(&decisions); err != nil {
		fatal(exitValidation, "parsing batch: %v", err)
	}

	reqs := make([]review.Request, len(decisions))
	for i, d := range decisions {
		reqs[i] = review.Request{
			ItemID:     d.ItemID,
			Status:     types.ReviewStatus(d.Status),
			Resolution: d.Resolution,
			Comment:    d.Comment,
			ResolvedBy: actor(),
		}
	}

	resolver := &review.Resolver{Store: store, Notifier: notify.New()}
	results, err := resolver.ResolveBatch(rootCtx, reqs)
	if err != nil {
		fail(err)
	}
	reportResolutions(results)
}

// resolveInteractively walks the pending queue with a form per item.
// Skipped items stay pending. Each decision commits on its own, so
// quitting halfway loses nothing.
func resolveInteractively() {
	if !isTerminal() {
		fatal(exitValidation, "--interactive needs a terminal")
	}
	pending := types.ReviewPending
	items, err := store.ListReviewItems(rootCtx, types.ReviewFilter{Status: &pending})
	if err != nil {
		fail(err)
	}
	if len(items) == 0 {
		fmt.Println("review queue is empty")
		return
	}

	resolver := &review.Resolver{Store: store, Notifier: notify.New()}
	resolved := 0
	for i, item := range items {
		fmt.Printf("\n%s\n", header(fmt.Sprintf("[%d/%d] %s", i+1, len(items), item.ID)))
		printReviewItem(item)

		var decision string
		var comment string
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Decision").
					Options(
						huh.NewOption("Accept", "accept"),
						huh.NewOption("Reject", "reject"),
						huh.NewOption("Skip", "skip"),
						huh.NewOption("Quit", "quit"),
					).
					Value(&decision),
				huh.NewInput().
					Title("Comment").
					Description("Optional feedback recorded on the item").
					Value(&comment),
			),
		)
		if err := form.Run(); err != nil {
			fail(err)
		}

		switch decision {
		case "skip":
			continue
		case "quit":
			fmt.Printf("resolved %d of %d\n", resolved, len(items))
			return
		}

		status := types.ReviewAccepted
		if decision == "reject" {
			status = types.ReviewRejected
		}
		res, err := resolver.Resolve(rootCtx, review.Request{
			ItemID:     item.ID,
			Status:     status,
			Comment:    comment,
			ResolvedBy: actor(),
		})
		if err != nil {
			fail(err)
		}
		resolved++
		reportResolutions([]*review.Resolution{res})
	}
	fmt.Printf("resolved %d of %d\n", resolved, len(items))
}

func reportResolutions(results []*review.Resolution) {
	if jsonOutput {
		outputJSON(results)
		return
	}
	for _, res := range results {
		printSuccess("%s %s", res.Item.ID, res.Item.Status)
		fx := res.Effects
		for _, id := range fx.UpdatedEntityIDs {
			fmt.Printf("  updated %s\n", id)
		}
		if fx.CreatedProject != nil {
			fmt.Printf("  created project %s (%s)\n", fx.CreatedProject.Name, fx.CreatedProject.ID)
		}
		if fx.CreatedEpic != nil {
			fmt.Printf("  created epic %s (%s)\n", fx.CreatedEpic.Name, fx.CreatedEpic.ID)
		}
		if fx.CreatedRelationship != nil {
			fmt.Printf("  linked %s -> %s (%s)\n",
				fx.CreatedRelationship.SourceID, fx.CreatedRelationship.TargetID, fx.CreatedRelationship.Type)
		}
		for _, id := range fx.AutoRejectedReviewIDs {
			fmt.Printf("  auto-rejected %s\n", id)
		}
		for _, item := range fx.CreatedReviews {
			fmt.Printf("  follow-up %s (%s)\n", item.ID, item.Type)
		}
		if fx.SupersededReviews > 0 {
			fmt.Printf("  superseded %d stale item(s)\n", fx.SupersededReviews)
		}
	}
}

func formatReviewLine(item *types.ReviewItem) string {
	anchor := ""
	if item.EntityID != nil {
		anchor = *item.EntityID
	} else if item.ProjectID != nil {
		anchor = *item.ProjectID
	}
	return fmt.Sprintf("%s  %-22s %.2f  %s  %s",
		item.ID, item.Type, item.Confidence, anchor, dim(item.Reason))
}

func printReviewItem(item *types.ReviewItem) {
	fmt.Printf("type:       %s\n", item.Type)
	fmt.Printf("status:     %s\n", item.Status)
	fmt.Printf("confidence: %.2f\n", item.Confidence)
	if item.EntityID != nil {
		fmt.Printf("entity:     %s\n", *item.EntityID)
	}
	if item.ProjectID != nil {
		fmt.Printf("project:    %s\n", *item.ProjectID)
	}
	if item.Reason != "" {
		fmt.Printf("reason:     %s\n", item.Reason)
	}
	if len(item.Suggestion) > 0 {
		var buf json.RawMessage = item.Suggestion
		pretty, err := json.MarshalIndent(buf, "", "  ")
		if err == nil {
			fmt.Printf("suggestion: %s\n", pretty)
		}
	}
	if item.ResolvedBy != "" {
		fmt.Printf("resolved:   %s by %s\n", item.Status, item.ResolvedBy)
	}
	if item.Comment != "" {
		fmt.Printf("comment:    %s\n", item.Comment)
	}
}

func init() {
	reviewListCmd.Flags().StringVar(&reviewStatusFilter, "status", "", "Filter by status (pending, accepted, rejected, modified)")
	reviewListCmd.Flags().StringVar(&reviewTypeFilter, "type", "", "Filter by review type")
	reviewListCmd.Flags().IntVar(&reviewLimit, "limit", 0, "Maximum items to list (0 = all)")

	reviewResolveCmd.Flags().BoolVar(&resolveAccept, "accept", false, "Apply the suggestion")
	reviewResolveCmd.Flags().BoolVar(&resolveReject, "reject", false, "Discard the suggestion")
	reviewResolveCmd.Flags().StringVar(&resolveModify, "modify", "", "Apply this JSON payload instead of the suggestion")
	reviewResolveCmd.Flags().StringVar(&resolveComment, "comment", "", "Feedback recorded on the item")
	reviewResolveCmd.Flags().BoolVarP(&resolveInteractive, "interactive", "i", false, "Walk the pending queue item by item")
	reviewResolveCmd.Flags().BoolVar(&resolveBatch, "batch", false, "Read a JSON array of decisions from stdin")

	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewShowCmd)
	reviewCmd.AddCommand(reviewResolveCmd)
	rootCmd.AddCommand(reviewCmd)
}
