package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tagCmd = &cobra.Command{
	Use:     "tag",
	Aliases: []string{"tags"},
	Short:   "Browse tags",
}

var tagListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tags with usage counts",
	Run: func(cmd *cobra.Command, args []string) {
		tags, err := store.ListTags(rootCtx)
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(tags)
			return
		}
		for _, t := range tags {
			fmt.Printf("%4d  %s\n", t.Count, t.Name)
		}
	},
}

func init() {
	tagCmd.AddCommand(tagListCmd)
	rootCmd.AddCommand(tagCmd)
}
