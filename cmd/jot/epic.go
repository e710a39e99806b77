package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

var (
	epicProject     string
	epicDescription string
)

var epicCmd = &cobra.Command{
	Use:     "epic",
	Aliases: []string{"epics"},
	Short:   "Manage epics",
}

var epicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List epics, optionally scoped to one project",
	Run: func(cmd *cobra.Command, args []string) {
		epics, err := store.ListEpics(rootCtx, epicProject)
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(epics)
			return
		}
		for _, e := range epics {
			fmt.Printf("%s  %s  %s\n", e.ID, e.Name, dim(e.ProjectID))
		}
	},
}

var epicAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create an epic inside a project",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if epicProject == "" {
			fatal(exitValidation, "--project is required")
		}
		epic := &types.Epic{
			ProjectID:   epicProject,
			Name:        args[0],
			Description: epicDescription,
			Origin:      types.OriginHuman,
		}
		err := store.RunInTransaction(rootCtx, func(tx storage.Transaction) error {
			if _, err := tx.GetProject(rootCtx, epicProject); err != nil {
				return err
			}
			if existing, err := tx.GetEpicByName(rootCtx, epicProject, epic.Name); err == nil {
				return fmt.Errorf("%w: epic %q already exists as %s", storage.ErrConflict, existing.Name, existing.ID)
			} else if !storage.IsNotFound(err) {
				return err
			}
			return tx.CreateEpic(rootCtx, epic, actor())
		})
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(epic)
			return
		}
		printSuccess("created epic %s (%s)", epic.Name, epic.ID)
	},
}

func init() {
	epicListCmd.Flags().StringVar(&epicProject, "project", "", "Project id ('' = all projects)")
	epicAddCmd.Flags().StringVar(&epicProject, "project", "", "Project id (required)")
	epicAddCmd.Flags().StringVarP(&epicDescription, "description", "d", "", "Epic description")

	epicCmd.AddCommand(epicListCmd)
	epicCmd.AddCommand(epicAddCmd)
	rootCmd.AddCommand(epicCmd)
}
