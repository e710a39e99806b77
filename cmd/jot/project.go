package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

var (
	projectDescription     string
	projectIncludeArchived bool
)

var projectCmd = &cobra.Command{
	Use:     "project",
	Aliases: []string{"projects"},
	Short:   "Manage projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Run: func(cmd *cobra.Command, args []string) {
		projects, err := store.ListProjects(rootCtx, projectIncludeArchived)
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(projects)
			return
		}
		for _, p := range projects {
			origin := ""
			if p.Origin == types.OriginSuggested {
				origin = dim("  (suggested)")
			}
			fmt.Printf("%s  %s%s\n", p.ID, p.Name, origin)
		}
	},
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		project := &types.Project{
			Name:        args[0],
			Description: projectDescription,
			Origin:      types.OriginHuman,
		}
		err := store.RunInTransaction(rootCtx, func(tx storage.Transaction) error {
			if existing, err := tx.GetProjectByName(rootCtx, project.Name); err == nil {
				return fmt.Errorf("%w: project %q already exists as %s", storage.ErrConflict, existing.Name, existing.ID)
			} else if !storage.IsNotFound(err) {
				return err
			}
			return tx.CreateProject(rootCtx, project, actor())
		})
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(project)
			return
		}
		printSuccess("created project %s (%s)", project.Name, project.ID)
	},
}

var projectStatsCmd = &cobra.Command{
	Use:   "stats <id-or-name>",
	Short: "Show aggregate counts for a project",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		project, err := store.GetProject(rootCtx, args[0])
		if storage.IsNotFound(err) {
			project, err = store.GetProjectByName(rootCtx, args[0])
		}
		if err != nil {
			fail(err)
		}
		stats, err := store.GetProjectStats(rootCtx, project.ID)
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(map[string]interface{}{"project": project, "stats": stats})
			return
		}
		fmt.Printf("%s\n", header(project.Name))
		fmt.Printf("entities:   %d\n", stats.TotalEntities)
		fmt.Printf("open tasks: %d\n", stats.OpenTasks)
		fmt.Printf("done tasks: %d\n", stats.DoneTasks)
		fmt.Printf("decisions:  %d\n", stats.Decisions)
		fmt.Printf("insights:   %d\n", stats.Insights)
		fmt.Printf("epics:      %d\n", stats.Epics)
	},
}

func init() {
	projectListCmd.Flags().BoolVar(&projectIncludeArchived, "all", false, "Include archived projects")
	projectAddCmd.Flags().StringVarP(&projectDescription, "description", "d", "", "Project description")

	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectStatsCmd)
	rootCmd.AddCommand(projectCmd)
}
