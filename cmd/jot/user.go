package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

var userEmail string

var userCmd = &cobra.Command{
	Use:     "user",
	Aliases: []string{"users"},
	Short:   "Manage known people for assignee matching",
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Run: func(cmd *cobra.Command, args []string) {
		users, err := store.ListUsers(rootCtx)
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(users)
			return
		}
		for _, u := range users {
			line := fmt.Sprintf("%s  %s", u.ID, u.Name)
			if u.Email != "" {
				line += "  " + dim(u.Email)
			}
			fmt.Println(line)
		}
	},
}

var userAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		user := &types.User{Name: args[0], Email: userEmail}
		err := store.RunInTransaction(rootCtx, func(tx storage.Transaction) error {
			if existing, err := tx.GetUserByName(rootCtx, user.Name); err == nil {
				return fmt.Errorf("%w: user %q already exists as %s", storage.ErrConflict, existing.Name, existing.ID)
			} else if !storage.IsNotFound(err) {
				return err
			}
			return tx.CreateUser(rootCtx, user)
		})
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(user)
			return
		}
		printSuccess("added user %s (%s)", user.Name, user.ID)
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "User email")
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userAddCmd)
	rootCmd.AddCommand(userCmd)
}
