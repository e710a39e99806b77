package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jotworks/jot/internal/configfile"
	"github.com/jotworks/jot/internal/storage/sqlite"
)

var initPrefix string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a .jot workspace in the current directory",
	Run: func(cmd *cobra.Command, args []string) {
		wd, err := os.Getwd()
		if err != nil {
			fail(err)
		}
		dir := filepath.Join(wd, configfile.DirName)

		if existing, err := configfile.Load(dir); err == nil && existing != nil {
			fatal(exitConflict, "workspace already initialized at %s", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fail(err)
		}

		cfg := configfile.DefaultConfig()
		if initPrefix != "" {
			cfg.IDPrefix = initPrefix
		}
		if err := cfg.Save(dir); err != nil {
			fail(err)
		}

		s, err := sqlite.New(rootCtx, cfg.DatabasePath(dir))
		if err != nil {
			fail(err)
		}
		defer s.Close()
		if err := s.SetConfig(rootCtx, "id_prefix", cfg.IDPrefix); err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]string{
				"workspace": dir,
				"database":  cfg.DatabasePath(dir),
				"id_prefix": cfg.IDPrefix,
			})
			return
		}
		printSuccess("initialized workspace at %s (prefix %s)", dir, cfg.IDPrefix)
	},
}

func init() {
	initCmd.Flags().StringVar(&initPrefix, "prefix", "", "ID prefix for entities (default \"jot\")")
	rootCmd.AddCommand(initCmd)
}
