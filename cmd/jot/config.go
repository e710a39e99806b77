package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jotworks/jot/internal/configfile"
	"github.com/jotworks/jot/internal/notify"
	"github.com/jotworks/jot/internal/pipeline"
)

// Settings is the operator-tunable configuration, loaded from
// .jot/config.yaml with JOT_* env overrides. Workspace identity lives
// separately in .jot/metadata.json.
type Settings struct {
	Oracle struct {
		Model      string        `mapstructure:"model"`
		APIKey     string        `mapstructure:"api_key"`
		MaxElapsed time.Duration `mapstructure:"max_elapsed"`
	} `mapstructure:"oracle"`
	Pipeline struct {
		ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
		RecentSampleLimit   int     `mapstructure:"recent_sample_limit"`
	} `mapstructure:"pipeline"`
	Queue struct {
		URL      string `mapstructure:"url"` // external NATS; empty = embedded
		Embedded bool   `mapstructure:"embedded"`
	} `mapstructure:"queue"`
	Worker struct {
		Count      int    `mapstructure:"count"` // parallel consumers per job kind
		StatusAddr string `mapstructure:"status_addr"`
	} `mapstructure:"worker"`
	Notify struct {
		WebhookURLs  []string `mapstructure:"webhook_urls"`
		RedisURL     string   `mapstructure:"redis_url"`
		RedisChannel string   `mapstructure:"redis_channel"`
	} `mapstructure:"notify"`
	Watch struct {
		Dir      string        `mapstructure:"dir"`
		Debounce time.Duration `mapstructure:"debounce"`
	} `mapstructure:"watch"`
}

var settings Settings

func settingsDefaults(v *viper.Viper) {
	// Empty defaults still matter: viper only overlays JOT_* env values
	// onto keys it knows about.
	v.SetDefault("oracle.model", "claude-sonnet-4-5")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.max_elapsed", 2*time.Minute)
	v.SetDefault("pipeline.confidence_threshold", pipeline.DefaultConfidenceThreshold)
	v.SetDefault("pipeline.recent_sample_limit", pipeline.DefaultRecentSampleLimit)
	v.SetDefault("queue.url", "")
	v.SetDefault("queue.embedded", true)
	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.status_addr", "127.0.0.1:7707")
	v.SetDefault("notify.webhook_urls", []string{})
	v.SetDefault("notify.redis_url", "")
	v.SetDefault("notify.redis_channel", notify.DefaultRedisChannel)
	v.SetDefault("watch.dir", "inbox")
	v.SetDefault("watch.debounce", 500*time.Millisecond)
}

// loadSettings populates the global settings. Missing config.yaml is fine;
// env and defaults still apply. Called before workspace discovery, so it
// does its own walk for the config file.
func loadSettings() {
	v := viper.New()
	settingsDefaults(v)
	v.SetEnvPrefix("JOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := findConfigFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			fatal(exitValidation, "reading %s: %v", path, err)
		}
	}
	if err := v.Unmarshal(&settings); err != nil {
		fatal(exitValidation, "parsing configuration: %v", err)
	}
}

func findConfigFile() string {
	dir := jotDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = configfile.FindDir(wd)
	}
	if dir == "" {
		return ""
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit .jot/config.yaml",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			outputJSON(settings)
			return
		}
		out, err := yaml.Marshal(settings)
		if err != nil {
			fail(err)
		}
		fmt.Print(string(out))
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value (dotted key, e.g. oracle.model)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		v := configFileViper()
		if !v.IsSet(args[0]) {
			fatal(exitNotFound, "unknown config key: %s", args[0])
		}
		if jsonOutput {
			outputJSON(map[string]interface{}{args[0]: v.Get(args[0])})
			return
		}
		fmt.Println(v.Get(args[0]))
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one value to .jot/config.yaml",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		dir := jotDir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				fail(err)
			}
			dir = configfile.FindDir(wd)
		}
		if dir == "" {
			fatalWithHint("no workspace found", "Run 'jot init' to create one")
		}
		path := filepath.Join(dir, "config.yaml")

		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			fail(err)
		}
		v.Set(args[0], args[1])
		if err := v.WriteConfigAs(path); err != nil {
			fail(err)
		}
		printSuccess("set %s = %s", args[0], args[1])
	},
}

// configFileViper builds a viper with defaults plus the config file, no env,
// so `config get` shows what is persisted rather than the session override.
func configFileViper() *viper.Viper {
	v := viper.New()
	settingsDefaults(v)
	if path := findConfigFile(); path != "" {
		v.SetConfigFile(path)
		_ = v.ReadInConfig()
	}
	return v
}

func init() {
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}
