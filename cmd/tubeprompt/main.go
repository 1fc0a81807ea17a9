package main

import (
	"fmt"
	"os"
	"time"

	"tubeprompt/internal/config"
	"tubeprompt/internal/logging"
	"tubeprompt/internal/settings"
	"tubeprompt/internal/store"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath    string
	verbose    bool
	serverAddr string
	timeout    time.Duration
	ephemeral  bool

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tubeprompt",
	Short: "tubeprompt - send the video you are watching to Gemini as a prompt",
	Long: `tubeprompt drives a Chrome instance: a trigger for a YouTube video page opens
(or reuses) a Gemini tab, waits for it to finish loading and fills the prompt
input from your template, pressing send when auto-send is on.

Run "tubeprompt serve" to start the daemon, then trigger it with
"tubeprompt open", "tubeprompt link" or "tubeprompt active".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", cfgPath, err)
		}
		if err := logging.Initialize(loaded.Logging.Options()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		if serverAddr == "" {
			serverAddr = cfg.Server.Listen
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultConfigPath(), "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "Daemon address (default: server.listen from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Operation timeout")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "Keep settings in memory instead of SQLite")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(activeCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(previewCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the configured settings backend. Callers must Close it.
func openStore() (store.KV, *settings.Store, error) {
	var kv store.KV
	if ephemeral {
		kv = store.NewMemoryKV()
	} else {
		db, err := store.OpenSQLite(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open settings store: %w", err)
		}
		kv = db
	}
	return kv, settings.New(kv), nil
}
