package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tubeprompt/internal/browser"
	"tubeprompt/internal/config"
	"tubeprompt/internal/correlator"
	"tubeprompt/internal/delivery"
	"tubeprompt/internal/logging"
	"tubeprompt/internal/server"
	"tubeprompt/internal/settings"
	"tubeprompt/internal/types"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: browser host, correlator and HTTP trigger endpoint",
	Long: `Connects to Chrome (browser.debugger_url) or launches it, attaches a delivery
agent to every Gemini tab and listens for triggers on server.listen.

When settings_file is set, that YAML file is merged into the stored settings
at startup and again whenever it changes.`,
	RunE: runServe,
}

func correlatorConfig(c *config.Config) correlator.Config {
	return correlator.Config{
		SourceHosts:        c.Source.Hosts,
		SourcePathPrefixes: c.Source.PathPrefixes,
		AppURL:             c.Destination.AppURL,
		MatchPattern:       c.Destination.MatchPattern,
		ReadyTimeout:       c.GetReadyTimeout(),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, st, err := openStore()
	if err != nil {
		return err
	}
	defer kv.Close()

	host := browser.NewHost(browser.FromConfig(cfg), st)
	host.OnResult = func(id types.TabID, r delivery.Result) {
		logging.WithRequestID(logging.CategoryBoot, r.RequestID).
			Debug("Tab %s delivery finished: %s in %s", id, r.Outcome, r.Duration)
	}
	startCtx, cancelStart := context.WithTimeout(ctx, timeout)
	err = host.Start(startCtx)
	cancelStart()
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := host.Shutdown(shutdownCtx); err != nil {
			logging.BootWarn("Browser shutdown: %v", err)
		}
	}()

	corr := correlator.New(host, host, st, correlatorConfig(cfg))
	defer corr.Close()

	srv := server.New(cfg.Server.Listen, corr, server.WithMetrics(cfg.Server.Metrics))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.SettingsFile != "" {
		fs, err := settings.NewFileSync(st, cfg.SettingsFile)
		if err != nil {
			return fmt.Errorf("watch settings file: %w", err)
		}
		if _, err := fs.Apply(ctx); err != nil {
			logging.BootWarn("Settings file %s not applied: %v", cfg.SettingsFile, err)
		}
		if err := fs.Start(gctx); err != nil {
			fs.Stop()
			return fmt.Errorf("watch settings file: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			fs.Stop()
			return nil
		})
	}

	logging.Boot("tubeprompt serving on %s (store %s)", cfg.Server.Listen, cfg.Store.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "tubeprompt listening on http://%s\n", cfg.Server.Listen)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Boot("Shutting down")
	return nil
}
