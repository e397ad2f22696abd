// Command corerund is the CLI driver named as excluded glue in spec.md §1
// (SPEC_FULL §10.4): a thin cobra command tree wiring config, manifest,
// resolver, registry, and the scheduler's public workergroup API together.
// Grounded on cuemby-warren's cmd/warren root-command/persistent-flags
// shape.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nmxmxh/corerun/config"
	"github.com/nmxmxh/corerun/logging"
	"github.com/nmxmxh/corerun/manifest/tomlmanifest"
	"github.com/nmxmxh/corerun/registry"
	"github.com/nmxmxh/corerun/resolver/wasmresolver"
	"github.com/nmxmxh/corerun/scheduler/workergroup"
)

var log = logging.For("cmd.corerund")

var (
	configPath   string
	manifestPath string
	logLevel     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "corerund",
	Short: "corerun worker-group and module-registry daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&manifestPath, "manifest", "", "path to a TOML module manifest")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(modulesCmd)
	modulesCmd.AddCommand(modulesListCmd)
}

func loadConfig() (config.Config, error) {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logging.SetLevel(lvl)
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start a worker group, load any configured manifest, and block until shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reg := registry.New()
		if manifestPath != "" {
			if err := loadManifest(reg, cfg, manifestPath); err != nil {
				return err
			}
		}

		g := workergroup.Spawn(workergroup.Config{
			Name:               "default",
			Visible:            true,
			Workers:            cfg.Scheduler.Workers,
			StealBatch:         cfg.Scheduler.StealBatch,
			StackSizes:         cfg.Scheduler.StackSizesBytes(),
			StackMaxPerClass:   cfg.Scheduler.StackMaxPerClass,
			StackMaxTotalBytes: cfg.Scheduler.StackMaxTotalMB * 1024 * 1024,
			TickInterval:       time.Duration(cfg.Scheduler.TickIntervalMillis * float64(time.Millisecond)),
		})
		log.Info().Int("workers", g.NumWorkers()).Msg("worker group running")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Info().Msg("shutdown signal received, draining")
		g.Shutdown()

		drained := make(chan error, 1)
		go func() { drained <- g.Wait() }()
		select {
		case err := <-drained:
			return err
		case <-time.After(time.Duration(cfg.Scheduler.ShutdownDrainMS) * time.Millisecond):
			log.Warn().Msg("shutdown drain timeout elapsed, exiting anyway")
			return nil
		}
	},
}

func loadManifest(reg *registry.Registry, cfg config.Config, path string) error {
	descs, err := tomlmanifest.New(path).Descriptors()
	if err != nil {
		return err
	}
	resolver := wasmresolver.New()
	return reg.WithLoadingSet(resolver, cfg.Registry.DefaultLoaderTag, func(ls *registry.LoadingSet) registry.Disposition {
		for _, d := range descs {
			if err := ls.AppendFromPath(d.Path, registry.AcceptAll); err != nil {
				log.Error().Err(err).Str("path", d.Path).Msg("failed to resolve manifest entry")
				return registry.Dismiss
			}
		}
		return registry.Commit
	})
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "inspect the module registry",
}

var modulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "load the configured manifest and print the resulting modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		if manifestPath == "" {
			return fmt.Errorf("modules list requires --manifest")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg := registry.New()
		if err := loadManifest(reg, cfg, manifestPath); err != nil {
			return err
		}
		for _, info := range reg.Modules() {
			fmt.Printf("%s\t%s\tinterfaces=%d\n", info.Name, info.Path, info.Interfaces)
		}
		return nil
	},
}
