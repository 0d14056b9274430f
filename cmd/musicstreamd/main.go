// Package main is the entry point for the musicstreamd server.
// musicstreamd serves a song catalog to musicstream clients over two TCP
// channels: one for search and control, one for song data.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/austinkregel/local-media/musicstream/internal/catalog"
	"github.com/austinkregel/local-media/musicstream/internal/config"
	"github.com/austinkregel/local-media/musicstream/internal/server"
)

// Version is set at build time via ldflags
var Version = "dev"

type options struct {
	configPath string
	verbose    bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "musicstreamd",
		Short:        "Music streaming server",
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Configuration file (default: <user config dir>/musicstream/config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(serveCmd(opts), importCmd(opts))
	return root
}

func serveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept clients and stream songs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(opts.verbose)
			mgr, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			catCfg := catalogConfig(cfg)

			// open once up front so a broken database fails at startup
			store, err := catalog.OpenStore(catCfg)
			if err != nil {
				return err
			}
			count, err := store.Count(cmd.Context())
			store.Close()
			if err != nil {
				return fmt.Errorf("failed to read catalog: %w", err)
			}
			log.Info().Str("component", "server").Int64("songs", count).Str("database", catCfg.Path).Msg("Catalog ready")

			srv := server.New(server.Config{
				Host:              cfg.Server.Host,
				PortCommunication: cfg.Server.PortCommunication,
				PortStreaming:     cfg.Server.PortStreaming,
				PairTimeout:       cfg.Server.PairTimeout,
				MetricsListen:     cfg.Metrics.Listen,
			}, catalog.StoreOpener(catCfg), server.NewMetrics())

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return srv.Run(ctx)
		},
	}
}

func importCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import [songs-dir]",
		Short: "Add the songs in the songs directory to the catalog",
		Long: "Scan the songs directory and record every wav and mp3 file in the catalog.\n" +
			"A directory argument becomes the configured songs directory.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(opts.verbose)
			mgr, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cfg := mgr.Get()

			if len(args) == 1 {
				dir, err := filepath.Abs(args[0])
				if err != nil {
					return fmt.Errorf("invalid songs directory: %w", err)
				}
				if info, err := os.Stat(dir); err != nil || !info.IsDir() {
					return fmt.Errorf("%s is not a directory", dir)
				}
				cfg.Database.SongsDir = dir
				if err := mgr.Save(); err != nil {
					return err
				}
			}

			catCfg := catalogConfig(cfg)
			store, err := catalog.OpenStore(catCfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			result, err := catalog.NewImporter(store, catCfg).Import(ctx)
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			log.Info().
				Str("component", "catalog").
				Int("imported", result.Imported).
				Int("skipped", result.Skipped).
				Dur("took", result.Duration).
				Msg("Import finished")
			return nil
		},
	}
}

func catalogConfig(cfg *config.Config) catalog.Config {
	return catalog.Config{
		Path:      cfg.Database.Path,
		SongsDir:  cfg.Database.SongsDir,
		ImagesDir: cfg.Database.ImagesDir,
	}
}

func loadConfig(opts *options) (*config.Manager, error) {
	var mgr *config.Manager
	if opts.configPath != "" {
		mgr = config.NewManagerForFile(opts.configPath)
	} else {
		mgr = config.NewManager(config.DefaultDir())
	}
	if err := mgr.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log.Debug().Str("path", mgr.GetPath()).Msg("Loaded configuration")
	return mgr, nil
}

func setupLogging(verbose bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
