// Package main is the entry point for the musicstream client.
// musicstream connects to a musicstreamd server, searches its catalog and
// plays songs streamed from it, driven from an interactive console and the
// OS media session.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/austinkregel/local-media/musicstream/internal/audio"
	"github.com/austinkregel/local-media/musicstream/internal/client"
	"github.com/austinkregel/local-media/musicstream/internal/config"
	"github.com/austinkregel/local-media/musicstream/internal/console"
	"github.com/austinkregel/local-media/musicstream/internal/media"
	"github.com/austinkregel/local-media/musicstream/internal/mediaplayer"
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
		Use:          "musicstream",
		Short:        "Play music from a musicstreamd server",
		Version:      Version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(opts.verbose)
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPlayer(ctx, cfg)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Configuration file (default: <user config dir>/musicstream/config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(searchCmd(opts))
	return root
}

func searchCmd(opts *options) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "search <term>",
		Short: "Search the server catalog and print the matches",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(opts.verbose)
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			control := client.NewConnector("control", serverAddr(cfg, cfg.Server.PortCommunication), cfg.Client.ID, cfg.Client.RetryInterval)
			if err := control.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer control.Close()

			controller := client.NewController(control)
			go controller.Run(ctx)

			songs, err := controller.Search(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if len(songs) == 0 {
				fmt.Println("No songs found")
			}
			for _, song := range songs {
				fmt.Printf("%6d  %s (%s)\n", song.ID, song, song.DurationString())
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up after this long")
	return cmd
}

func runPlayer(ctx context.Context, cfg *config.Config) error {
	control := client.NewConnector("control", serverAddr(cfg, cfg.Server.PortCommunication), cfg.Client.ID, cfg.Client.RetryInterval)
	stream := client.NewConnector("audio", serverAddr(cfg, cfg.Server.PortStreaming), cfg.Client.ID, cfg.Client.RetryInterval)
	// the server pairs channels by client id, so one is never renewed alone
	control.Pair(stream)
	controller := client.NewController(control)

	player, err := audio.NewPlayer(audio.OtoOutputFactory)
	if err != nil {
		return fmt.Errorf("failed to initialize audio player: %w", err)
	}
	mp := mediaplayer.New(player, stream, controller)

	// Initialize media session (platform-specific)
	session, err := media.NewSession()
	if err != nil {
		log.Warn().Str("component", "media").Err(err).Msg("Continuing without OS media integration")
		session = media.NewNoOpSession()
	}
	defer session.Close()
	session.SetCommandHandler(mp)
	mp.AddObserver(mediaplayer.NewSessionObserver(session, cfg.Client.ArtDir))

	con := console.New(mp, controller, os.Stdout)
	mp.AddObserver(con)
	control.SetOnChange(func(connected bool) { con.ConnectionChanged("control", connected) })
	stream.SetOnChange(func(connected bool) { con.ConnectionChanged("audio", connected) })

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.Go(func() error { return control.Run(ctx) })
	g.Go(func() error { return stream.Run(ctx) })
	g.Go(func() error { return controller.Run(ctx) })
	g.Go(func() error { return mp.Run(ctx) })
	g.Go(func() error {
		// leaving the console ends the program
		defer cancel()
		return con.Run(ctx, os.Stdin)
	})

	return g.Wait()
}

func serverAddr(cfg *config.Config, port int) string {
	host := cfg.Server.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func loadConfig(opts *options) (*config.Config, error) {
	var mgr *config.Manager
	if opts.configPath != "" {
		mgr = config.NewManagerForFile(opts.configPath)
	} else {
		mgr = config.NewManager(config.DefaultDir())
	}
	if err := mgr.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return mgr.Get(), nil
}

func setupLogging(verbose bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
}
