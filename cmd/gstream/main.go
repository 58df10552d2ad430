package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chronologos/gstream/internal/config"
	"github.com/chronologos/gstream/internal/identity"
	"github.com/chronologos/gstream/internal/negotiate"
	"github.com/chronologos/gstream/internal/version"
)

var errNoHost = errors.New("no host: pass --host or set host in the config file")

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	host       string
	verbose    bool
}

func main() {
	var opts rootOptions

	rootCmd := &cobra.Command{
		Use:   "gstream",
		Short: "Stream games from a GameStream host",
		Long: `gstream negotiates a session with a GameStream host, opens the
control, video, audio and input channels, and forwards terminal
keystrokes to the host. Type ~. at the start of a line to disconnect.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./gstream.yaml, then ~/.config/gstream/gstream.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.host, "host", "", "host address, overrides the config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		pairStateCmd(&opts),
		appsCmd(&opts),
		launchCmd(&opts),
		quitCmd(&opts),
		streamCmd(&opts),
		hostSimCmd(&opts),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func (o *rootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("run_id", identity.NewRunID())
}

// load reads the config and applies flag overrides. requireHost is set by
// every command that talks to a host.
func (o *rootOptions) load(requireHost bool) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.host != "" {
		cfg.Host = o.host
	}
	if requireHost && cfg.Host == "" {
		return config.Config{}, errNoHost
	}
	return cfg, nil
}

func newNegotiator(cfg config.Config, logger *slog.Logger) *negotiate.Client {
	return negotiate.NewClient(negotiate.Options{
		Host:       cfg.Host,
		Port:       cfg.Ports.HTTP,
		UniqueID:   cfg.UniqueID,
		MAC:        cfg.MAC,
		DeviceName: cfg.DeviceName,
		Logger:     logger,
	})
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics server", "err", err)
	}
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(version.Version)
				return
			}
			fmt.Println(version.String())
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version number")
	return cmd
}
