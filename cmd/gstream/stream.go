package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/chronologos/gstream/internal/audio"
	"github.com/chronologos/gstream/internal/connection"
	"github.com/chronologos/gstream/internal/console"
	"github.com/chronologos/gstream/internal/input"
	"github.com/chronologos/gstream/internal/joydev"
	"github.com/chronologos/gstream/internal/metrics"
	"github.com/chronologos/gstream/internal/video"
)

func streamCmd(o *rootOptions) *cobra.Command {
	var (
		appName    string
		appID      int
		dumpPath   string
		noKeyboard bool
		noGamepad  bool
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Launch an app and stream it",
		Long: `stream runs every connection stage against the host, then keeps the
stream up until the host ends it, the user types ~., or the process is
interrupted. Video access units are discarded or written to --dump as a
raw elementary stream; audio is counted. Joysticks under /dev/input are
forwarded as gamepads using gamepad.mappings from the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(true)
			if err != nil {
				return err
			}
			if appName != "" || appID != 0 {
				cfg.App.Name, cfg.App.ID = appName, appID
			}
			mappings, err := input.MappingsFromConfig(cfg.Gamepad)
			if err != nil {
				return fmt.Errorf("gamepad.mappings: %w", err)
			}
			log := o.logger()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			if cfg.MetricsAddr != "" {
				go serveMetrics(ctx, cfg.MetricsAddr, reg, log)
			}

			var sink io.Writer = io.Discard
			if dumpPath != "" {
				f, err := os.Create(dumpPath)
				if err != nil {
					return fmt.Errorf("create dump file: %w", err)
				}
				defer f.Close()
				sink = f
			}
			vr := video.NewWriterRenderer(sink, log)
			ar := &audio.CountingRenderer{}

			ccfg, err := connection.ConfigFrom(cfg)
			if err != nil {
				return err
			}
			ccfg.VideoRenderer = vr
			ccfg.AudioRenderer = ar
			ccfg.Logger = log
			ccfg.Metrics = m

			status := console.NewStatus(os.Stderr)
			conn := connection.New(ccfg, status)
			conn.Start()
			defer func() {
				conn.Stop()
				units, bytes := vr.Stats()
				lost, _ := conn.VideoStats()
				packets, _ := ar.Totals()
				fmt.Fprintf(os.Stderr, "video: %d units, %d bytes, %d frames lost; audio: %d packets\n",
					units, bytes, lost, packets)
			}()

			select {
			case <-status.Started():
			case <-status.Done():
				return status.Err()
			case <-ctx.Done():
				return nil
			}

			if !noGamepad {
				pads := input.NewManager(joydev.NewEnumerator(), mappings, conn, log)
				go func() {
					if err := joydev.Pump(ctx, pads, joydev.DefaultRescanInterval, log); err != nil {
						log.Warn("gamepads unavailable", "err", err)
					}
				}()
			}

			keyErr := make(chan error, 1)
			if !noKeyboard {
				go func() {
					keyErr <- console.NewKeyboard(os.Stdin, conn, log).Run(ctx)
				}()
			}

			for {
				select {
				case <-status.Done():
					return status.Err()
				case err := <-keyErr:
					switch {
					case errors.Is(err, console.ErrEscape):
						return nil
					case err != nil && ctx.Err() == nil:
						return err
					}
					// stdin closed; keep streaming until the host or a signal ends it
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&appName, "app", "", "app name (default from config)")
	cmd.Flags().IntVar(&appID, "app-id", 0, "app id, takes precedence over --app")
	cmd.Flags().StringVar(&dumpPath, "dump", "", "write video access units to this file")
	cmd.Flags().BoolVar(&noKeyboard, "no-keyboard", false, "do not forward stdin keystrokes")
	cmd.Flags().BoolVar(&noGamepad, "no-gamepad", false, "do not forward joysticks")
	return cmd
}
