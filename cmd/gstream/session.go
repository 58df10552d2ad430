package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronologos/gstream/internal/connection"
	"github.com/chronologos/gstream/internal/identity"
	"github.com/chronologos/gstream/internal/negotiate"
)

const requestTimeout = 10 * time.Second

func pairStateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pair-state",
		Short: "Report whether the host trusts this client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(true)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			paired, err := newNegotiator(cfg, o.logger()).PairState(ctx)
			if err != nil {
				return err
			}
			if paired {
				fmt.Println("paired")
			} else {
				fmt.Println("not paired")
			}
			return nil
		},
	}
}

// openSession requests a session id; a decline is reported as an error here
// because every caller needs one to continue.
func openSession(ctx context.Context, c *negotiate.Client) (int64, error) {
	sid, err := c.SessionID(ctx)
	if err != nil {
		return 0, err
	}
	if sid == 0 {
		return 0, connection.ErrDeclined
	}
	return sid, nil
}

func appsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List the host's applications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(true)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			c := newNegotiator(cfg, o.logger())
			sid, err := openSession(ctx, c)
			if err != nil {
				return err
			}
			apps, err := c.AppList(ctx, sid)
			if err != nil {
				return err
			}
			for _, app := range apps {
				state := ""
				if app.Running {
					state = "running"
				}
				fmt.Printf("%8d  %-32s %s\n", app.ID, app.Name, state)
			}
			return nil
		},
	}
}

func launchCmd(o *rootOptions) *cobra.Command {
	var appName string
	var appID int

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch (or resume) an app without streaming it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(true)
			if err != nil {
				return err
			}
			if appName != "" || appID != 0 {
				cfg.App.Name, cfg.App.ID = appName, appID
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			c := newNegotiator(cfg, o.logger())
			sid, err := openSession(ctx, c)
			if err != nil {
				return err
			}
			apps, err := c.AppList(ctx, sid)
			if err != nil {
				return err
			}
			app, ok := negotiate.FindApp(apps, cfg.App.ID, cfg.App.Name)
			if !ok {
				return fmt.Errorf("%w: %q", connection.ErrAppNotFound, cfg.App.Name)
			}
			key, err := identity.GenerateRemoteInputKey()
			if err != nil {
				return err
			}
			params := negotiate.LaunchParams{Width: cfg.Video.Width, Height: cfg.Video.Height, FPS: cfg.Video.FPS, RIKey: key}

			var gs uint32
			if app.Running {
				gs, err = c.ResumeApp(ctx, sid, params)
			} else {
				gs, err = c.LaunchApp(ctx, sid, app.ID, params)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s: game session %d\n", app.Name, gs)
			return nil
		},
	}
	cmd.Flags().StringVar(&appName, "app", "", "app name (default from config)")
	cmd.Flags().IntVar(&appID, "app-id", 0, "app id, takes precedence over --app")
	return cmd
}

func quitCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Quit the app running on the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(true)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			c := newNegotiator(cfg, o.logger())
			sid, err := openSession(ctx, c)
			if err != nil {
				return err
			}
			return c.QuitApp(ctx, sid)
		},
	}
}
