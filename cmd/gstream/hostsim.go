package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronologos/gstream/internal/hostsim"
	"github.com/chronologos/gstream/internal/transport"
)

func hostSimCmd(o *rootOptions) *cobra.Command {
	var (
		addr         string
		apps         []string
		frames       int
		audioPackets int
		controlMode  string
		unpaired     bool
	)

	cmd := &cobra.Command{
		Use:   "host-sim",
		Short: "Run a loopback GameStream host for testing",
		Long: `host-sim serves the negotiation API, handshake and control channel on
free ports and streams synthetic video and audio to the first client that
pings. The chosen ports are printed in config-file form once bound.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := transport.ParseDialMode(controlMode)
			if err != nil {
				return err
			}
			var list []hostsim.App
			for i, name := range apps {
				list = append(list, hostsim.App{Name: name, ID: 1001 + i})
			}

			h := hostsim.New(hostsim.Config{
				Addr:          addr,
				Apps:          list,
				Unpaired:      unpaired,
				ControlMode:   mode,
				Frames:        frames,
				FrameInterval: 16 * time.Millisecond,
				AudioPackets:  audioPackets,
				Logger:        o.logger(),
			})

			// Print ports once the listeners are ready (for scripts)
			go func() {
				select {
				case <-h.Ready:
				case <-cmd.Context().Done():
					return
				}
				fmt.Printf("host: %s\ncontrol:\n  transport: %s\n", addr, mode)
				if h.CertFingerprint != nil {
					fmt.Printf("  host_cert_sha256: %x\n", h.CertFingerprint)
				}
				fmt.Println("ports:")
				fmt.Printf("  http: %d\n  handshake: %d\n  control: %d\n", h.Ports.HTTP, h.Ports.Handshake, h.Ports.Control)
				fmt.Printf("  video: %d\n  audio: %d\n  input: %d\n", h.Ports.Video, h.Ports.Audio, h.Ports.Input)
			}()

			return h.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1", "bind address")
	cmd.Flags().StringSliceVar(&apps, "app", []string{"Steam"}, "app names to list")
	cmd.Flags().IntVar(&frames, "frames", 600, "video frames to send per client")
	cmd.Flags().IntVar(&audioPackets, "audio-packets", 2000, "audio packets to send per client")
	cmd.Flags().StringVar(&controlMode, "transport", "tcp", "control transport: tcp or quic")
	cmd.Flags().BoolVar(&unpaired, "unpaired", false, "report the client as not paired")
	return cmd
}
