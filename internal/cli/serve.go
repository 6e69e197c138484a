// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagekit/webui-installer/internal/server"
)

func newServeCmd(version string, ro *RootOpts) *cobra.Command {
	var (
		addr    string
		port    int
		origins []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server for browser-driven installs",
		Long: `Start an HTTP server that provides:
  - REST API to plan, run, cancel and reset installations
  - WebSocket for live progress updates
  - Web dashboard

The work directory, manifest and paths are fixed at startup. The API can
only change retry and verification settings.

Example:
  webui-installer serve
  webui-installer serve --port 3000 -C /opt/stable-diffusion-webui`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := prepare(cmd, ro)
			if err != nil {
				return err
			}
			server.Version = version

			srv := server.New(server.Config{
				Addr:           addr,
				Port:           port,
				Manifest:       m,
				Settings:       cfg,
				AllowedOrigins: origins,
				Logger:         cfg.Logger,
			})

			fmt.Println()
			fmt.Println("╭────────────────────────────────────────────────────────────╮")
			fmt.Println("│                   web UI installer                         │")
			fmt.Println("│                    Web Server Mode                         │")
			fmt.Println("╰────────────────────────────────────────────────────────────╯")
			fmt.Printf("  Dashboard: http://%s:%d\n", addr, port)
			fmt.Printf("  Work dir:  %s\n", cfg.WorkDir)
			fmt.Println()

			return srv.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "CORS origins allowed to call the API (default: any)")

	return cmd
}
