// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bulkfetch/bulkfetch/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	var (
		addr         string
		port         int
		downloadRoot string
		concurrency  int
		hashWorkers  int
		maxAttempts  int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start an HTTP + WebSocket server for manifest-driven downloads",
		Long: `Start an HTTP server that provides:
  - REST API for uploading manifests and managing download jobs
  - WebSocket for live progress updates

The download destination is configured server-side only (not via API) for security.

Example:
  bulkfetch serve
  bulkfetch serve --port 3000
  bulkfetch serve --download-root ./downloads`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.Config{
				Addr:         addr,
				Port:         port,
				DownloadRoot: downloadRoot,
				Concurrency:  concurrency,
				HashWorkers:  hashWorkers,
				MaxAttempts:  maxAttempts,
				Token:        resolveToken(ro),
			}

			srv := server.New(cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Println()
			fmt.Println("bulkfetch server mode")
			fmt.Printf("  listening on %s:%d\n", addr, port)
			fmt.Printf("  download root: %s\n", downloadRoot)
			fmt.Println()

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringVar(&downloadRoot, "download-root", "./downloads", "Destination directory for all jobs")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 8, "Maximum number of files downloading at once")
	cmd.Flags().IntVar(&hashWorkers, "hash-workers", 4, "Concurrent integrity-verification workers")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "Max attempts per file before marking it failed")

	return cmd
}
