// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bulkfetch/bulkfetch/internal/tui"
	"github.com/bulkfetch/bulkfetch/pkg/fetchengine"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Token    string
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogFile  string
	LogLevel string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "bulkfetch",
		Short:         "Fast, resumable bulk downloader driven by a JSON manifest",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVarP(&ro.Token, "token", "t", "", "Bearer token for authenticated origins (also reads BULKFETCH_TOKEN env)")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events (progress, plan, results)")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode: a single aggregate progress bar, no per-file table")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Accepted; has no effect")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogFile, "log-file", "", "Accepted; has no effect")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "info", "Accepted; has no effect (debug, info, warn, error)")

	fetchCmd := newFetchCmd(ctx, ro)
	root.AddCommand(fetchCmd)
	root.AddCommand(newPlanCmd(ctx, ro))
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newConfigCmd())

	root.RunE = fetchCmd.RunE
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newFetchCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var manifestPath string
	var outputDir string
	var selection []string
	var statePath string
	var prune bool
	settings := fetchengine.DefaultSettings()
	var backoffInitial, backoffMax string

	cmd := &cobra.Command{
		Use:   "fetch [MANIFEST]",
		Short: "Download every file named in a manifest to a local directory",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro, &settings, &outputDir)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				manifestPath = args[0]
			}
			if manifestPath == "" {
				return fmt.Errorf("missing MANIFEST path (pass as positional arg or --manifest)")
			}
			if outputDir == "" {
				return fmt.Errorf("missing --output directory")
			}

			settings.Token = resolveToken(ro)
			if backoffInitial != "" {
				d, err := time.ParseDuration(backoffInitial)
				if err != nil {
					return fmt.Errorf("invalid --backoff-initial: %w", err)
				}
				settings.BackoffInitial = d
			}
			if backoffMax != "" {
				d, err := time.ParseDuration(backoffMax)
				if err != nil {
					return fmt.Errorf("invalid --backoff-max: %w", err)
				}
				settings.BackoffMax = d
			}
			settings.StatePath = statePath

			data, err := os.ReadFile(manifestPath)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}

			eng, err := fetchengine.NewEngine(settings)
			if err != nil {
				return err
			}
			defer eng.Close()

			if _, _, _, err := eng.LoadManifest(data, prune); err != nil {
				return fmt.Errorf("load manifest: %w", err)
			}
			eng.SetDownloadRoot(outputDir)
			if err := eng.Select(selection); err != nil {
				return err
			}

			var progress fetchengine.ProgressFunc
			var closeUI func()
			switch {
			case ro.JSONOut:
				progress = jsonProgress(os.Stdout)
			case ro.Quiet:
				bar := tui.NewBarRenderer(os.Stdout)
				progress = bar.Handler()
				closeUI = bar.Close
			default:
				ui := tui.NewLiveRenderer(outputDir, len(selection))
				progress = ui.Handler()
				closeUI = ui.Close
			}
			if closeUI != nil {
				defer closeUI()
			}
			eng.Subscribe(progress, nil)

			if err := eng.Start(ctx); err != nil {
				return err
			}

			stats := eng.Statistics()
			fmt.Fprintf(os.Stderr, "completed: %d bytes transferred (%d raw), h2=%d h1=%d\n",
				stats.DecodedBytesTransferred, stats.RawBytesTransferred, stats.H2Requests, stats.H1Requests)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Path to the manifest JSON file")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Destination directory")
	cmd.Flags().StringSliceVarP(&selection, "select", "s", nil, "Comma-separated subset of manifest entries to fetch (default: all)")
	cmd.Flags().StringVar(&statePath, "state", "", "Path to the durable state file (default: platform cache dir)")
	cmd.Flags().BoolVar(&prune, "prune", false, "Drop state-store records for entries no longer present in the manifest (default: retain them)")
	cmd.Flags().IntVarP(&settings.Concurrency, "concurrency", "c", settings.Concurrency, "Maximum number of files downloading at once")
	cmd.Flags().IntVar(&settings.HashWorkers, "hash-workers", settings.HashWorkers, "Concurrent integrity-verification workers")
	cmd.Flags().IntVar(&settings.MaxAttempts, "max-attempts", settings.MaxAttempts, "Max attempts per file before marking it failed")
	cmd.Flags().StringVar(&backoffInitial, "backoff-initial", "400ms", "Initial retry backoff duration")
	cmd.Flags().StringVar(&backoffMax, "backoff-max", "10s", "Maximum retry backoff duration")
	cmd.Flags().Int64Var(&settings.ResumeThreshold, "resume-threshold", settings.ResumeThreshold, "Minimum partial-file size (bytes) that triggers a resumed download instead of restarting")

	return cmd
}

func newPlanCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var manifestPath string
	var selection []string

	cmd := &cobra.Command{
		Use:   "plan [MANIFEST]",
		Short: "Print the file list and total size a fetch would download, without downloading",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				manifestPath = args[0]
			}
			if manifestPath == "" {
				return fmt.Errorf("missing MANIFEST path")
			}

			data, err := os.ReadFile(manifestPath)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			m, err := fetchengine.ParseManifest(data)
			if err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}

			names := selection
			if len(names) == 0 {
				names = m.Names()
			}

			type planFile struct {
				Name string `json:"name"`
				Size int64  `json:"size"`
			}
			var files []planFile
			var total int64
			for _, n := range names {
				e, ok := m.Entries[n]
				if !ok {
					return fmt.Errorf("unknown manifest entry %q", n)
				}
				files = append(files, planFile{Name: n, Size: e.ExpectedSize})
				total += e.ExpectedSize
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Files      []planFile `json:"files"`
					TotalSize  int64      `json:"totalSize"`
					TotalFiles int        `json:"totalFiles"`
				}{files, total, len(files)})
			}

			fmt.Printf("Plan (%d files, %d bytes):\n", len(files), total)
			for _, f := range files {
				fmt.Printf("  %-60s %10d\n", f.Name, f.Size)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Path to the manifest JSON file")
	cmd.Flags().StringSliceVarP(&selection, "select", "s", nil, "Comma-separated subset of manifest entries to plan")

	return cmd
}

func resolveToken(ro *RootOpts) string {
	tok := strings.TrimSpace(ro.Token)
	if tok == "" {
		tok = strings.TrimSpace(os.Getenv("BULKFETCH_TOKEN"))
	}
	return tok
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func applySettingsDefaults(cmd *cobra.Command, ro *RootOpts, dst *fetchengine.Settings, outputDir *string) error {
	path := ro.Config
	if path == "" {
		home, _ := os.UserHomeDir()
		jsonPath := filepath.Join(home, ".config", "bulkfetch.json")
		yamlPath := filepath.Join(home, ".config", "bulkfetch.yaml")
		ymlPath := filepath.Join(home, ".config", "bulkfetch.yml")

		if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(ymlPath); err == nil {
			path = ymlPath
		}
	}
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg map[string]any
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid YAML config file: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid JSON config file: %w", err)
		}
	}

	setStr := func(flagName string, set func(string)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v))
		}
	}
	setInt := func(flagName string, set func(int)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			var x int
			fmt.Sscan(fmt.Sprint(v), &x)
			set(x)
		}
	}

	setStr("output", func(v string) { *outputDir = v })
	setInt("concurrency", func(v int) { dst.Concurrency = v })
	setInt("hash-workers", func(v int) { dst.HashWorkers = v })
	setInt("max-attempts", func(v int) { dst.MaxAttempts = v })

	if !cmd.Flags().Changed("token") && os.Getenv("BULKFETCH_TOKEN") == "" {
		if v, ok := cfg["token"]; ok && v != nil {
			ro.Token = fmt.Sprint(v)
		}
	}

	return nil
}

// jsonProgress returns a JSON-lines progress handler.
func jsonProgress(w io.Writer) fetchengine.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev fetchengine.ProgressEvent) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}
