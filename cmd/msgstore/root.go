// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/absmach/msgstore/config"
	"github.com/absmach/msgstore/internal/otel"
	"github.com/absmach/msgstore/store"
	"github.com/spf13/cobra"
)

var validFormats = []string{"text", "json"}

// rootOptions holds global flags and the state shared by subcommands.
type rootOptions struct {
	configFile string
	dir        string
	format     string

	cfg      *config.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "msgstore",
		Short: "Inspect and administer a durable message store",
		Long: `msgstore opens a message store directory, runs recovery and reports
or resolves its state. Prepared distributed transactions left in doubt by a
crash can be listed and then committed or aborted by xid.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.shutdown == nil {
				return nil
			}
			return opts.shutdown(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to configuration file")
	cmd.PersistentFlags().StringVarP(&opts.dir, "dir", "d", "", "store directory (overrides store.dir)")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRecoverCommand(opts))
	cmd.AddCommand(newPreparedCommand(opts))
	cmd.AddCommand(newResolveCommand(opts, true))
	cmd.AddCommand(newResolveCommand(opts, false))
	cmd.AddCommand(newTruncateCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))

	return cmd
}

func (o *rootOptions) setup(cmd *cobra.Command) error {
	if !slices.Contains(validFormats, o.format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.format, validFormats)
	}

	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	if o.dir != "" {
		cfg.Store.Dir = o.dir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	o.cfg = cfg
	o.logger = newLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(o.logger)

	instance, err := os.Hostname()
	if err != nil {
		instance = "msgstore"
	}
	o.shutdown, err = otel.InitProvider(cmd.Context(), cfg.Metrics, instance)
	if err != nil {
		return err
	}
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// openStore opens the configured store. Metrics go to the global provider,
// which is a no-op unless metrics export is enabled.
func (o *rootOptions) openStore(truncate, save bool) (*store.Store, error) {
	sc, err := o.cfg.StoreConfig()
	if err != nil {
		return nil, err
	}
	if truncate {
		sc.TruncateInit = true
		sc.SaveContent = save
	}

	metrics, err := store.NewMetrics(nil)
	if err != nil {
		return nil, err
	}
	return store.Open(sc, store.WithLogger(o.logger), store.WithMetrics(metrics))
}

// recoverStore opens the store and runs recovery into h.
func (o *rootOptions) recoverStore(ctx context.Context, h store.RecoveryHandler) (*store.Store, error) {
	s, err := o.openStore(false, false)
	if err != nil {
		return nil, err
	}
	if err := s.Recover(ctx, h); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
