// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/absmach/msgstore/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type queueReport struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Messages int    `json:"messages"`
}

type exchangeReport struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

type bindingReport struct {
	ID       uint64 `json:"id"`
	Exchange uint64 `json:"exchange"`
	Queue    uint64 `json:"queue"`
	Key      string `json:"key"`
}

type preparedReport struct {
	XID      string `json:"xid"`
	Enqueues int    `json:"enqueues"`
	Dequeues int    `json:"dequeues"`
}

// recoverReport summarises the state found by recovery.
type recoverReport struct {
	Queues    []queueReport    `json:"queues"`
	Exchanges []exchangeReport `json:"exchanges"`
	Bindings  []bindingReport  `json:"bindings"`
	Configs   int              `json:"configs"`
	Messages  int              `json:"messages"`
	Prepared  []preparedReport `json:"prepared"`
}

func newReport(inv *store.Inventory) recoverReport {
	r := recoverReport{
		Configs:  len(inv.Configs),
		Messages: len(inv.Messages),
	}
	for _, q := range inv.Queues {
		r.Queues = append(r.Queues, queueReport{ID: q.ID, Name: q.Name, Messages: len(inv.Enqueued[q.ID])})
	}
	for _, e := range inv.Exchanges {
		r.Exchanges = append(r.Exchanges, exchangeReport{ID: e.ID, Name: e.Name})
	}
	for _, b := range inv.Bindings {
		r.Bindings = append(r.Bindings, bindingReport{ID: b.ID, Exchange: b.ExchangeID, Queue: b.QueueID, Key: b.Key})
	}
	for _, p := range inv.Prepared {
		r.Prepared = append(r.Prepared, preparedReport{
			XID:      store.FormatXid(p.XID),
			Enqueues: len(p.Enqueues),
			Dequeues: len(p.Dequeues),
		})
	}
	sort.Slice(r.Queues, func(i, j int) bool { return r.Queues[i].ID < r.Queues[j].ID })
	sort.Slice(r.Exchanges, func(i, j int) bool { return r.Exchanges[i].ID < r.Exchanges[j].ID })
	sort.Slice(r.Bindings, func(i, j int) bool { return r.Bindings[i].ID < r.Bindings[j].ID })
	return r
}

func (r recoverReport) writeText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "QUEUE\tID\tMESSAGES\n")
	for _, q := range r.Queues {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", q.Name, q.ID, q.Messages)
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "EXCHANGE\tID\n")
	for _, e := range r.Exchanges {
		fmt.Fprintf(tw, "%s\t%d\n", e.Name, e.ID)
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "BINDING\tEXCHANGE\tQUEUE\tKEY\n")
	for _, b := range r.Bindings {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", b.ID, b.Exchange, b.Queue, b.Key)
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "PREPARED\tENQUEUES\tDEQUEUES\n")
	for _, p := range r.Prepared {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", p.XID, p.Enqueues, p.Dequeues)
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "Messages: %d, general config entries: %d\n", r.Messages, r.Configs)
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRecoverCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run recovery and report the recovered state",
		Long: `Run recovery on the store directory and report queues, exchanges,
bindings, message counts and in-doubt prepared transactions.

Recovery completes every transaction with a durable outcome, so running this
command also settles work interrupted by a crash.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv := store.NewInventory()
			s, err := opts.recoverStore(cmd.Context(), inv)
			if err != nil {
				return err
			}
			defer s.Close()

			report := newReport(inv)
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return report.writeText(cmd.OutOrStdout())
		},
	}
}

func newPreparedCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prepared",
		Short: "List in-doubt prepared transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.recoverStore(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			xids := []string{}
			for _, xid := range s.CollectPreparedXids() {
				xids = append(xids, store.FormatXid(xid))
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), xids)
			}
			for _, x := range xids {
				fmt.Fprintln(cmd.OutOrStdout(), x)
			}
			return nil
		},
	}
}

// newResolveCommand builds the commit or abort command for in-doubt
// transactions.
func newResolveCommand(opts *rootOptions, commit bool) *cobra.Command {
	use, short := "abort <xid>", "Abort an in-doubt prepared transaction"
	if commit {
		use, short = "commit <xid>", "Commit an in-doubt prepared transaction"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `.

The xid is given in the form printed by the prepared command: printable ASCII
with other bytes escaped as \xNN.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xid, err := store.ParseXid(args[0])
			if err != nil {
				return err
			}

			s, err := opts.recoverStore(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			txn, err := s.Txn(xid)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if commit {
				err = s.Commit(ctx, txn)
			} else {
				err = s.Abort(ctx, txn)
			}
			if err != nil {
				return err
			}

			opts.logger.Info("Resolved prepared transaction",
				"xid", store.FormatXid(xid),
				"outcome", txn.State().String())
			return nil
		},
	}
}

func newTruncateCommand(opts *rootOptions) *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "truncate",
		Short: "Discard all store content",
		Long: `Discard all journals and metadata in the store directory. With --save
the old content is moved into a _bak.NNNN directory instead of being removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStore(true, save)
			if err != nil {
				return err
			}
			return s.Close()
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "keep truncated content in a backup directory")

	return cmd
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), opts.cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(opts.cfg)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init <file>",
		Short: "Write the effective configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.cfg.Save(args[0])
		},
	})

	return cmd
}
