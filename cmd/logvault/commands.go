package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"logvault/spooler"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the configured sources and ingest until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			svc, err := openService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeService(svc, &err)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return svc.Run(ctx)
		},
	}
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var format, host, app string
	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest the given files, or every file matching the configured sources",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			svc, err := openService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeService(svc, &err)

			var results []spooler.Result
			if len(args) == 0 {
				results, err = svc.Pipeline.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				src := spooler.Source{Format: format, Host: host, App: app}
				for _, path := range args {
					res, err := svc.Pipeline.IngestFile(cmd.Context(), path, src)
					if err != nil {
						return fmt.Errorf("ingest %s: %w", path, err)
					}
					results = append(results, res)
				}
			}
			return printResults(cmd.OutOrStdout(), opts.output, results)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "format hint (plaintext|jsonl|syslog|csv); inferred when empty")
	cmd.Flags().StringVar(&host, "host", "", "source host recorded on every event")
	cmd.Flags().StringVar(&app, "app", "", "source app recorded on every event")
	return cmd
}

func newPruneCommand(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune old events, enforce the storage quota and purge quarantine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			svc, err := openService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeService(svc, &err)

			ctx := cmd.Context()
			horizon := svc.Config.Retention.MaxAge
			if cmd.Flags().Changed("older-than") {
				horizon = olderThan
			}
			var pruned int64
			if horizon > 0 {
				if pruned, err = svc.Retention.PruneOlderThan(ctx, horizon); err != nil {
					return err
				}
			}
			quota, err := svc.Retention.EnforceQuota(ctx)
			if err != nil {
				return err
			}
			purged, err := svc.Quarantine.Purge(ctx)
			if err != nil {
				return err
			}
			summary := map[string]any{
				"pruned":              pruned,
				"quota_removed":       quota.Removed,
				"quota_exhausted":     quota.Exhausted,
				"quarantine_removed":  purged.Removed,
				"quarantine_freed":    purged.FreedBytes,
				"storage_bytes_after": quota.After,
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d events by age, %d by quota; purged %d quarantined files (%s)\n",
				pruned, quota.Removed, purged.Removed, humanize.IBytes(uint64(purged.FreedBytes)))
			if quota.Exhausted {
				fmt.Fprintln(cmd.OutOrStdout(), "warning: storage still above the low watermark, nothing left to prune")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "prune events ingested longer ago than this (overrides retention.max_age)")
	return cmd
}

func newFilesCommand(opts *rootOptions) *cobra.Command {
	var status string
	var limit int
	var attempts uint
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List manifest entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			svc, err := openService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeService(svc, &err)

			ctx := cmd.Context()
			if attempts != 0 {
				list, err := svc.Manifest.Attempts(ctx, attempts)
				if err != nil {
					return err
				}
				if opts.output == "json" {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				tw := newTable(cmd.OutOrStdout(), "ATTEMPT", "STARTED", "OUTCOME", "LINES", "REASON")
				for _, a := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", a.ID, a.StartedAt.Format(time.RFC3339), a.Outcome, a.LinesWritten, a.Reason)
				}
				return tw.Flush()
			}

			entries, err := svc.Manifest.ListByStatus(ctx, spooler.FileStatus(status), limit)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "STATUS", "FORMAT", "SIZE", "ATTEMPTS", "PATH", "ERROR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.Status, e.Format, humanize.IBytes(uint64(e.SizeBytes)), e.Attempts, e.Path, e.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only entries in this status (processing|committed|error|deleted)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to list")
	cmd.Flags().UintVar(&attempts, "attempts", 0, "show the attempt history of this entry instead")
	return cmd
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var f spooler.EventFilter
	var from, to string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query stored events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if f.From, err = parseTimeFlag("from", from); err != nil {
				return err
			}
			if f.To, err = parseTimeFlag("to", to); err != nil {
				return err
			}
			svc, err := openService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeService(svc, &err)

			events, err := svc.Events.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), events)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "FILE", "LINE", "TIME", "LEVEL", "HOST", "DUP", "MESSAGE")
			for _, ev := range events {
				ts := "-"
				if ev.EventTime != nil {
					ts = ev.EventTime.Format(time.RFC3339)
				}
				dup := ""
				if ev.PossibleDuplicate {
					dup = "dup"
				}
				fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
					ev.ID, ev.FileID, ev.LineNo, ts, ev.Level, ev.SourceHost, dup, truncate(ev.Message, 120))
			}
			return tw.Flush()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&from, "from", "", "earliest event time (RFC3339, inclusive)")
	fl.StringVar(&to, "to", "", "latest event time (RFC3339, exclusive)")
	fl.StringVar(&f.Host, "host", "", "source host")
	fl.StringVar(&f.App, "app", "", "source app")
	fl.StringVar(&f.Level, "level", "", "normalized level")
	fl.StringVar(&f.Contains, "contains", "", "message substring (case-insensitive)")
	fl.UintVar(&f.FileID, "file", 0, "manifest entry id")
	fl.BoolVar(&f.DuplicatesOnly, "duplicates", false, "only events flagged as possible duplicates")
	fl.IntVar(&f.Limit, "limit", 100, "maximum events to return")
	fl.IntVar(&f.Offset, "offset", 0, "events to skip")
	return cmd
}

func newAlertsCommand(opts *rootOptions) *cobra.Command {
	var f spooler.AlertFilter
	var severity string
	var evaluate bool
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			svc, err := openService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeService(svc, &err)

			ctx := cmd.Context()
			if evaluate {
				if err := svc.Alerts.Evaluate(ctx); err != nil {
					return err
				}
			}
			f.Severity = spooler.Severity(severity)
			alerts, err := svc.Alerts.List(ctx, f)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), alerts)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "CREATED", "SEVERITY", "CODE", "MESSAGE")
			for _, a := range alerts {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", a.ID, a.CreatedAt.Format(time.RFC3339), a.Severity, a.Code, a.Message)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "", "only this severity (info|warning|error)")
	cmd.Flags().StringVar(&f.Code, "code", "", "only this alert code")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum alerts to list")
	cmd.Flags().BoolVar(&evaluate, "evaluate", false, "run the storage and intake checks first")
	return cmd
}

func newAnnotateCommand(opts *rootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "annotate <event-id> [body]",
		Short: "Attach a note to an event, or list its notes when no body is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := openService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeService(svc, &err)

			ctx := cmd.Context()
			if len(args) == 2 {
				ann, err := svc.Annotations.Add(ctx, spooler.Annotation{EventID: id, Kind: kind, Body: args[1]})
				if err != nil {
					return err
				}
				if opts.output == "json" {
					return writeJSON(cmd.OutOrStdout(), ann)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "annotation %d added to event %d\n", ann.ID, id)
				return nil
			}
			list, err := svc.Annotations.List(ctx, id)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			for _, a := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", a.CreatedAt.Format(time.RFC3339), a.Kind, a.Body)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "note", "annotation kind")
	return cmd
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "retry <file-id>",
		Short: "Re-ingest a failed entry from its quarantined copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := openService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeService(svc, &err)

			res, err := svc.Pipeline.RetryEntry(cmd.Context(), id, format)
			if err != nil {
				return err
			}
			return printResults(cmd.OutOrStdout(), opts.output, []spooler.Result{res})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "format to parse with instead of the recorded one")
	return cmd
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <file-id>",
		Short: "Retire an entry and remove its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := openService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeService(svc, &err)

			if err := svc.Manifest.MarkDeleted(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entry %d deleted\n", id)
			return nil
		},
	}
}

func newRecoverCommand(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Move processing entries nobody will resume to error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			svc, err := openService(cmd, opts)
			if err != nil {
				return err
			}
			defer closeService(svc, &err)

			if !cmd.Flags().Changed("older-than") {
				olderThan = svc.Config.Ingest.StaleAfter
			}
			n, err := svc.Manifest.PromoteStale(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d stale entries moved to error\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "claims started longer ago than this (default ingest.stale_after)")
	return cmd
}

func printResults(w io.Writer, output string, results []spooler.Result) error {
	if output == "json" {
		return writeJSON(w, results)
	}
	tw := newTable(w, "FILE", "OUTCOME", "FORMAT", "LINES", "PATH", "REASON")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", r.FileID, r.Outcome, r.Format, r.Lines, r.Path, r.Reason)
	}
	return tw.Flush()
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 0)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(n), nil
}

func parseTimeFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
