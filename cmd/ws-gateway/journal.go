package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/journal"
	"github.com/spf13/cobra"
)

var errJournalNotQueryable = errors.New("the configured journal cannot be queried from outside the serving process")

// storeOpener opens the journal for reading. The returned close function may be nil.
type storeOpener func(ctx context.Context, cfg *config.Config) (journal.Store, func(context.Context) error, error)

func openJournalStore(ctx context.Context, cfg *config.Config) (journal.Store, func(context.Context) error, error) {
	switch cfg.Journal.Driver {
	case config.JournalMongo:
		ms, err := journal.ConnectMongo(ctx, cfg.Journal.Database, cfg.AppName)
		if err != nil {
			return nil, nil, err
		}
		return ms, ms.Invoke, nil
	default:
		return nil, nil, fmt.Errorf("journal.driver %q: %w", cfg.Journal.Driver, errJournalNotQueryable)
	}
}

func newJournalCmd(opts *rootOptions, openStore storeOpener) *cobra.Command {
	var (
		principal string
		limit     int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent connection lifecycle events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if closeStore != nil {
				defer func() { _ = closeStore(context.Background()) }()
			}

			records, err := store.Recent(ctx, principal, limit)
			if err != nil {
				return fmt.Errorf("query journal: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			return printRecords(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "only show events for this principal id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printRecords(out io.Writer, records []journal.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no events")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AT\tEVENT\tPRINCIPAL\tCONNECTION\tCODE\tREASON")
	for _, r := range records {
		code := "-"
		if r.CloseCode != 0 {
			code = strconv.Itoa(r.CloseCode)
		}
		principal := r.PrincipalID
		if principal == "" {
			principal = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.At.UTC().Format(time.RFC3339), r.Event, principal, r.ConnectionID, code, r.Reason)
	}
	return w.Flush()
}
