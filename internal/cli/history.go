package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/index"
	"github.com/tidemark-io/tidemark/internal/ledger"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit     int
	Cursor    string
	TxnFrom   string
	TxnTo     string
	ValidFrom string
	ValidTo   string
}

// recordView is the JSON shape of one history entry.
type recordView struct {
	RecordID        string            `json:"record_id"`
	Seq             int64             `json:"seq"`
	OldValue        json.RawMessage   `json:"old_value,omitempty"`
	NewValue        json.RawMessage   `json:"new_value"`
	TransactionTime string            `json:"transaction_time"`
	ValidFrom       string            `json:"valid_from"`
	ValidTo         string            `json:"valid_to,omitempty"`
	ChangeReason    string            `json:"change_reason,omitempty"`
	SourceType      string            `json:"source_type"`
	SourceID        string            `json:"source_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type historyPage struct {
	Records    []recordView `json:"records"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <entity-id> <field-name>",
		Short: "Show a field's full change history",
		Long: `Show every recorded change for one field in the order it was
recorded, including superseded values. Large histories paginate: pass
the printed cursor back with --cursor to continue.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum records per page")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "resume from a previous page's cursor")
	cmd.Flags().StringVar(&opts.TxnFrom, "txn-from", "", "only records transacted at or after this RFC 3339 time")
	cmd.Flags().StringVar(&opts.TxnTo, "txn-to", "", "only records transacted before this RFC 3339 time")
	cmd.Flags().StringVar(&opts.ValidFrom, "valid-from", "", "only records whose interval intersects from this date")
	cmd.Flags().StringVar(&opts.ValidTo, "valid-to", "", "only records whose interval intersects before this date")

	return cmd
}

func runHistory(opts *HistoryOptions, entityID, fieldName string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	rq, err := buildHistoryQuery(opts, entityID, fieldName)
	if err != nil {
		return failWith(formatter, err)
	}

	stack, err := openStack(opts.RootOptions)
	if err != nil {
		return err
	}
	defer stack.Close()

	records, next, err := stack.eval.History(cmd.Context(), rq)
	if err != nil {
		return failWith(formatter, err)
	}

	if opts.Format == "json" {
		page := historyPage{NextCursor: next, Records: make([]recordView, 0, len(records))}
		for _, rec := range records {
			page.Records = append(page.Records, recordViewOf(rec))
		}
		return formatter.Success(page)
	}

	for _, rec := range records {
		printRecord(formatter, rec)
	}
	if next != "" {
		fmt.Fprintf(formatter.Writer, "more records: --cursor %s\n", next)
	}
	return nil
}

func buildHistoryQuery(opts *HistoryOptions, entityID, fieldName string) (index.RangeQuery, error) {
	rq := index.RangeQuery{
		EntityID:  entityID,
		FieldName: fieldName,
		Cursor:    opts.Cursor,
		Limit:     opts.Limit,
	}

	var err error
	if opts.TxnFrom != "" {
		if rq.TxnFrom, err = time.Parse(time.RFC3339, opts.TxnFrom); err != nil {
			return index.RangeQuery{}, ledger.NewInvalidQueryError(fmt.Sprintf("--txn-from: %v", err))
		}
	}
	if opts.TxnTo != "" {
		if rq.TxnTo, err = time.Parse(time.RFC3339, opts.TxnTo); err != nil {
			return index.RangeQuery{}, ledger.NewInvalidQueryError(fmt.Sprintf("--txn-to: %v", err))
		}
	}
	if opts.ValidFrom != "" {
		if rq.ValidFrom, err = ledger.ParseDate(opts.ValidFrom); err != nil {
			return index.RangeQuery{}, ledger.NewInvalidQueryError(fmt.Sprintf("--valid-from: %v", err))
		}
	}
	if opts.ValidTo != "" {
		if rq.ValidTo, err = ledger.ParseDate(opts.ValidTo); err != nil {
			return index.RangeQuery{}, ledger.NewInvalidQueryError(fmt.Sprintf("--valid-to: %v", err))
		}
	}
	return rq, nil
}

func recordViewOf(rec ledger.ProvenanceRecord) recordView {
	view := recordView{
		RecordID:        rec.ID,
		Seq:             rec.Seq,
		OldValue:        json.RawMessage(rec.OldValue),
		NewValue:        json.RawMessage(rec.NewValue),
		TransactionTime: rec.TransactionTime.UTC().Format(time.RFC3339Nano),
		ValidFrom:       ledger.FormatDate(rec.ValidTimeStart),
		ChangeReason:    rec.ChangeReason,
		SourceType:      string(rec.SourceType),
		SourceID:        rec.SourceID,
		Metadata:        rec.Metadata,
	}
	if !rec.OpenEnded() {
		view.ValidTo = ledger.FormatDate(rec.ValidTimeEnd)
	}
	return view
}

func printRecord(f *OutputFormatter, rec ledger.ProvenanceRecord) {
	interval := fmt.Sprintf("[%s, open)", ledger.FormatDate(rec.ValidTimeStart))
	if !rec.OpenEnded() {
		interval = fmt.Sprintf("[%s, %s)", ledger.FormatDate(rec.ValidTimeStart), ledger.FormatDate(rec.ValidTimeEnd))
	}
	fmt.Fprintf(f.Writer, "%s  %s  %s  %s\n",
		rec.TransactionTime.UTC().Format(time.RFC3339),
		interval,
		rec.NewValue.String(),
		rec.SourceType,
	)
	if rec.ChangeReason != "" {
		fmt.Fprintf(f.Writer, "  reason: %s\n", rec.ChangeReason)
	}
	f.VerboseLog("  record %s (seq %d)", rec.ID, rec.Seq)
}
