package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/ledger"
	"github.com/tidemark-io/tidemark/internal/query"
)

// stateView is the JSON shape of a point-read answer.
type stateView struct {
	EntityID        string          `json:"entity_id"`
	FieldName       string          `json:"field_name"`
	Value           json.RawMessage `json:"value"`
	RecordID        string          `json:"record_id"`
	Seq             int64           `json:"seq"`
	TransactionTime string          `json:"transaction_time"`
	ValidFrom       string          `json:"valid_from"`
	ValidTo         string          `json:"valid_to,omitempty"`
	Source          string          `json:"source"`
}

func viewOf(st query.State) stateView {
	view := stateView{
		EntityID:        st.EntityID,
		FieldName:       st.FieldName,
		Value:           json.RawMessage(st.Value),
		RecordID:        st.RecordID,
		Seq:             st.Seq,
		TransactionTime: st.TransactionTime.UTC().Format(time.RFC3339Nano),
		ValidFrom:       ledger.FormatDate(st.ValidTimeStart),
		Source:          string(st.Source),
	}
	if !st.ValidTimeEnd.IsZero() {
		view.ValidTo = ledger.FormatDate(st.ValidTimeEnd)
	}
	return view
}

// NewCurrentCommand creates the current command.
func NewCurrentCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "current <entity-id> <field-name>",
		Short: "Show the value currently in effect",
		Long: `Show the value currently in effect for a field: the most recently
recorded value whose valid-time interval contains today.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPointRead(rootOpts, cmd, func(stack *ledgerStack) (query.State, bool, error) {
				return stack.eval.CurrentState(cmd.Context(), args[0], args[1])
			})
		},
	}
}

// NewAsOfCommand creates the as-of command.
func NewAsOfCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "as-of <entity-id> <field-name> <timestamp> <date>",
		Short: "Show the value as it was known at a past moment",
		Long: `Show what the system believed at a past transaction time about the
value in effect on a real-world date. Records appended after the
timestamp are invisible, so retroactive corrections never rewrite what
was known earlier.

The timestamp is RFC 3339, e.g. 2025-01-15T12:00:00Z. The date is
YYYY-MM-DD.`,
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff, err := time.Parse(time.RFC3339, args[2])
			if err != nil {
				return runPointReadError(rootOpts, cmd,
					ledger.NewInvalidQueryError(fmt.Sprintf("timestamp: %v", err)))
			}
			validPoint, err := ledger.ParseDate(args[3])
			if err != nil {
				return runPointReadError(rootOpts, cmd,
					ledger.NewInvalidQueryError(fmt.Sprintf("date: %v", err)))
			}
			return runPointRead(rootOpts, cmd, func(stack *ledgerStack) (query.State, bool, error) {
				return stack.eval.AsOfTransactionTime(cmd.Context(), args[0], args[1], cutoff, validPoint)
			})
		},
	}
}

// NewEffectiveAtCommand creates the effective-at command.
func NewEffectiveAtCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "effective-at <entity-id> <field-name> <date>",
		Short: "Show the value in effect on a given date",
		Long: `Show the value in effect on a given real-world date, according to
everything known now. The date is YYYY-MM-DD.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			validPoint, err := ledger.ParseDate(args[2])
			if err != nil {
				return runPointReadError(rootOpts, cmd,
					ledger.NewInvalidQueryError(fmt.Sprintf("date: %v", err)))
			}
			return runPointRead(rootOpts, cmd, func(stack *ledgerStack) (query.State, bool, error) {
				return stack.eval.EffectiveAt(cmd.Context(), args[0], args[1], validPoint)
			})
		},
	}
}

func runPointRead(opts *RootOptions, cmd *cobra.Command, read func(*ledgerStack) (query.State, bool, error)) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	stack, err := openStack(opts)
	if err != nil {
		return err
	}
	defer stack.Close()

	st, found, err := read(stack)
	if err != nil {
		return failWith(formatter, err)
	}
	if !found {
		_ = formatter.Error("NOT_FOUND", "no value in effect", nil)
		return NewExitError(ExitFailure, "no value in effect")
	}

	if opts.Format == "json" {
		return formatter.Success(viewOf(st))
	}
	printState(formatter, st)
	return nil
}

func runPointReadError(opts *RootOptions, cmd *cobra.Command, err error) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	return failWith(formatter, err)
}

func printState(f *OutputFormatter, st query.State) {
	fmt.Fprintln(f.Writer, st.Value.String())
	f.VerboseLog("record %s (seq %d)", st.RecordID, st.Seq)
	f.VerboseLog("transacted %s", st.TransactionTime.UTC().Format(time.RFC3339Nano))
	if st.ValidTimeEnd.IsZero() {
		f.VerboseLog("valid from %s, open-ended", ledger.FormatDate(st.ValidTimeStart))
	} else {
		f.VerboseLog("valid [%s, %s)", ledger.FormatDate(st.ValidTimeStart), ledger.FormatDate(st.ValidTimeEnd))
	}
	f.VerboseLog("answered by %s", st.Source)
}
