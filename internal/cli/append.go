package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/ledger"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Value     string
	OldValue  string
	ValidFrom string
	ValidTo   string
	Reason    string
	Source    string
	SourceID  string
	Metadata  []string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <entity-id> <field-name>",
		Short: "Append a provenance record",
		Long: `Append an immutable provenance record for one field of one entity.

The value is JSON; the valid-time interval says when the value is in
effect in the real world. Omitting --valid-to leaves the interval open.

Example:
  tidemark append txn_123 merchant_name \
    --value '"Amazon Marketplace"' \
    --valid-from 2025-01-10 \
    --reason "user renamed merchant" --source user_correction`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Value, "value", "", "new value as JSON (required)")
	cmd.Flags().StringVar(&opts.OldValue, "old-value", "", "previous value as JSON")
	cmd.Flags().StringVar(&opts.ValidFrom, "valid-from", "", "valid-time start date, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&opts.ValidTo, "valid-to", "", "valid-time end date, exclusive (omit for open-ended)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the value changed")
	cmd.Flags().StringVar(&opts.Source, "source", "system", "change source (system|user_correction|import|api|scheduled)")
	cmd.Flags().StringVar(&opts.SourceID, "source-id", "", "identifier within the source")
	cmd.Flags().StringArrayVar(&opts.Metadata, "meta", nil, "metadata entry as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("value")
	_ = cmd.MarkFlagRequired("valid-from")

	return cmd
}

func runAppend(opts *AppendOptions, entityID, fieldName string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	req, err := buildAppendRequest(opts, entityID, fieldName)
	if err != nil {
		return failWith(formatter, err)
	}

	stack, err := openStack(opts.RootOptions)
	if err != nil {
		return err
	}
	defer stack.Close()

	id, err := stack.eval.Append(cmd.Context(), req)
	if err != nil {
		return failWith(formatter, err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]string{"record_id": id})
	}
	fmt.Fprintf(formatter.Writer, "recorded %s\n", id)
	return nil
}

func buildAppendRequest(opts *AppendOptions, entityID, fieldName string) (ledger.AppendRequest, error) {
	newValue, err := ledger.ParseValue([]byte(opts.Value))
	if err != nil {
		return ledger.AppendRequest{}, ledger.NewValidationError(
			fmt.Sprintf("--value is not valid JSON: %v", err), entityID, fieldName)
	}

	var oldValue ledger.Value
	if opts.OldValue != "" {
		if oldValue, err = ledger.ParseValue([]byte(opts.OldValue)); err != nil {
			return ledger.AppendRequest{}, ledger.NewValidationError(
				fmt.Sprintf("--old-value is not valid JSON: %v", err), entityID, fieldName)
		}
	}

	validFrom, err := ledger.ParseDate(opts.ValidFrom)
	if err != nil {
		return ledger.AppendRequest{}, ledger.NewValidationError(
			fmt.Sprintf("--valid-from: %v", err), entityID, fieldName)
	}
	var validTo time.Time
	if opts.ValidTo != "" {
		if validTo, err = ledger.ParseDate(opts.ValidTo); err != nil {
			return ledger.AppendRequest{}, ledger.NewValidationError(
				fmt.Sprintf("--valid-to: %v", err), entityID, fieldName)
		}
	}

	source, err := ledger.ParseSourceType(opts.Source)
	if err != nil {
		return ledger.AppendRequest{}, ledger.NewValidationError(err.Error(), entityID, fieldName)
	}

	metadata, err := parseMetadata(opts.Metadata)
	if err != nil {
		return ledger.AppendRequest{}, ledger.NewValidationError(err.Error(), entityID, fieldName)
	}

	return ledger.AppendRequest{
		EntityID:       entityID,
		FieldName:      fieldName,
		OldValue:       oldValue,
		NewValue:       newValue,
		ValidTimeStart: validFrom,
		ValidTimeEnd:   validTo,
		ChangeReason:   opts.Reason,
		SourceType:     source,
		SourceID:       opts.SourceID,
		Metadata:       metadata,
	}, nil
}

func parseMetadata(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	metadata := make(map[string]string, len(entries))
	for _, entry := range entries {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--meta %q: want key=value", entry)
		}
		metadata[k] = v
	}
	return metadata, nil
}
