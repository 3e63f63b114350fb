package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRebuildProjectionCommand creates the rebuild-projection command.
func NewRebuildProjectionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-projection",
		Short: "Rebuild the latest-state projection from the record log",
		Long: `Discard the latest-state projection and recompute it from the full
record log. The projection is derived state, so rebuilding is always
safe and produces the same table an incremental refresh would.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuildProjection(rootOpts, cmd)
		},
	}
}

func runRebuildProjection(opts *RootOptions, cmd *cobra.Command) error {
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

	if err := stack.proj.Rebuild(cmd.Context()); err != nil {
		return failWith(formatter, err)
	}

	count, err := stack.store.Count(cmd.Context())
	if err != nil {
		return failWith(formatter, err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]int64{"records_scanned": count})
	}
	fmt.Fprintf(formatter.Writer, "projection rebuilt from %d records\n", count)
	return nil
}
