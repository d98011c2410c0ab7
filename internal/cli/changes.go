package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/doc"
)

// ChangesResult is the JSON payload of changes.
type ChangesResult struct {
	Head          int64             `json:"head"`
	PrunedThrough int64             `json:"pruned_through"`
	Entries       []doc.ChangeEntry `json:"entries"`
}

// NewChangesCommand creates the changes command.
func NewChangesCommand(rootOpts *RootOptions) *cobra.Command {
	var from int64

	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Print the retained change feed",
		Long: `Print the change feed entries that are still retained.

Entries are pruned once every consumer (notification bus, sync endpoints)
has observed them. Asking for a pruned position fails with FEED_TRUNCATED.

Examples:
  docsync changes
  docsync changes --from 120 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChanges(rootOpts, from, cmd)
		},
	}

	cmd.Flags().Int64Var(&from, "from", 0, "first seq to print (default: oldest retained)")

	return cmd
}

func runChanges(opts *RootOptions, from int64, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts, cmd, nil)
	if err != nil {
		return err
	}
	defer s.close()

	result := ChangesResult{
		Head:          s.db.Head(),
		PrunedThrough: s.db.PrunedThrough(),
		Entries:       []doc.ChangeEntry{},
	}
	if from <= 0 {
		from = result.PrunedThrough + 1
	}

	var sb strings.Builder
	for e, err := range s.db.Changes(ctx, from) {
		if err != nil {
			return s.formatter.Fail(ExitFailure, "changes failed", err)
		}
		result.Entries = append(result.Entries, e)
		fmt.Fprintf(&sb, "%d\t%s\t%s\t%s\t%s\n", e.Seq, e.Op, e.DocID, e.Rev, e.Origin)
	}
	if len(result.Entries) == 0 {
		fmt.Fprintf(&sb, "No retained changes (head %d, pruned through %d).\n", result.Head, result.PrunedThrough)
	}
	return s.formatter.Result(result, sb.String())
}
