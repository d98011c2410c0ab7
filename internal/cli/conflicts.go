package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/doc"
)

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts [id]",
		Short: "List open conflicts",
		Long: `List open conflicts, for one document or for all of them.

A conflict keeps the losing revision of two divergent writes until it is
resolved.

Examples:
  docsync conflicts
  docsync conflicts contact-1 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runConflicts(rootOpts, id, cmd)
		},
	}
}

func runConflicts(opts *RootOptions, id string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts, cmd, nil)
	if err != nil {
		return err
	}
	defer s.close()

	conflicts, err := s.db.Conflicts(ctx, id)
	if err != nil {
		return s.formatter.Fail(ExitFailure, "conflicts failed", err)
	}
	if conflicts == nil {
		conflicts = []doc.Conflict{}
	}

	var sb strings.Builder
	for _, c := range conflicts {
		fmt.Fprintf(&sb, "%s\twinner %s\tloser %s\t(%s)\n", c.DocID, c.WinnerRev, c.LoserRev, c.Origin)
	}
	if len(conflicts) == 0 {
		sb.WriteString("No open conflicts.\n")
	}
	return s.formatter.Result(conflicts, sb.String())
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var loser string

	cmd := &cobra.Command{
		Use:   "resolve <id> --loser <rev>",
		Short: "Mark a conflict as resolved",
		Long: `Mark a conflict as resolved. The losing revision stays in the
document's history.

Example:
  docsync resolve contact-1 --loser 2-81aa...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, args[0], loser, cmd)
		},
	}

	cmd.Flags().StringVar(&loser, "loser", "", "losing revision of the conflict (required)")
	_ = cmd.MarkFlagRequired("loser")

	return cmd
}

func runResolve(opts *RootOptions, id, loserFlag string, cmd *cobra.Command) error {
	loser, err := parseRevFlag(loserFlag)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts, cmd, nil)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.db.ResolveConflict(ctx, id, loser); err != nil {
		return s.formatter.Fail(ExitFailure, "resolve failed", err)
	}
	return s.formatter.Result(
		map[string]string{"id": id, "loser_rev": loser.String()},
		fmt.Sprintf("%s: conflict with %s resolved\n", id, loser),
	)
}

// NewDestroyCommand creates the destroy command.
func NewDestroyCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "destroy --yes",
		Short: "Delete the database files",
		Long: `Close the database and delete its files, including the WAL.

Example:
  docsync destroy --db ./contacts.db --yes`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "refusing to destroy without --yes")
			}
			return runDestroy(rootOpts, cmd)
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")

	return cmd
}

func runDestroy(opts *RootOptions, cmd *cobra.Command) error {
	s, err := openSession(commandContext(cmd), opts, cmd, nil)
	if err != nil {
		return err
	}
	if err := s.db.Destroy(); err != nil {
		return s.formatter.Fail(ExitFailure, "destroy failed", err)
	}
	return s.formatter.Result(
		map[string]string{"database": s.cfg.Database},
		fmt.Sprintf("destroyed %s\n", s.cfg.Database),
	)
}
