package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/revision"
)

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	Rev   string
	Force bool
}

// PutResult is the JSON payload of put.
type PutResult struct {
	ID  string            `json:"id"`
	Rev revision.Revision `json:"rev"`
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put [id] <json|->",
		Short: "Create or update a document",
		Long: `Create or update a document.

Without an id a new document is created under a generated UUIDv7.
Updating an existing document requires --rev with its current revision,
or --force to overwrite unconditionally. A stale --rev fails with CONFLICT.

Examples:
  docsync put '{"firstname":"Ada"}'
  docsync put contact-1 --rev 1-9f2c... '{"firstname":"Ada","lastname":"Lovelace"}'
  echo '{"n":1}' | docsync put counter --force -`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Rev, "rev", "", "current revision of the document being updated")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "write without a revision check")

	return cmd
}

func runPut(opts *PutOptions, args []string, cmd *cobra.Command) error {
	id, body := "", args[0]
	if len(args) == 2 {
		id, body = args[0], args[1]
	}
	if opts.Force && opts.Rev != "" {
		return NewExitError(ExitCommandError, "--force and --rev are mutually exclusive")
	}

	fields, err := readFields(body, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid document", err)
	}
	rev, err := parseRevFlag(opts.Rev)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts.RootOptions, cmd, nil)
	if err != nil {
		return err
	}
	defer s.close()

	var result PutResult
	switch {
	case opts.Force && id != "":
		result.ID = id
		result.Rev, err = s.db.Put(ctx, id, fields, nil)
	default:
		result.ID, result.Rev, err = s.db.Save(ctx, fields, id, rev)
	}
	if err != nil {
		return s.formatter.Fail(ExitFailure, "put failed", err)
	}

	return s.formatter.Result(result, fmt.Sprintf("%s %s\n", result.ID, result.Rev))
}

// readFields parses a JSON object argument; "-" reads it from stdin.
func readFields(arg string, stdin io.Reader) (doc.Fields, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		if data, err = io.ReadAll(stdin); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("empty document")
	}
	return doc.DecodeFields(data)
}

func parseRevFlag(s string) (revision.Revision, error) {
	if s == "" {
		return revision.Revision{}, nil
	}
	rev, err := revision.Parse(s)
	if err != nil {
		return revision.Revision{}, WrapExitError(ExitCommandError, "invalid --rev", err)
	}
	return rev, nil
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a document",
		Long: `Print the current revision of a document.

Deleted documents are reported as NOT_FOUND.

Example:
  docsync get contact-1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(rootOpts, args[0], cmd)
		},
	}
}

func runGet(opts *RootOptions, id string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts, cmd, nil)
	if err != nil {
		return err
	}
	defer s.close()

	d, err := s.db.Fetch(ctx, id)
	if err != nil {
		return s.formatter.Fail(ExitFailure, "get failed", err)
	}
	text, err := formatDocument(d)
	if err != nil {
		return err
	}
	return s.formatter.Result(d, text)
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	var rev string

	cmd := &cobra.Command{
		Use:   "delete <id> --rev <rev>",
		Short: "Delete a document",
		Long: `Delete a document by writing a tombstone revision.

The tombstone replicates like any other write.

Example:
  docsync delete contact-1 --rev 2-4be1...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(rootOpts, args[0], rev, cmd)
		},
	}

	cmd.Flags().StringVar(&rev, "rev", "", "current revision of the document (required)")
	_ = cmd.MarkFlagRequired("rev")

	return cmd
}

func runDelete(opts *RootOptions, id, revFlag string, cmd *cobra.Command) error {
	rev, err := parseRevFlag(revFlag)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts, cmd, nil)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.db.Delete(ctx, id, rev); err != nil {
		return s.formatter.Fail(ExitFailure, "delete failed", err)
	}
	return s.formatter.Result(map[string]string{"id": id, "deleted": "true"}, fmt.Sprintf("%s deleted\n", id))
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List documents",
		Long: `List the live documents ordered by id.

Example:
  docsync list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts, cmd)
		},
	}
}

func runList(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts, cmd, nil)
	if err != nil {
		return err
	}
	defer s.close()

	docs := []doc.Document{}
	var sb strings.Builder
	for d, err := range s.db.List(ctx) {
		if err != nil {
			return s.formatter.Fail(ExitFailure, "list failed", err)
		}
		docs = append(docs, d)
		fmt.Fprintf(&sb, "%s\t%s\n", d.ID, d.Rev)
	}
	if len(docs) == 0 {
		sb.WriteString("No documents.\n")
	}
	return s.formatter.Result(docs, sb.String())
}

// formatDocument renders a document for text output.
func formatDocument(d doc.Document) (string, error) {
	body, err := doc.MarshalCanonical(d.Fields)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("id:  %s\nrev: %s\n%s\n", d.ID, d.Rev, body), nil
}
