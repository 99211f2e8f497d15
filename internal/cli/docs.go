package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/ir"
	"github.com/roach88/hyperdoc/internal/repo"
)

// DocView is the printed form of a document.
type DocView struct {
	DocID    string         `json:"doc_id" yaml:"doc_id"`
	URL      string         `json:"url" yaml:"url"`
	Writable bool           `json:"writable" yaml:"writable"`
	Clock    clock.Clock    `json:"clock,omitempty" yaml:"clock,omitempty"`
	Content  map[string]any `json:"content,omitempty" yaml:"content,omitempty"`
}

func viewOf(snap repo.Snapshot) (DocView, error) {
	content := map[string]any{}
	if err := snap.Decode(&content); err != nil {
		return DocView{}, err
	}
	return DocView{
		DocID:    snap.DocID,
		URL:      ir.DocURL(snap.DocID),
		Writable: snap.Writable,
		Clock:    snap.Clock,
		Content:  content,
	}, nil
}

func writeView(w io.Writer, v DocView) {
	fmt.Fprintf(w, "%s (writable=%t)\n", v.URL, v.Writable)
	data, err := json.MarshalIndent(v.Content, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", v.Content)
		return
	}
	fmt.Fprintln(w, string(data))
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new document",
		Long: `Create a new empty document owned by a fresh local actor and print
its URL.

Example:
  hyperdoc create --db ./notes.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, rootOpts, func(ctx context.Context, n *node) error {
				docID, err := n.repo.Create(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to create document", err)
				}
				view := DocView{DocID: docID, URL: ir.DocURL(docID), Writable: true}
				return formatterFor(cmd, rootOpts).Render(view, func(w io.Writer) {
					fmt.Fprintln(w, view.URL)
				})
			})
		},
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <doc-url>",
		Short: "Print the current content of a document",
		Long: `Load a document from the local database and print its content.

Example:
  hyperdoc show hypermerge:/3yZe7d... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := docArg(args[0])
			if err != nil {
				return err
			}
			return withNode(cmd, rootOpts, func(ctx context.Context, n *node) error {
				snap, err := n.repo.Doc(ctx, docID)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to load document", err)
				}
				view, err := viewOf(snap)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to decode document", err)
				}
				return formatterFor(cmd, rootOpts).Render(view, func(w io.Writer) {
					writeView(w, view)
				})
			})
		},
	}
}

// SetOptions holds flags for the set command.
type SetOptions struct {
	*RootOptions
	Delete []string
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <doc-url> [key=value]...",
		Short: "Edit top-level keys of a document",
		Long: `Apply one local edit to a document. Each value is parsed as JSON and
falls back to a plain string. Keys named with --delete are removed in the
same edit.

Examples:
  hyperdoc set hypermerge:/3yZe7d... title="Shopping" count=3
  hyperdoc set hypermerge:/3yZe7d... tags='["a","b"]' --delete draft`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setKeys(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Delete, "delete", nil, "keys to delete")

	return cmd
}

func setKeys(opts *SetOptions, doc string, pairs []string, cmd *cobra.Command) error {
	docID, err := docArg(doc)
	if err != nil {
		return err
	}
	values, err := parseAssignments(pairs)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid assignment", err)
	}
	if len(values) == 0 && len(opts.Delete) == 0 {
		return NewExitError(ExitCommandError, "nothing to change: pass key=value pairs or --delete")
	}

	return withNode(cmd, opts.RootOptions, func(ctx context.Context, n *node) error {
		snap, err := n.repo.Change(ctx, docID, func(e *ir.Editor) error {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if err := e.Set(k, values[k]); err != nil {
					return err
				}
			}
			for _, k := range opts.Delete {
				e.Delete(k)
			}
			return nil
		})
		if err != nil {
			return WrapExitError(ExitFailure, "failed to change document", err)
		}
		view, err := viewOf(snap)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to decode document", err)
		}
		return formatterFor(cmd, opts.RootOptions).Render(view, func(w io.Writer) {
			writeView(w, view)
		})
	})
}

// parseAssignments turns key=value arguments into values. A value that is
// not valid JSON is taken as a string.
func parseAssignments(pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		values[key] = v
	}
	return values, nil
}

// NewForkCommand creates the fork command.
func NewForkCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fork <doc-url>",
		Short: "Copy a document into a new one",
		Long: `Create a new document whose initial content is the current content of
the source. Later edits to either document do not reach the other.

Example:
  hyperdoc fork hypermerge:/3yZe7d...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			srcID, err := docArg(args[0])
			if err != nil {
				return err
			}
			return withNode(cmd, rootOpts, func(ctx context.Context, n *node) error {
				docID, err := n.repo.Fork(ctx, srcID)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to fork document", err)
				}
				view := DocView{DocID: docID, URL: ir.DocURL(docID), Writable: true}
				return formatterFor(cmd, rootOpts).Render(view, func(w io.Writer) {
					fmt.Fprintln(w, view.URL)
				})
			})
		},
	}
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <target-url> <source-url>",
		Short: "Bring the changes of one document into another",
		Long: `Add the current contributors of the source document to the target.
The target then converges on the combined history.

Example:
  hyperdoc merge hypermerge:/3yZe7d... hypermerge:/9aQk2f...`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			targetID, err := docArg(args[0])
			if err != nil {
				return err
			}
			srcID, err := docArg(args[1])
			if err != nil {
				return err
			}
			return withNode(cmd, rootOpts, func(ctx context.Context, n *node) error {
				if err := n.repo.Merge(ctx, targetID, srcID); err != nil {
					return WrapExitError(ExitFailure, "failed to merge documents", err)
				}
				snap, err := n.repo.Doc(ctx, targetID)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to load merged document", err)
				}
				view, err := viewOf(snap)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to decode document", err)
				}
				return formatterFor(cmd, rootOpts).Render(view, func(w io.Writer) {
					writeView(w, view)
				})
			})
		},
	}
}

// ActorView is the printed form of one contributing actor.
type ActorView struct {
	ID       string `json:"id" yaml:"id"`
	Writable bool   `json:"writable" yaml:"writable"`
	Length   int64  `json:"length" yaml:"length"`
	Bound    string `json:"bound" yaml:"bound"`
	Applied  int64  `json:"applied" yaml:"applied"`
}

// NewActorsCommand creates the actors command.
func NewActorsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "actors <doc-url>",
		Short: "List the actors contributing to a document",
		Long: `List every actor named in a document's metadata with its local log
length, the bound this document reads it to, and how much of it has been
applied.

Example:
  hyperdoc actors hypermerge:/3yZe7d... --format yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := docArg(args[0])
			if err != nil {
				return err
			}
			return withNode(cmd, rootOpts, func(ctx context.Context, n *node) error {
				infos, err := n.repo.Actors(ctx, docID)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list actors", err)
				}
				views := make([]ActorView, 0, len(infos))
				for _, info := range infos {
					views = append(views, ActorView(info))
				}
				return formatterFor(cmd, rootOpts).Render(views, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ACTOR\tWRITABLE\tLENGTH\tBOUND\tAPPLIED")
					for _, v := range views {
						fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%d\n", v.ID, v.Writable, v.Length, v.Bound, v.Applied)
					}
					tw.Flush()
				})
			})
		},
	}
}
