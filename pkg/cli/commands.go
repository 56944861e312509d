package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nimburion/mongoengine/pkg/engine"
	"github.com/nimburion/mongoengine/pkg/query"
	"github.com/spf13/cobra"
)

func newCreateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create [document]",
		Short: "Create documents from the argument or from stdin, one JSON document per line",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				create := func(doc engine.Document) error {
					created, err := s.engine.Create(ctx, doc)
					if err != nil {
						return err
					}
					return writeDocument(cmd.OutOrStdout(), created)
				}
				if len(args) == 1 {
					doc, err := parseDocument([]byte(args[0]))
					if err != nil {
						return err
					}
					return create(doc)
				}
				return readDocuments(cmd.InOrStdin(), create)
			})
		},
	}
}

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print the document with the given id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				doc, err := s.engine.Read(ctx, args[0])
				if err != nil {
					return err
				}
				return writeDocument(cmd.OutOrStdout(), doc)
			})
		},
	}
}

func newFindCommand(a *app) *cobra.Command {
	var (
		filter     string
		sort       string
		projection string
		limit      int64
		skip       int64
		streaming  bool
	)
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Print matching documents, one JSON document per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFilter(filter)
			if err != nil {
				return err
			}
			sortFields, err := parseSort(sort)
			if err != nil {
				return err
			}
			opts := query.Options{
				Sort:       sortFields,
				Limit:      limit,
				Skip:       skip,
				Projection: parseProjection(projection),
			}

			return a.run(cmd, func(ctx context.Context, s *session) error {
				out := cmd.OutOrStdout()
				if !streaming {
					docs, err := s.engine.Find(ctx, f, opts)
					if err != nil {
						return err
					}
					for _, doc := range docs {
						if err := writeDocument(out, doc); err != nil {
							return err
						}
					}
					return nil
				}
				return s.engine.FindStream(ctx, f, opts).Each(ctx, func(doc engine.Document) error {
					return writeDocument(out, doc)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "filter as extended JSON")
	cmd.Flags().StringVarP(&sort, "sort", "s", "", "comma-separated sort fields, prefix with - for descending")
	cmd.Flags().StringVarP(&projection, "fields", "p", "", "comma-separated fields to include, prefix with - to exclude")
	cmd.Flags().Int64VarP(&limit, "limit", "l", 0, "maximum number of documents")
	cmd.Flags().Int64Var(&skip, "skip", 0, "number of documents to skip")
	cmd.Flags().BoolVar(&streaming, "stream", false, "print documents as the cursor yields them")
	return cmd
}

func newCountCommand(a *app) *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Print the number of matching documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFilter(filter)
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, s *session) error {
				n, err := s.engine.Count(ctx, f)
				if err != nil {
					return err
				}
				return writeCount(cmd.OutOrStdout(), n)
			})
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "filter as extended JSON")
	return cmd
}

func newUpdateCommand(a *app) *cobra.Command {
	var (
		filter string
		id     string
	)
	cmd := &cobra.Command{
		Use:   "update <changes>",
		Short: "Apply changes to the first matching document",
		Long: "Apply changes to the first document matching --filter or --id.\n" +
			"Plain fields are set; a document made only of update operators ($set, $inc, ...) is applied as given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (filter == "") == (id == "") {
				return errors.New("exactly one of --filter or --id is required")
			}
			changes, err := parseDocument([]byte(args[0]))
			if err != nil {
				return err
			}
			f, err := parseFilter(filter)
			if err != nil {
				return err
			}

			return a.run(cmd, func(ctx context.Context, s *session) error {
				if id != "" {
					f = query.Filter{s.engine.IDProperty(): id}
				}
				matched, err := s.engine.Update(ctx, f, changes)
				if errors.Is(err, engine.ErrNotFound) {
					return errors.New("no document matched")
				}
				if err != nil {
					return err
				}
				return writeCount(cmd.OutOrStdout(), matched)
			})
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "filter as extended JSON")
	cmd.Flags().StringVar(&id, "id", "", "identity of the document to update")
	return cmd
}

func newRemoveCommand(a *app) *cobra.Command {
	var (
		filter string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove every matching document and print how many were removed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(filter) == "" && !all {
				return errors.New("--filter is required; use --all to remove every document")
			}
			f, err := parseFilter(filter)
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, s *session) error {
				removed, err := s.engine.Remove(ctx, f)
				if err != nil {
					return err
				}
				return writeCount(cmd.OutOrStdout(), removed)
			})
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "filter as extended JSON")
	cmd.Flags().BoolVar(&all, "all", false, "remove every document in the collection")
	return cmd
}

func newDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete the document with the given id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				if err := s.engine.Delete(ctx, args[0]); err != nil {
					if errors.Is(err, engine.ErrNotFound) {
						return fmt.Errorf("document %s not found", args[0])
					}
					return err
				}
				return nil
			})
		},
	}
}
