package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/campus-scheduler/internal/application"
)

// recordInput holds the --data and --file flags of create and update.
type recordInput struct {
	data string
	file string
}

func (in *recordInput) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&in.data, "data", "", "record fields as a JSON object")
	cmd.Flags().StringVar(&in.file, "file", "", "read record fields from a JSON file, - for stdin")
}

func (in *recordInput) fields(stdin io.Reader) (map[string]any, error) {
	var r io.Reader
	switch {
	case in.data != "" && in.file != "":
		return nil, errors.New("use either --data or --file")
	case in.data != "":
		r = strings.NewReader(in.data)
	case in.file == "-":
		r = stdin
	case in.file != "":
		f, err := os.Open(in.file)
		if err != nil {
			return nil, fmt.Errorf("open record file: %w", err)
		}
		defer f.Close()
		r = f
	default:
		return nil, errors.New("record fields required: pass --data or --file")
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode record fields: %w", err)
	}
	return fields, nil
}

func (c *cli) newRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Read and modify record collections",
		Long: fmt.Sprintf(`Read and modify record collections.

Collections: %s. Departments are read-only.
Reading requires a signed-in session; changes require the admin role.`, collectionList()),
	}
	cmd.AddCommand(
		c.newRecordsListCmd(),
		c.newRecordsGetCmd(),
		c.newRecordsCreateCmd(),
		c.newRecordsUpdateCmd(),
		c.newRecordsDeleteCmd(),
		c.newRecordsSearchCmd(),
	)
	return cmd
}

func collectionList() string {
	names := application.Collections()
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = string(name)
	}
	return strings.Join(out, ", ")
}

// guarded runs fn with the parsed collection after an access check.
func (c *cli) guarded(cmd *cobra.Command, collection string, role application.Role, fn func(ctx context.Context, env *environment, name application.CollectionName) error) error {
	name, err := application.ParseCollection(collection)
	if err != nil {
		return err
	}
	return c.withEnvironment(cmd.Context(), func(ctx context.Context, env *environment) error {
		if err := env.sessions.RequireAuth(ctx, role); err != nil {
			return err
		}
		return fn(ctx, env, name)
	})
}

func (c *cli) newRecordsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <collection>",
		Short: "List every record in a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.guarded(cmd, args[0], "", func(ctx context.Context, env *environment, name application.CollectionName) error {
				records, err := env.collections.Read(ctx, name)
				if err != nil {
					return err
				}
				return c.writeJSON(records)
			})
		},
	}
}

func (c *cli) newRecordsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.guarded(cmd, args[0], "", func(ctx context.Context, env *environment, name application.CollectionName) error {
				record, err := env.collections.GetByID(ctx, name, args[1])
				if err != nil {
					return err
				}
				return c.writeJSON(record)
			})
		},
	}
}

func (c *cli) newRecordsCreateCmd() *cobra.Command {
	var in recordInput
	cmd := &cobra.Command{
		Use:   "create <collection>",
		Short: "Add a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := in.fields(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return c.guarded(cmd, args[0], application.RoleAdmin, func(ctx context.Context, env *environment, name application.CollectionName) error {
				record, err := env.collections.Create(ctx, name, fields)
				if err != nil {
					return err
				}
				return c.writeJSON(record)
			})
		},
	}
	in.bind(cmd)
	return cmd
}

func (c *cli) newRecordsUpdateCmd() *cobra.Command {
	var in recordInput
	cmd := &cobra.Command{
		Use:   "update <collection> <id>",
		Short: "Merge fields into a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := in.fields(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return c.guarded(cmd, args[0], application.RoleAdmin, func(ctx context.Context, env *environment, name application.CollectionName) error {
				record, err := env.collections.Update(ctx, name, args[1], patch)
				if err != nil {
					return err
				}
				return c.writeJSON(record)
			})
		},
	}
	in.bind(cmd)
	return cmd
}

func (c *cli) newRecordsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Remove a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.guarded(cmd, args[0], application.RoleAdmin, func(ctx context.Context, env *environment, name application.CollectionName) error {
				if err := env.collections.Delete(ctx, name, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "deleted %s/%s\n", name, args[1])
				return nil
			})
		},
	}
}

func (c *cli) newRecordsSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <collection> <query>",
		Short: "Find records whose searchable fields contain query",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.guarded(cmd, args[0], "", func(ctx context.Context, env *environment, name application.CollectionName) error {
				records, err := env.collections.Search(ctx, name, args[1])
				if err != nil {
					return err
				}
				return c.writeJSON(records)
			})
		},
	}
}

func (c *cli) newDepartmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "departments",
		Short: "List departments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.guarded(cmd, string(application.CollectionDepartments), "", func(ctx context.Context, env *environment, _ application.CollectionName) error {
				departments, err := env.collections.Departments(ctx)
				if err != nil {
					return err
				}
				return c.writeJSON(departments)
			})
		},
	}
}

func (c *cli) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show collection counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEnvironment(cmd.Context(), func(ctx context.Context, env *environment) error {
				if err := env.sessions.RequireAuth(ctx, ""); err != nil {
					return err
				}
				stats, err := env.collections.Stats(ctx)
				if err != nil {
					return err
				}
				return c.writeJSON(stats)
			})
		},
	}
}
