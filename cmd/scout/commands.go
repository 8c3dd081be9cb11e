package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zoobzio/scout"
)

func newVariantsCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "variants",
		Short: "List the available variants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			variants, err := availableVariants(v)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(variants))
			for name := range variants {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCAP\tSHAPES\tQUOTAS")
			for _, name := range names {
				variant := variants[name]
				shapes := make([]string, len(variant.Shapes))
				for i, s := range variant.Shapes {
					shapes[i] = string(s)
				}
				quotas := make([]string, len(variant.Quotas))
				for i, q := range variant.Quotas {
					quotas[i] = fmt.Sprintf("%s=%d", q.Name, q.Limit)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", name, variant.IterationCap, strings.Join(shapes, ","), strings.Join(quotas, " "))
			}
			return w.Flush()
		},
	}
}

func newCheckpointsCommand(v *viper.Viper) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect persisted session checkpoints",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent checkpoints for the selected variant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(v)
			if err != nil {
				return err
			}
			defer store.Close()

			cps, err := store.ListCheckpoints(cmd.Context(), v.GetString(keyVariant), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tTERMINATION\tITERATION\tRELEVANT\tCREATED")
			for _, cp := range cps {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n",
					cp.SessionID, cp.Termination, cp.Iteration, cp.Artifact.IsRelevant(), cp.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum checkpoints to list")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print one checkpoint as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(v)
			if err != nil {
				return err
			}
			defer store.Close()

			cp, err := store.GetCheckpoint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cp)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func openStore(v *viper.Viper) (*scout.SoyStore, error) {
	dsn := v.GetString(keyDatabaseURL)
	if dsn == "" {
		return nil, fmt.Errorf("a database URL is required (--%s or SCOUT_DATABASE_URL)", keyDatabaseURL)
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	store, err := scout.NewSoyStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
