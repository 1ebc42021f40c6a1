package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/soyeahso/tradesim/internal/config"
	"github.com/soyeahso/tradesim/internal/pnl"
	"github.com/soyeahso/tradesim/internal/store"
)

func newPnLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pnl",
		Short: "Print realized PnL per agent and in total",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ config.Config, db *store.DB) error {
				agents, err := store.NewAgentStore(db).List(ctx)
				if err != nil {
					return err
				}
				names := make(map[string]string, len(agents))
				for _, a := range agents {
					names[a.ID] = a.Name
				}

				sum, err := pnl.NewAggregator(store.NewPnLStore(db), nil, log).Summarize(ctx)
				if err != nil {
					return err
				}

				ids := make([]string, 0, len(sum.PerAgent))
				for id := range sum.PerAgent {
					ids = append(ids, id)
				}
				sort.Slice(ids, func(i, j int) bool {
					return sum.PerAgent[ids[i]] > sum.PerAgent[ids[j]]
				})

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-36s  %-14s  %14s\n", "AGENT", "NAME", "REALIZED PNL")
				for _, id := range ids {
					name, label := names[id], id
					switch {
					case id == "":
						label, name = "-", "(deleted)"
					case name == "":
						name = "(deleted)"
					}
					fmt.Fprintf(out, "%-36s  %-14s  %14.6f\n", label, name, sum.PerAgent[id])
				}
				fmt.Fprintf(out, "%-36s  %-14s  %14.6f\n", "TOTAL", "", sum.Total)
				return nil
			})
		},
	}
}
