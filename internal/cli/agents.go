package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/tradesim/internal/config"
	"github.com/soyeahso/tradesim/internal/domain"
	"github.com/soyeahso/tradesim/internal/fleet"
	"github.com/soyeahso/tradesim/internal/gateway"
	"github.com/soyeahso/tradesim/internal/keys"
	"github.com/soyeahso/tradesim/internal/store"
)

// withStore loads config, opens the database and hands it to fn.
func withStore(fn func(ctx context.Context, cfg config.Config, db *store.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg.Store, paths, log)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(context.Background(), cfg, db)
}

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"agent"},
		Short:   "Inspect and edit stored agents",
		Long: "Edits go straight to the store; a running server picks up parameter changes and " +
			"deletions on the next cycle. add goes through a running server when one is reachable.",
	}

	cmd.AddCommand(newAgentsListCmd())
	cmd.AddCommand(newAgentsAddCmd())
	cmd.AddCommand(newAgentsSetCmd())
	cmd.AddCommand(newAgentsRmCmd())
	return cmd
}

func printAgentHeader(w io.Writer) {
	fmt.Fprintf(w, "%-36s  %-14s  %-6s  %9s  %7s  %7s  %5s\n",
		"ID", "NAME", "ACTIVE", "INTERVAL", "VOLUME", "STDDEV", "BIAS")
}

func printAgent(w io.Writer, a domain.Agent) {
	fmt.Fprintf(w, "%-36s  %-14s  %-6t  %8.1fs  %7.3f  %7.3f  %5.2f\n",
		a.ID, a.Name, a.IsActive, a.AvgIntervalSeconds, a.VolumeMean, a.VolumeStdDev, a.BuyBias)
}

func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ config.Config, db *store.DB) error {
				agents, err := store.NewAgentStore(db).List(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(agents) == 0 {
					fmt.Fprintln(out, "no agents")
					return nil
				}
				printAgentHeader(out)
				for _, a := range agents {
					printAgent(out, a)
				}
				return nil
			})
		},
	}
}

// dialTimeout bounds the attempt to reach a running server before agents add falls
// back to the store.
const dialTimeout = 2 * time.Second

func newAgentsAddCmd() *cobra.Command {
	var inactive bool

	cmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Create an agent with the configured default parameters",
		Long: "With a server running the agent is added through its gateway and starts trading at once. " +
			"Otherwise it is written to the store and starts on the next serve.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var name string
			if len(args) > 0 {
				name = args[0]
			}
			ctx := context.Background()
			out := cmd.OutOrStdout()

			a, err := addThroughGateway(ctx, cfg.Gateway, name, inactive)
			if err == nil {
				printAgentHeader(out)
				printAgent(out, a)
				fmt.Fprintln(out, "trading loop started by the running server")
				return nil
			}
			if !errors.Is(err, gateway.ErrUnreachable) {
				return err
			}
			log.Debug().Err(err).Msg("no running server, writing to the store")

			return withStore(func(ctx context.Context, cfg config.Config, db *store.DB) error {
				agents := store.NewAgentStore(db)
				sup := fleet.New(fleetOptions(cfg.Fleet), fleet.Deps{
					Agents: agents,
					Keys:   keys.Ed25519{},
					Log:    log,
				})
				a, err := sup.CreateAgent(ctx, name)
				if err != nil {
					return err
				}
				if inactive {
					off := false
					if a, err = sup.UpdateAgent(ctx, a.ID, domain.AgentPatch{IsActive: &off}); err != nil {
						return err
					}
				}
				printAgentHeader(out)
				printAgent(out, a)
				fmt.Fprintln(out, "no server running; the trading loop starts on the next serve")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the agent suspended")
	return cmd
}

// addThroughGateway asks a running server to add the agent so its fleet
// starts the loop. It wraps gateway.ErrUnreachable when no server listens.
func addThroughGateway(ctx context.Context, cfg config.GatewayConfig, name string, inactive bool) (domain.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	auth := gateway.ResolveAuth(cfg.Auth)
	conn, err := gateway.Dial(ctx, gateway.LocalURL(cfg), gateway.ConnectAuth{Token: auth.Token, Password: auth.Password})
	if err != nil {
		return domain.Agent{}, err
	}
	defer conn.Close()

	var v gateway.AgentView
	if err := conn.Call(ctx, "agents.add", map[string]any{"name": name}, &v); err != nil {
		return domain.Agent{}, err
	}
	if inactive {
		if err := conn.Call(ctx, "agents.update", map[string]any{"id": v.ID, "isActive": false}, &v); err != nil {
			return v.Agent, err
		}
	}
	return v.Agent, nil
}

func newAgentsSetCmd() *cobra.Command {
	var (
		name     string
		active   bool
		interval float64
		mean     float64
		stdDev   float64
		bias     float64
	)

	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Change an agent's name, activity or trading parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch domain.AgentPatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("active") {
				patch.IsActive = &active
			}
			if flags.Changed("interval") {
				patch.AvgIntervalSeconds = &interval
			}
			if flags.Changed("volume-mean") {
				patch.VolumeMean = &mean
			}
			if flags.Changed("volume-stddev") {
				patch.VolumeStdDev = &stdDev
			}
			if flags.Changed("buy-bias") {
				patch.BuyBias = &bias
			}
			if patch.IsEmpty() {
				return fmt.Errorf("nothing to change")
			}
			if err := patch.Validate(); err != nil {
				return err
			}

			return withStore(func(ctx context.Context, _ config.Config, db *store.DB) error {
				a, err := store.NewAgentStore(db).Update(ctx, args[0], patch)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printAgentHeader(out)
				printAgent(out, a)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&active, "active", true, "trade (true) or suspend (false)")
	cmd.Flags().Float64Var(&interval, "interval", 0, "mean seconds between trades")
	cmd.Flags().Float64Var(&mean, "volume-mean", 0, "mean trade size")
	cmd.Flags().Float64Var(&stdDev, "volume-stddev", 0, "trade size standard deviation")
	cmd.Flags().Float64Var(&bias, "buy-bias", 0, "probability of a buy, 0..1")
	return cmd
}

func newAgentsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an agent; its PnL history is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ config.Config, db *store.DB) error {
				if err := store.NewAgentStore(db).Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}
