package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/tradesim/internal/config"
	"github.com/soyeahso/tradesim/internal/store"
	"github.com/soyeahso/tradesim/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tradesim status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tradesim %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Fprintf(out, "Config:  %s\n", paths.Config)
			fmt.Fprintf(out, "Data:    %s\n", paths.Data)
			fmt.Fprintln(out)

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:  error loading: %v\n", err)
				return nil
			}

			fmt.Fprintf(out, "Gateway: port=%d bind=%s auth=%s push=%ds\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode, cfg.Gateway.PushIntervalSeconds)
			fmt.Fprintf(out, "Fleet:   initial=%d max=%d base=%s traded=%s\n",
				cfg.Fleet.InitialCount, cfg.Fleet.MaxAgents, cfg.Fleet.BaseMint, cfg.Fleet.TradedMint)
			fmt.Fprintf(out, "Quote:   mode=%s\n", cfg.Quote.Mode)
			fmt.Fprintf(out, "Summary: cache=%s ttl=%ds\n", cfg.Summary.Cache, cfg.Summary.TTLSeconds)
			if cfg.Notify.Telegram != nil {
				fmt.Fprintf(out, "Notify:  telegram chat=%d\n", cfg.Notify.Telegram.ChatID)
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
				return nil
			}

			db, err := openStore(cfg.Store, paths, log)
			if err != nil {
				fmt.Fprintf(out, "Store:   %v\n", err)
				return nil
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := store.NewAgentStore(db).Count(ctx)
			if err != nil {
				fmt.Fprintf(out, "Store:   driver=%s error=%v\n", db.Driver(), err)
				return nil
			}
			fmt.Fprintf(out, "Store:   driver=%s agents=%d\n", db.Driver(), n)
			return nil
		},
	}

	return cmd
}
