package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/tradesim/internal/config"
	"github.com/soyeahso/tradesim/internal/logging"
)

const shutdownTimeout = 15 * time.Second

// loadConfig loads and validates the config, logging every issue.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	issues := config.Validate(&cfg)
	if len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return cfg, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	var (
		port  int
		bind  string
		count int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent fleet and the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			if cmd.Flags().Changed("count") {
				cfg.Fleet.InitialCount = count
			}
			if logLevel == "" {
				log = logging.NewStyled(cfg.Logging.ConsoleStyle, cfg.Logging.Level)
			}

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, paths, log)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				a.close(shutdownCtx)
				log.Info().Msg("tradesim stopped")
			}()

			return a.run(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")
	cmd.Flags().IntVar(&count, "count", 0, "override fleet.initialCount for a fresh database")

	return cmd
}
