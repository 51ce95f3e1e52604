package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toolforge/toolforge/internal/agent"
	"github.com/toolforge/toolforge/internal/config"
	"github.com/toolforge/toolforge/internal/engine"
	"github.com/toolforge/toolforge/internal/events"
	"github.com/toolforge/toolforge/internal/logging"
	"github.com/toolforge/toolforge/internal/server"
	"github.com/toolforge/toolforge/internal/store"
)

var (
	serveConfigPath string
	servePort       int
	serveDBPath     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration server",
	Long: `Starts the HTTP server: the REST API for submitting and inspecting
jobs, the transition callback endpoint for the generation agent, and
the WebSocket notification channel.

Without agent.endpoint in the config, tasks are handled by a built-in
mock agent that walks the pipeline locally. Useful for development.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		if cmd.Flags().Changed("db") {
			cfg.Database.Path = serveDBPath
		}

		logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := store.NewSQLiteStore(ctx, cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		bus := events.NewBus()
		defer bus.Close()

		eng := engine.New(st, bus)
		if cfg.Agent.Endpoint != "" {
			eng.SetAgent(agent.NewHTTPAgent(cfg.Agent.Endpoint, cfg.Agent.Timeout, cfg.Agent.MaxRetries))
			logging.Info("using remote generation agent", "endpoint", cfg.Agent.Endpoint)
		} else {
			eng.SetAgent(agent.NewMockAgent(eng))
			logging.Info("no agent endpoint configured, using mock agent")
		}

		srv, err := server.NewServer(cfg.Server.Port, eng, bus)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			logging.Info("shutting down")
			return srv.Stop()
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "toolforge.yaml", "path to config file")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultServerPort, "port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDBPath, "db", config.DefaultDatabasePath, "path to the database file (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
