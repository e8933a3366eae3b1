// AgentFleet Control Plane: coordination and lifecycle management for a
// fleet of specialized agents.
//
// It provides:
//   - Agent registry and capability-based coordination
//   - Packaging, deployment, update and uninstall
//   - Health monitoring with automatic failover
//   - Backups and disaster recovery under RTO/RPO objectives
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/config"
	"github.com/agentoven/agentfleet/control-plane/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "agentfleet",
	Short: "AgentFleet control plane",
	Long: `Runs the AgentFleet control plane HTTP server.

Configuration comes from FLEET_* environment variables; flags override them.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), loadConfig())
	},
}

func init() {
	rootCmd.Flags().Int("port", 0, "HTTP port (FLEET_PORT)")
	rootCmd.Flags().String("config", "", "Layered configuration property file (FLEET_PROPERTIES_FILE)")
	rootCmd.Flags().String("rules", "", "Coordination rules file (FLEET_RULES_FILE)")
	rootCmd.Flags().String("data-dir", "", "Data directory (FLEET_DATA_DIR)")
	rootCmd.Flags().String("log-level", "", "Log level (FLEET_LOG_LEVEL)")

	viper.SetEnvPrefix("FLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("properties_file", rootCmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("rules_file", rootCmd.Flags().Lookup("rules"))
	_ = viper.BindPFlag("data-dir", rootCmd.Flags().Lookup("data-dir"))
	_ = viper.BindPFlag("log-level", rootCmd.Flags().Lookup("log-level"))
}

// loadConfig reads the environment, then applies any flags that were set.
func loadConfig() *config.Config {
	cfg := config.Load()
	if p := viper.GetInt("port"); p > 0 {
		cfg.Port = p
	}
	if v := viper.GetString("properties_file"); v != "" {
		cfg.Coordination.PropertiesFile = v
	}
	if v := viper.GetString("rules_file"); v != "" {
		cfg.Coordination.RulesFile = v
	}
	if v := viper.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	log.Info().Str("version", cfg.Version).Msg("🚀 AgentFleet Control Plane starting...")

	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize server")
		return err
	}
	srv.Start(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // synchronous failover and recovery requests
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", srv.Port).Msg("🛰️ AgentFleet is up and coordinating")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("🛑 Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	return srv.Shutdown(shutdownCtx)
}
