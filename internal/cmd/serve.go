package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/config"
	"github.com/dativo-io/warden/internal/gateway"
	"github.com/dativo-io/warden/internal/ledger"
	"github.com/dativo-io/warden/internal/llm"
	"github.com/dativo-io/warden/internal/policy"
	"github.com/dativo-io/warden/internal/quarantine"
	"github.com/dativo-io/warden/internal/server"
)

var (
	servePort          int
	serveGatewayConfig string
	servePolicyFile    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy and the management API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().StringVar(&serveGatewayConfig, "gateway-config", "", "gateway config YAML (default: gateway_file from config)")
	serveCmd.Flags().StringVar(&servePolicyFile, "policy-file", "", "policy YAML (default: policy_file from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	policyFile := cfg.PolicyFile
	if servePolicyFile != "" {
		policyFile = servePolicyFile
	}
	policies, err := policy.NewFileStore(ctx, policyFile)
	if err != nil {
		return fmt.Errorf("loading policies: %w", err)
	}
	for _, p := range policies.Snapshot().Lint() {
		log.Warn().Str("file", policyFile).Str("problem", p).Msg("policy_lint")
	}
	go func() {
		if err := policies.Watch(ctx); err != nil {
			log.Error().Err(err).Str("file", policyFile).Msg("policy_watch_failed")
		}
	}()

	gwCfg, err := loadGatewayConfig(cfg.GatewayFile, serveGatewayConfig)
	if err != nil {
		return err
	}

	store, err := ledger.NewStore(cfg.LedgerDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}
	defer store.Close()

	sweeper, err := ledger.NewSweeper(store, cfg.SweepSchedule, cfg.SweepWindow)
	if err != nil {
		return fmt.Errorf("integrity sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	reviewer, err := buildReviewer(cfg, store)
	if err != nil {
		return err
	}
	if reviewer == nil {
		log.Warn().Msg("quarantine review disabled; untrusted tool results stay pending and are forwarded")
	}

	gw, err := gateway.NewGateway(gwCfg, gateway.Deps{
		Ledger:   store,
		Policies: policies,
		Reviewer: reviewer,
	})
	if err != nil {
		return fmt.Errorf("initializing gateway: %w", err)
	}

	if len(cfg.APIKeys) == 0 {
		log.Warn().Msg("WARDEN_API_KEYS not set; management endpoints will return 401")
	}
	srv := server.NewServer(store, policies, cfg.APIKeys,
		server.WithGateway(gwCfg.ListenPrefix, gw),
		server.WithPolicyReloader(policies),
		server.WithQuarantine(reviewer != nil),
		server.WithCORSOrigins([]string{"*"}),
	)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("proxy_prefix", gwCfg.ListenPrefix).
		Str("policy_version", policies.Snapshot().Version).
		Bool("quarantine", reviewer != nil).
		Msg("warden_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}

// loadGatewayConfig reads explicit when set, otherwise configured if it
// exists, otherwise falls back to the built-in provider defaults.
func loadGatewayConfig(configured, explicit string) (*gateway.Config, error) {
	path := explicit
	if path == "" {
		if !fileExists(configured) {
			log.Info().Str("file", configured).Msg("gateway_config_not_found_using_defaults")
			return gateway.DefaultConfig(), nil
		}
		path = configured
	}
	gw, err := gateway.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading gateway config: %w", err)
	}
	return gw, nil
}

// buildReviewer returns the quarantine controller, or nil when no review
// models are configured.
func buildReviewer(cfg *config.Config, store quarantine.Reader) (gateway.Reviewer, error) {
	if !cfg.QuarantineEnabled() {
		return nil, nil
	}
	quarantined, err := llm.New(llm.Config{
		Provider: cfg.Quarantined.Provider,
		APIKey:   cfg.Quarantined.APIKey,
		BaseURL:  cfg.Quarantined.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("quarantine model: %w", err)
	}
	privileged, err := llm.New(llm.Config{
		Provider: cfg.Privileged.Provider,
		APIKey:   cfg.Privileged.APIKey,
		BaseURL:  cfg.Privileged.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("privileged model: %w", err)
	}
	return quarantine.NewController(quarantine.Config{
		Ledger:           store,
		Quarantined:      quarantined,
		QuarantinedModel: cfg.Quarantined.Model,
		Privileged:       privileged,
		PrivilegedModel:  cfg.Privileged.Model,
		Timeout:          cfg.ModelTimeout,
	}), nil
}
