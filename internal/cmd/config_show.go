package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect Warden configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved operator configuration (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		renderConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func renderConfig(w io.Writer, cfg *config.Config) {
	exists := func(ok bool) string {
		if ok {
			return " (exists)"
		}
		return " (missing)"
	}
	signing := "configured"
	if cfg.UsingDefaultSigningKey() {
		signing = "generated default (set WARDEN_SIGNING_KEY)"
	}
	fmt.Fprintf(w, "Data directory:   %s%s\n", cfg.DataDir, exists(dirExists(cfg.DataDir)))
	fmt.Fprintf(w, "Ledger DB:        %s%s\n", cfg.LedgerDBPath(), exists(fileExists(cfg.LedgerDBPath())))
	fmt.Fprintf(w, "Signing key:      %s\n", signing)
	fmt.Fprintf(w, "Policy file:      %s%s\n", cfg.PolicyFile, exists(fileExists(cfg.PolicyFile)))
	fmt.Fprintf(w, "Gateway file:     %s%s\n", cfg.GatewayFile, exists(fileExists(cfg.GatewayFile)))
	fmt.Fprintf(w, "API keys:         %d\n", len(cfg.APIKeys))
	if cfg.QuarantineEnabled() {
		fmt.Fprintf(w, "Quarantine model: %s/%s%s\n", cfg.Quarantined.Provider, cfg.Quarantined.Model, redacted(cfg.Quarantined.APIKey))
		fmt.Fprintf(w, "Privileged model: %s/%s%s\n", cfg.Privileged.Provider, cfg.Privileged.Model, redacted(cfg.Privileged.APIKey))
		fmt.Fprintf(w, "Model timeout:    %s\n", cfg.ModelTimeout)
	} else {
		fmt.Fprintf(w, "Quarantine:       disabled\n")
	}
	fmt.Fprintf(w, "Integrity sweep:  %s over %s\n", cfg.SweepSchedule, cfg.SweepWindow)
}

func redacted(key string) string {
	if key == "" {
		return ""
	}
	return " (api key set)"
}

func dirExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
