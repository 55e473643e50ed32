package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/config"
	"github.com/dativo-io/warden/internal/gateway"
	"github.com/dativo-io/warden/internal/ledger"
	"github.com/dativo-io/warden/internal/llm"
	"github.com/dativo-io/warden/internal/policy"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (data dir, policies, gateway config, ledger, review models)",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	out := cmd.OutOrStdout()
	ok := true
	fail := func(format string, a ...interface{}) {
		fmt.Fprintf(out, "✗ "+format+"\n", a...)
		ok = false
	}
	pass := func(format string, a ...interface{}) {
		fmt.Fprintf(out, "✓ "+format+"\n", a...)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		fail("Data directory: %s: %v", cfg.DataDir, err)
	} else {
		probe := filepath.Join(cfg.DataDir, ".doctor-write-test")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			fail("Data directory: %s not writable: %v", cfg.DataDir, err)
		} else {
			_ = os.Remove(probe)
			pass("Data directory: %s (writable)", cfg.DataDir)
		}
	}

	if set, err := policy.LoadFile(ctx, cfg.PolicyFile); err != nil {
		fail("Policies: %s: %v", cfg.PolicyFile, err)
	} else if problems := set.Lint(); len(problems) > 0 {
		fail("Policies: %s: %d problem(s), run warden validate", cfg.PolicyFile, len(problems))
	} else {
		pass("Policies: %s (%d trusted-data, %d tool-invocation)", cfg.PolicyFile, len(set.TrustedData), len(set.ToolInvocation))
	}

	if !fileExists(cfg.GatewayFile) {
		pass("Gateway config: %s not found, defaults apply", cfg.GatewayFile)
	} else if gw, err := gateway.LoadConfig(cfg.GatewayFile); err != nil {
		fail("Gateway config: %s: %v", cfg.GatewayFile, err)
	} else {
		pass("Gateway config: %s (%d providers, %d agents)", cfg.GatewayFile, len(gw.Providers), len(gw.Agents))
	}

	if cfg.UsingDefaultSigningKey() {
		fmt.Fprintf(out, "⚠ Signing key: using generated default, set WARDEN_SIGNING_KEY for production\n")
	} else {
		pass("Signing key: configured")
	}

	store, err := ledger.NewStore(cfg.LedgerDBPath(), cfg.SigningKey)
	if err != nil {
		fail("Ledger DB: %v", err)
	} else {
		_ = store.Close()
		pass("Ledger DB: %s", cfg.LedgerDBPath())
	}

	if !cfg.QuarantineEnabled() {
		fmt.Fprintf(out, "⚠ Quarantine: no review models configured, untrusted results stay pending\n")
	} else {
		for _, m := range []config.ModelConfig{cfg.Quarantined, cfg.Privileged} {
			if _, err := llm.New(llm.Config{Provider: m.Provider, APIKey: m.APIKey, BaseURL: m.BaseURL}); err != nil {
				fail("Review model %s/%s: %v", m.Provider, m.Model, err)
			} else {
				pass("Review model: %s/%s", m.Provider, m.Model)
			}
		}
	}

	if !ok {
		return fmt.Errorf("preflight checks failed")
	}
	fmt.Fprintf(out, "\nAll checks passed.\n")
	return nil
}
