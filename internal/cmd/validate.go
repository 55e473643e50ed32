package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/config"
	"github.com/dativo-io/warden/internal/gateway"
	"github.com/dativo-io/warden/internal/policy"
)

var (
	validateFile    string
	validateGateway string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the policy file and gateway configuration",
	Long:  "Validates the policy file against its schema, compiles regular expressions and the request-access guard, and optionally checks a gateway config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "validate")
		defer span.End()

		if validateFile == "" {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			validateFile = cfg.PolicyFile
		}

		set, err := policy.LoadFile(ctx, validateFile)
		if err != nil {
			log.Error().Err(err).Str("file", validateFile).Msg("policy_validation_failed")
			fmt.Fprintf(os.Stderr, "✗ Validation failed: %s\n", validateFile)
			return fmt.Errorf("validation failed: %w", err)
		}
		if problems := set.Lint(); len(problems) > 0 {
			fmt.Fprintf(os.Stderr, "✗ Validation failed: %s\n", validateFile)
			for _, p := range problems {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
			return fmt.Errorf("validation failed: %d problem(s)", len(problems))
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ Policy valid: %s\n", validateFile)
		fmt.Fprintf(out, "  Version: %s\n", set.Version)
		fmt.Fprintf(out, "  Trusted-data policies: %d\n", len(set.TrustedData))
		fmt.Fprintf(out, "  Tool-invocation policies: %d\n", len(set.ToolInvocation))

		if validateGateway != "" {
			gw, err := gateway.LoadConfig(validateGateway)
			if err != nil {
				fmt.Fprintf(os.Stderr, "✗ Gateway config invalid: %s\n", validateGateway)
				return fmt.Errorf("gateway config: %w", err)
			}
			fmt.Fprintf(out, "✓ Gateway config valid: %s (prefix %s, %d agents)\n", validateGateway, gw.ListenPrefix, len(gw.Agents))
		}

		log.Info().
			Str("file", validateFile).
			Str("version", set.Version).
			Msg("policy_validated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "policy file to validate (default: policy_file from config)")
	validateCmd.Flags().StringVar(&validateGateway, "gateway-config", "", "gateway config file to validate as well")
}
