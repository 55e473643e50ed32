package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/config"
	"github.com/dativo-io/warden/internal/ledger"
)

var (
	ledgerLimit int
	ledgerJSON  bool
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the interaction ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE:  ledgerList,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show [conversation-id]",
	Short: "Show every interaction of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  ledgerShow,
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify [interaction-id]",
	Short: "Verify the HMAC signature of an interaction",
	Args:  cobra.ExactArgs(1),
	RunE:  ledgerVerify,
}

func init() {
	ledgerListCmd.Flags().IntVar(&ledgerLimit, "limit", 20, "Maximum conversations to show")
	ledgerShowCmd.Flags().BoolVar(&ledgerJSON, "json", false, "Print interactions as JSON lines")

	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func openLedger() (*ledger.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return ledger.NewStore(cfg.LedgerDBPath(), cfg.SigningKey)
}

func ledgerList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "ledger.list")
	defer span.End()

	store, err := openLedger()
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}
	defer store.Close()

	convs, err := store.Conversations(ctx, ledgerLimit)
	if err != nil {
		return fmt.Errorf("querying ledger: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations recorded.")
		return nil
	}
	renderConversations(out, convs)
	return nil
}

func ledgerShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "ledger.show")
	defer span.End()

	store, err := openLedger()
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}
	defer store.Close()

	items, err := store.ListByConversation(ctx, args[0])
	if err != nil {
		return fmt.Errorf("querying ledger: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("conversation %s: %w", args[0], ledger.ErrNotFound)
	}
	if ledgerJSON {
		return renderInteractionsJSON(cmd.OutOrStdout(), items)
	}
	renderInteractions(cmd.OutOrStdout(), args[0], items)
	return nil
}

func ledgerVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "ledger.verify")
	defer span.End()

	id := args[0]
	store, err := openLedger()
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}
	defer store.Close()

	valid, err := store.Verify(ctx, id)
	if err != nil {
		return fmt.Errorf("verifying interaction: %w", err)
	}
	renderVerifyResult(os.Stdout, id, valid)
	if !valid {
		return fmt.Errorf("signature verification failed for %s", id)
	}
	return nil
}

// renderConversations writes one line per conversation summary.
func renderConversations(w io.Writer, convs []ledger.ConversationSummary) {
	fmt.Fprintf(w, "Conversations (showing %d):\n\n", len(convs))
	for _, c := range convs {
		status := "✓"
		if c.Blocked > 0 {
			status = "✗"
		} else if c.Tainted > 0 {
			status = "⚠"
		}
		fmt.Fprintf(w, "  %s %s | %s | %d interactions | %d tainted | %d blocked\n",
			status,
			c.ConversationID,
			c.LastActivity.Format("2006-01-02 15:04:05"),
			c.Interactions,
			c.Tainted,
			c.Blocked,
		)
	}
}

// renderInteractions writes a conversation transcript without tool output.
func renderInteractions(w io.Writer, conversationID string, items []ledger.Interaction) {
	fmt.Fprintf(w, "Conversation %s (%d interactions):\n\n", conversationID, len(items))
	for i := range items {
		in := &items[i]
		fmt.Fprintf(w, "  #%-3d %s %-9s", in.Seq, in.CreatedAt.Format("15:04:05"), in.Role)
		switch in.Role {
		case ledger.RoleTool:
			fmt.Fprintf(w, " %s (%s) trust=%s", displayTool(in.ToolName), in.ToolCallID, trustLabel(in))
			if in.Reason != "" {
				fmt.Fprintf(w, " reason=%q", in.Reason)
			}
		case ledger.RoleAssistant:
			for _, tc := range in.ToolCalls {
				mark := ""
				if tc.Denied {
					mark = " [denied]"
				}
				fmt.Fprintf(w, " call:%s%s", displayTool(tc.Name), mark)
			}
			if len(in.ToolCalls) == 0 {
				fmt.Fprintf(w, " %d chars", len(in.Text))
			}
		default:
			fmt.Fprintf(w, " %d chars", len(in.Text))
		}
		fmt.Fprintln(w)
	}
}

// renderVerifyResult writes the verify outcome to w.
func renderVerifyResult(w io.Writer, id string, valid bool) {
	if valid {
		fmt.Fprintf(w, "✓ Interaction %s: signature VALID (HMAC-SHA256 intact)\n", id)
	} else {
		fmt.Fprintf(w, "✗ Interaction %s: signature INVALID (possible tampering)\n", id)
	}
}
