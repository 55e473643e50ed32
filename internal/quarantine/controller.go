// Package quarantine runs the two-stage model review applied to tainted tool
// results before they may reach the conversation's model.
//
// The quarantined model sees only sanitized previews of the tainted output
// and never the user's request. The privileged model sees the user's request
// and the quarantined model's structured analysis, never raw tool output.
// Every failure along the way denies.
package quarantine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/ledger"
	"github.com/dativo-io/warden/internal/llm"
	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/quarantine")

// InjectionType classifies a suspected prompt injection.
type InjectionType string

const (
	InjectionDirectCommand       InjectionType = "direct_command"
	InjectionSocialEngineering   InjectionType = "social_engineering"
	InjectionContextManipulation InjectionType = "context_manipulation"
	InjectionUnknown             InjectionType = "unknown"
)

// Confidence assigned when the quarantined model cannot be used.
const (
	ConfidenceParseFailure = 0.5
	ConfidenceModelFailure = 0.7
)

// earlyAllowBelow is the confidence under which a negative analysis is
// accepted without consulting the privileged model.
const earlyAllowBelow = 0.3

// DefaultTimeout bounds each model call.
const DefaultTimeout = 30 * time.Second

// Analysis is the quarantined model's structured verdict.
type Analysis struct {
	Summary            string        `json:"summary"`
	HasPromptInjection bool          `json:"hasPromptInjection"`
	InjectionType      InjectionType `json:"injectionType,omitempty"`
	Confidence         float64       `json:"confidence"`
	ExtractedIntent    string        `json:"extractedIntent,omitempty"`
}

// PrivilegedDecision is the privileged model's verdict.
type PrivilegedDecision struct {
	IsAllowed                bool   `json:"isAllowed"`
	DenyReason               string `json:"denyReason,omitempty"`
	RequiresUserConfirmation bool   `json:"requiresUserConfirmation,omitempty"`
	SuggestedAction          string `json:"suggestedAction,omitempty"`
}

// Stage records where the review ended.
type Stage string

const (
	StageNoTaint          Stage = "no_taint"
	StageEarlyAllow       Stage = "early_allow"
	StageQuarantineFailed Stage = "quarantine_failed"
	StagePrivileged       Stage = "privileged"
	StagePrivilegedFailed Stage = "privileged_failed"
	StageLedgerFailed     Stage = "ledger_failed"
)

// Result is the controller's outcome.
type Result struct {
	IsAllowed  bool
	DenyReason string
	Stage      Stage
	Analysis   *Analysis
	// Reviewed lists the ids of the tainted interactions that were examined.
	Reviewed []string
}

// Item is what the quarantined model learns about one tainted interaction.
type Item struct {
	ToolName      string `json:"toolName"`
	TaintReason   string `json:"taintReason"`
	OutputPreview string `json:"outputPreview"`
}

// Reader is the ledger access the controller needs.
type Reader interface {
	ListByConversation(ctx context.Context, conversationID string) ([]ledger.Interaction, error)
}

// Config wires the controller's collaborators.
type Config struct {
	Ledger           Reader
	Quarantined      llm.Model
	QuarantinedModel string
	Privileged       llm.Model
	PrivilegedModel  string
	Timeout          time.Duration
}

// Controller performs the dual-model review.
type Controller struct {
	ledger           Reader
	quarantined      llm.Model
	quarantinedModel string
	privileged       llm.Model
	privilegedModel  string
	timeout          time.Duration
}

// NewController creates a Controller.
func NewController(cfg Config) *Controller {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Controller{
		ledger:           cfg.Ledger,
		quarantined:      cfg.Quarantined,
		quarantinedModel: cfg.QuarantinedModel,
		privileged:       cfg.Privileged,
		privilegedModel:  cfg.PrivilegedModel,
		timeout:          timeout,
	}
}

// Evaluate reviews the conversation's pending tainted tool results: those
// tainted, not blocked and not yet resolved. With nothing pending the
// conversation is allowed without any model call.
func (c *Controller) Evaluate(ctx context.Context, conversationID string) Result {
	ctx, span := tracer.Start(ctx, "quarantine.evaluate",
		trace.WithAttributes(wardenotel.ConversationID.String(conversationID)))
	defer span.End()

	res := c.evaluate(ctx, conversationID)

	outcome := "allow"
	if !res.IsAllowed {
		outcome = "deny"
		log.Warn().
			Str("conversation_id", conversationID).
			Str("stage", string(res.Stage)).
			Int("reviewed", len(res.Reviewed)).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("quarantine_denied")
	}
	span.SetAttributes(
		wardenotel.Decision.String(outcome),
		wardenotel.Stage.String(string(res.Stage)),
		attribute.Int("quarantine.reviewed", len(res.Reviewed)),
	)
	wardenotel.RecordDecision(ctx, "quarantine", outcome)
	return res
}

func (c *Controller) evaluate(ctx context.Context, conversationID string) Result {
	history, err := c.ledger.ListByConversation(ctx, conversationID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("quarantine_ledger_read_failed")
		return Result{DenyReason: "Unable to verify the safety of tool results", Stage: StageLedgerFailed}
	}

	var items []Item
	var reviewed []string
	for _, in := range history {
		if in.Role != ledger.RoleTool || !in.Tainted || in.Resolved() {
			continue
		}
		items = append(items, Item{
			ToolName:      in.ToolName,
			TaintReason:   in.TaintReason,
			OutputPreview: SanitizePreview(previewSource(in)),
		})
		reviewed = append(reviewed, in.ID)
	}
	if len(items) == 0 {
		return Result{IsAllowed: true, Stage: StageNoTaint}
	}

	analysis, failed := c.analyze(ctx, items)
	res := Result{Analysis: analysis, Reviewed: reviewed}
	if failed {
		res.Stage = StageQuarantineFailed
		res.DenyReason = DefaultDenyReason(analysis)
		return res
	}
	if !analysis.HasPromptInjection && analysis.Confidence < earlyAllowBelow {
		res.IsAllowed = true
		res.Stage = StageEarlyAllow
		return res
	}

	var userText string
	if last := ledger.LastUserMessage(history); last != nil {
		userText = last.Text
	}
	decision, err := c.decide(ctx, userText, analysis, items)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("privileged_review_failed")
		res.Stage = StagePrivilegedFailed
		res.DenyReason = DefaultDenyReason(analysis)
		return res
	}

	res.Stage = StagePrivileged
	if decision.IsAllowed && !decision.RequiresUserConfirmation {
		res.IsAllowed = true
		return res
	}
	res.DenyReason = decision.DenyReason
	if res.DenyReason == "" {
		res.DenyReason = DefaultDenyReason(analysis)
	}
	if decision.RequiresUserConfirmation && decision.SuggestedAction != "" {
		res.DenyReason += ". Suggested action: " + decision.SuggestedAction
	}
	return res
}

// analyze runs the quarantined model. The second result is true when the
// model could not be used and the returned analysis is the fail-closed one.
func (c *Controller) analyze(ctx context.Context, items []Item) (*Analysis, bool) {
	ctx, span := tracer.Start(ctx, "quarantine.analyze",
		trace.WithAttributes(attribute.Int("quarantine.items", len(items))))
	defer span.End()

	payload, err := json.Marshal(map[string]interface{}{"taintedToolResults": items})
	if err != nil {
		return failedAnalysis(ConfidenceParseFailure, "could not encode tainted results"), true
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.quarantined.Generate(callCtx, &llm.Request{
		Model:    c.quarantinedModel,
		System:   quarantineSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: string(payload)}},
	})
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Msg("quarantine_model_failed")
		return failedAnalysis(ConfidenceModelFailure, "quarantine model unavailable"), true
	}

	analysis, err := parseAnalysis(resp.Content)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Msg("quarantine_response_unparsable")
		return failedAnalysis(ConfidenceParseFailure, "quarantine response could not be parsed"), true
	}
	span.SetAttributes(
		attribute.Bool("quarantine.has_prompt_injection", analysis.HasPromptInjection),
		attribute.Float64("quarantine.confidence", analysis.Confidence),
	)
	return analysis, false
}

// decide runs the privileged model on the user's request and the analysis.
func (c *Controller) decide(ctx context.Context, userText string, analysis *Analysis, items []Item) (*PrivilegedDecision, error) {
	ctx, span := tracer.Start(ctx, "quarantine.privileged_decide")
	defer span.End()

	sources := make([]map[string]string, 0, len(items))
	for _, it := range items {
		sources = append(sources, map[string]string{"toolName": it.ToolName, "taintReason": it.TaintReason})
	}
	payload, err := json.Marshal(map[string]interface{}{
		"userRequest":        SanitizePreview(userText),
		"quarantineAnalysis": analysis,
		"taintedSources":     sources,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding privileged context: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.privileged.Generate(callCtx, &llm.Request{
		Model:    c.privilegedModel,
		System:   privilegedSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: string(payload)}},
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	decision, err := parseDecision(resp.Content)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("quarantine.privileged_allowed", decision.IsAllowed))
	return decision, nil
}

func failedAnalysis(confidence float64, summary string) *Analysis {
	return &Analysis{
		Summary:            summary,
		HasPromptInjection: true,
		InjectionType:      InjectionUnknown,
		Confidence:         confidence,
	}
}

// DefaultDenyReason renders the standard denial for an analysis.
func DefaultDenyReason(a *Analysis) string {
	kind := InjectionUnknown
	confidence := 0.0
	if a != nil {
		confidence = a.Confidence
		if a.InjectionType != "" {
			kind = a.InjectionType
		}
	}
	return fmt.Sprintf("Potential prompt injection detected (type: %s, confidence: %d%%)",
		kind, int(math.Round(confidence*100)))
}

// previewSource picks the text a preview is built from.
func previewSource(in ledger.Interaction) string {
	if in.Text != "" {
		return in.Text
	}
	return string(in.Content)
}
