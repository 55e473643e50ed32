package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/policy"
	"github.com/dativo-io/warden/internal/requestctx"
)

// Deps are the collaborators a Gateway needs.
type Deps struct {
	Ledger   Ledger
	Policies policy.Source
	// Reviewer runs the quarantine review; nil disables it.
	Reviewer Reviewer
	// Client overrides the upstream HTTP client (tests).
	Client *http.Client
}

// Gateway is the provider proxy handler.
type Gateway struct {
	config      *Config
	interceptor *Interceptor
	client      *http.Client
	rateLimiter *RateLimiter
}

// NewGateway creates a Gateway from a validated config.
func NewGateway(config *Config, deps Deps) (*Gateway, error) {
	if deps.Ledger == nil || deps.Policies == nil {
		return nil, errors.New("gateway requires a ledger and a policy source")
	}
	timeouts, err := config.ParseTimeouts()
	if err != nil {
		return nil, err
	}
	client := deps.Client
	if client == nil {
		client = NewHTTPClient(timeouts)
	}
	return &Gateway{
		config:      config,
		interceptor: NewInterceptor(deps.Ledger, deps.Policies, deps.Reviewer, config.Interception.QuarantineDenyAction),
		client:      client,
		rateLimiter: NewRateLimiter(config.RateLimits.GlobalRequestsPerMin, config.RateLimits.PerAgentRequestsPerMin),
	}, nil
}

// ServeHTTP routes the request, applies per-agent limits and either relays
// it untouched or runs the chat interception pipeline before forwarding.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	route, err := g.config.RouteRequest(r)
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("gateway_route_failed")
		status := http.StatusBadRequest
		if errors.Is(err, ErrUnknownProvider) {
			status = http.StatusNotFound
		}
		WriteProviderError(w, ProviderOpenAI, status, err.Error())
		return
	}

	agent := g.config.AgentByRoutingID(route.RoutingID)
	if agent == nil {
		if route.RoutingID != "" {
			log.Warn().Str("routing_id", route.RoutingID).Msg("gateway_unknown_routing_id")
		}
		agent = &AgentConfig{Name: DefaultAgentName}
	}
	if !agent.AllowsProvider(route.Provider) {
		WriteProviderError(w, route.Provider, http.StatusForbidden, "Agent not allowed for this provider")
		return
	}
	if !g.rateLimiter.Allow(agent.Name, agent.RequestsPerMin) {
		log.Warn().Str("agent", agent.Name).Msg("gateway_rate_limited")
		WriteProviderError(w, route.Provider, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	ctx := requestctx.SetRoutingID(r.Context(), route.RoutingID)
	ctx = requestctx.SetAgent(ctx, agent.Name)
	r = r.WithContext(ctx)

	upstreamURL := route.UpstreamURL
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	if !route.Chat {
		var body io.Reader = r.Body
		if r.ContentLength == 0 {
			body = http.NoBody
		}
		status, err := Forward(w, ForwardParams{
			Context:       ctx,
			Client:        g.client,
			Provider:      route.Provider,
			UpstreamURL:   upstreamURL,
			Method:        r.Method,
			Body:          body,
			ContentLength: r.ContentLength,
			Header:        r.Header,
		})
		g.finish(w, r, route, status, err, start)
		return
	}

	if r.Method != http.MethodPost {
		WriteProviderError(w, route.Provider, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProviderError(w, route.Provider, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		WriteProviderError(w, route.Provider, http.StatusBadRequest, "Failed to read request body")
		return
	}

	env, err := ParseEnvelope(route.Provider, body)
	if err != nil {
		WriteProviderError(w, route.Provider, http.StatusBadRequest, err.Error())
		return
	}
	conv, err := ConversationID(r, route.RoutingID, env)
	if err != nil {
		WriteProviderError(w, route.Provider, http.StatusBadRequest, err.Error())
		return
	}
	ctx = requestctx.SetConversationID(ctx, conv)

	ctx, span := tracer.Start(ctx, "gateway.chat",
		trace.WithAttributes(wardenotel.LLMRequestAttributes(route.Provider, env.Model, 0)...),
		trace.WithAttributes(
			wardenotel.ConversationID.String(conv),
			attribute.String("gateway.agent", agent.Name),
			attribute.Bool("gateway.stream", env.Stream),
		))
	defer span.End()

	ex := Exchange{Route: route, Agent: agent.Name, ConversationID: conv, Envelope: env}
	outcome, err := g.interceptor.Intercept(ctx, ex)
	if err != nil {
		var denial *DenialError
		var bad *ValidationError
		switch {
		case errors.As(err, &denial):
			log.Warn().
				Str("conversation_id", conv).
				Str("stage", denial.Stage).
				Str("reason", denial.Reason).
				Func(wardenotel.LogRequestFields(ctx)).
				Msg("gateway_request_denied")
			WriteProviderError(w, route.Provider, http.StatusForbidden, denial.Reason)
		case errors.As(err, &bad):
			WriteProviderError(w, route.Provider, http.StatusBadRequest, bad.Error())
		default:
			log.Error().Err(err).
				Str("conversation_id", conv).
				Func(wardenotel.LogTraceFields(ctx)).
				Msg("gateway_interception_failed")
			WriteProviderError(w, route.Provider, http.StatusForbidden, "Request blocked: unable to verify conversation safety")
		}
		return
	}

	forwardBody, err := outcome.Envelope.Encode()
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conv).Msg("gateway_encode_failed")
		WriteProviderError(w, route.Provider, http.StatusForbidden, "Request blocked: unable to rebuild request")
		return
	}
	if len(outcome.Dropped) > 0 {
		log.Info().
			Str("conversation_id", conv).
			Strs("dropped", outcome.Dropped).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("gateway_context_filtered")
	}

	asm := newAssembler(env.Format)
	guard := newResponseGuard(env.Format, g.interceptor.responseCheck(ctx, ex, outcome.Untrusted))
	status, err := Forward(w, ForwardParams{
		Context:       ctx,
		Client:        g.client,
		Provider:      route.Provider,
		UpstreamURL:   upstreamURL,
		Method:        http.MethodPost,
		Body:          bytes.NewReader(forwardBody),
		ContentLength: int64(len(forwardBody)),
		Header:        r.Header,
		assembler:     asm,
		guard:         guard,
	})
	g.finish(w, r, route, status, err, start)
	if err != nil || status < 200 || status > 299 || ctx.Err() != nil {
		return
	}

	reply := asm.result()
	reply.Verdicts = guard.verdicts
	span.SetAttributes(wardenotel.LLMUsageAttributes(reply.Usage.Input, reply.Usage.Output)...)
	if !g.config.Interception.ResponsesRecorded() {
		return
	}
	if err := g.interceptor.RecordResponse(ctx, ex, outcome.Untrusted, reply); err != nil {
		log.Error().Err(err).
			Str("conversation_id", conv).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("gateway_response_record_failed")
	}
}

// finish reports upstream failures and logs the request.
func (g *Gateway) finish(w http.ResponseWriter, r *http.Request, route Route, status int, err error, start time.Time) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		log.Warn().Err(err).
			Str("provider", route.Provider).
			Str("path", route.ForwardPath).
			Func(wardenotel.LogTraceFields(r.Context())).
			Msg("gateway_upstream_failed")
		WriteProviderError(w, route.Provider, http.StatusBadGateway, fmt.Sprintf("Upstream %s unavailable", route.Provider))
		return
	}
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("provider", route.Provider).
		Str("path", route.ForwardPath).
		Bool("intercepted", route.Chat).
		Int("status", status).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Func(wardenotel.LogRequestFields(r.Context())).
		Msg("gateway_request")
}
