package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/warden/internal/ledger"
	"github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/policy"
)

const (
	defaultListLimit = 100
	maxListLimit     = 10000
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// parseLimit reads ?limit, falling back to def and capping at maxListLimit.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"ledger":   "ok",
			"policies": "ok",
		}
		if s.gateway == nil {
			components["proxy"] = "disabled"
		} else {
			components["proxy"] = "ok"
		}
		if s.quarantine {
			components["quarantine"] = "ok"
		} else {
			components["quarantine"] = "disabled"
		}
		resp["components"] = components
		resp["policy_version"] = s.policies.Snapshot().Version
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConversationsList(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	list, err := s.ledger.Conversations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if list == nil {
		list = []ledger.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": list})
}

func (s *Server) handleConversationInteractions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	list, err := s.ledger.ListByConversation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if len(list) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"interactions":    list,
	})
}

func (s *Server) handleInteractionsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(r, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC 3339 timestamp")
			return
		}
	}
	format := q.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "csv" && format != "json" {
		writeError(w, http.StatusBadRequest, "invalid_request", "format must be csv or json")
		return
	}
	list, err := s.ledger.ListSince(r.Context(), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	log.Info().
		Str("format", format).
		Int("count", len(list)).
		Func(otel.LogRequestFields(r.Context())).
		Msg("ledger_export")

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "conversation_id", "seq", "role", "provider", "routing_id", "tool_call_id", "tool_name", "tainted", "trusted", "blocked", "reason", "created_at", "signature"})
		for i := range list {
			in := &list[i]
			_ = cw.Write([]string{
				in.ID, in.ConversationID, strconv.FormatInt(in.Seq, 10), string(in.Role), in.Provider, in.RoutingID,
				in.ToolCallID, in.ToolName, strconv.FormatBool(in.Tainted), optionalBool(in.Trusted), optionalBool(in.Blocked),
				in.Reason, in.CreatedAt.UTC().Format(time.RFC3339Nano), in.Signature,
			})
		}
		cw.Flush()
		return
	}
	if list == nil {
		list = []ledger.Interaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"interactions": list})
}

// optionalBool renders an unresolved flag as an empty cell.
func optionalBool(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}

func (s *Server) handleInteractionGet(w http.ResponseWriter, r *http.Request) {
	in, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleInteractionVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	valid, err := s.ledger.Verify(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !valid {
		log.Warn().Str("interaction_id", id).Msg("ledger_signature_invalid")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}

func (s *Server) handlePoliciesList(w http.ResponseWriter, r *http.Request) {
	set := s.policies.Snapshot()
	problems := set.Lint()
	if problems == nil {
		problems = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":                  set.Version,
		"trusted_data_policies":    set.TrustedData,
		"tool_invocation_policies": set.ToolInvocation,
		"request_access":           set.Access,
		"problems":                 problems,
	})
}

type policyEvaluateRequest struct {
	ConversationID string                 `json:"conversation_id"`
	Tool           string                 `json:"tool"`
	Result         json.RawMessage        `json:"result"`
	Arguments      map[string]interface{} `json:"arguments"`
	Untrusted      bool                   `json:"untrusted"`
}

// handlePoliciesEvaluate dry-runs a tool result through the trusted-data
// policies when "result" is set, otherwise a tool call through the
// invocation policies. Nothing is recorded.
func (s *Server) handlePoliciesEvaluate(w http.ResponseWriter, r *http.Request) {
	var req policyEvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}

	if len(req.Result) > 0 {
		var doc interface{}
		if err := json.Unmarshal(req.Result, &doc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "result must be JSON")
			return
		}
		d := policy.NewTrustedDataEvaluator(s.policies).Evaluate(r.Context(), req.ConversationID, req.Tool, doc)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"kind":      "trusted_data",
			"trusted":   d.Trusted,
			"blocked":   d.Blocked,
			"tainted":   d.Tainted(),
			"reason":    d.Reason,
			"policy_id": d.PolicyID,
		})
		return
	}

	d := policy.NewToolInvocationEngine(s.policies).Evaluate(r.Context(), req.Tool, req.Arguments, req.Untrusted)
	resp := map[string]interface{}{
		"kind":                  "tool_invocation",
		"allowed":               d.Allowed,
		"reason":                d.Reason,
		"policy_id":             d.PolicyID,
		"requires_confirmation": d.RequiresConfirmation,
	}
	if !d.Allowed {
		resp["message"] = policy.DenialMessage(req.Tool, d)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePoliciesReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "policy reload not available")
		return
	}
	if err := s.reloader.Reload(r.Context()); err != nil {
		log.Warn().Err(err).Func(otel.LogRequestFields(r.Context())).Msg("policy_reload_failed")
		writeError(w, http.StatusUnprocessableEntity, "invalid_policy", err.Error())
		return
	}
	version := s.policies.Snapshot().Version
	log.Info().
		Str("version", version).
		Func(otel.LogRequestFields(r.Context())).
		Msg("policy_reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded", "version": version})
}
