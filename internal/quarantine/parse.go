package quarantine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var errNoJSONObject = errors.New("no JSON object in model output")

const analysisSchema = `{
  "type": "object",
  "required": ["hasPromptInjection", "confidence"],
  "properties": {
    "summary": {"type": "string"},
    "hasPromptInjection": {"type": "boolean"},
    "injectionType": {"type": ["string", "null"], "enum": ["direct_command", "social_engineering", "context_manipulation", "unknown", null]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "extractedIntent": {"type": ["string", "null"]}
  }
}`

const decisionSchema = `{
  "type": "object",
  "required": ["isAllowed"],
  "properties": {
    "isAllowed": {"type": "boolean"},
    "denyReason": {"type": ["string", "null"]},
    "requiresUserConfirmation": {"type": ["boolean", "null"]},
    "suggestedAction": {"type": ["string", "null"]}
  }
}`

var (
	analysisLoader = gojsonschema.NewStringLoader(analysisSchema)
	decisionLoader = gojsonschema.NewStringLoader(decisionSchema)
)

// parseAnalysis decodes and validates the quarantined model's reply.
func parseAnalysis(output string) (*Analysis, error) {
	raw, err := decodeStructured(output, analysisLoader)
	if err != nil {
		return nil, err
	}
	var a Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decoding analysis: %w", err)
	}
	if a.HasPromptInjection && a.InjectionType == "" {
		a.InjectionType = InjectionUnknown
	}
	a.Summary = sanitizeModelText(a.Summary, SummaryLimit)
	a.ExtractedIntent = sanitizeModelText(a.ExtractedIntent, SummaryLimit)
	return &a, nil
}

// parseDecision decodes and validates the privileged model's reply.
func parseDecision(output string) (*PrivilegedDecision, error) {
	raw, err := decodeStructured(output, decisionLoader)
	if err != nil {
		return nil, err
	}
	var d PrivilegedDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decoding decision: %w", err)
	}
	d.DenyReason = sanitizeModelText(d.DenyReason, 500)
	d.SuggestedAction = sanitizeModelText(d.SuggestedAction, SummaryLimit)
	return &d, nil
}

func decodeStructured(output string, schema gojsonschema.JSONLoader) ([]byte, error) {
	raw, err := extractJSONObject(output)
	if err != nil {
		return nil, err
	}
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validating model output: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("model output does not match schema: %s", strings.Join(msgs, "; "))
	}
	return raw, nil
}

// extractJSONObject finds the outermost JSON object in model output that may
// be wrapped in a code fence or surrounded by prose.
func extractJSONObject(output string) ([]byte, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end < start {
		return nil, errNoJSONObject
	}
	candidate := []byte(output[start : end+1])
	if !json.Valid(candidate) {
		return nil, fmt.Errorf("%w: invalid JSON", errNoJSONObject)
	}
	return candidate, nil
}
