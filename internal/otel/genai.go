package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

// GenAI semantic convention keys used on model-invocation spans.
const (
	GenAISystem               = attribute.Key("gen_ai.system")
	GenAIRequestModel         = attribute.Key("gen_ai.request.model")
	GenAIRequestTemperature   = attribute.Key("gen_ai.request.temperature")
	GenAIUsageInputTokens     = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokens    = attribute.Key("gen_ai.usage.output_tokens")
	GenAIResponseFinishReason = attribute.Key("gen_ai.response.finish_reason")
)

// Proxy attributes shared across ledger, policy and gateway spans.
const (
	ConversationID = attribute.Key("warden.conversation_id")
	RoutingID      = attribute.Key("warden.routing_id")
	ToolName       = attribute.Key("warden.tool_name")
	Decision       = attribute.Key("warden.decision")
	Stage          = attribute.Key("warden.quarantine.stage")
)

// LLMRequestAttributes creates standard attributes for model requests.
func LLMRequestAttributes(system, model string, temperature float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAISystem.String(system),
		GenAIRequestModel.String(model),
		GenAIRequestTemperature.Float64(temperature),
	}
}

// LLMUsageAttributes creates attributes for token usage.
func LLMUsageAttributes(inputTokens, outputTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAIUsageInputTokens.Int(inputTokens),
		GenAIUsageOutputTokens.Int(outputTokens),
	}
}
