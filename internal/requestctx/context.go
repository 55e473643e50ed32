// Package requestctx carries request-scoped identifiers: the routing id,
// agent and conversation set by the gateway, and the operator authenticated
// on the management API.
package requestctx

import "context"

type ctxKey int

const (
	routingIDKey ctxKey = iota
	agentKey
	conversationIDKey
	operatorKey
)

// SetRoutingID stores the routing UUID parsed from the proxy path.
func SetRoutingID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, routingIDKey, id)
}

// RoutingID returns the routing UUID, or "" when the request carried none.
func RoutingID(ctx context.Context) string {
	v, _ := ctx.Value(routingIDKey).(string)
	return v
}

// SetAgent stores the resolved agent name.
func SetAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

// Agent returns the resolved agent name, or "".
func Agent(ctx context.Context) string {
	v, _ := ctx.Value(agentKey).(string)
	return v
}

// SetConversationID stores the conversation id for the intercepted request.
func SetConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationID returns the conversation id, or "".
func ConversationID(ctx context.Context) string {
	v, _ := ctx.Value(conversationIDKey).(string)
	return v
}

// SetOperator stores the name bound to the management API key.
func SetOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operatorKey, name)
}

// Operator returns the authenticated operator name, or "".
func Operator(ctx context.Context) string {
	v, _ := ctx.Value(operatorKey).(string)
	return v
}
