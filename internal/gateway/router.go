package gateway

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// uuidShape matches a path segment that looks like a UUID in any case or
// version. Such segments are always treated as routing identifiers.
var uuidShape = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// chatSuffixes are the endpoints intercepted per provider.
var chatSuffixes = map[string]string{
	ProviderOpenAI:    "/chat/completions",
	ProviderOllama:    "/chat/completions",
	ProviderAnthropic: "/messages",
}

// Route is the result of routing a proxied request.
type Route struct {
	Provider  string
	RoutingID string // canonical v4 UUID, empty when the path carries none
	// Path is the provider path appended to the base URL (e.g. "/v1/chat/completions").
	Path string
	// ForwardPath is the proxied path with the routing id removed
	// (e.g. "/openai/v1/models").
	ForwardPath string
	UpstreamURL string
	// Chat is true for endpoints the gateway intercepts.
	Chat bool
}

// RouteRequest resolves the provider, routing id and upstream URL for r.
// The path is expected to look like {prefix}/{provider}/{routing-id?}/{path}.
func (c *Config) RouteRequest(r *http.Request) (Route, error) {
	prefix := strings.TrimSuffix(c.ListenPrefix, "/")
	path := r.URL.Path
	if prefix != "" && !strings.HasPrefix(path, prefix+"/") {
		return Route{}, invalid(nil, "path %q does not match gateway prefix %q", path, prefix)
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(path, prefix), "/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return Route{}, invalid(nil, "path missing provider segment: %q", path)
	}
	provider := strings.ToLower(parts[0])
	remainder := ""
	if len(parts) > 1 {
		remainder = parts[1]
	}

	var routingID string
	segment, after, _ := strings.Cut(remainder, "/")
	if uuidShape.MatchString(segment) {
		if !isCanonicalRoutingID(segment) {
			return Route{}, invalid(ErrInvalidRoutingID, "routing id %q must be a canonical lowercase UUID v4", segment)
		}
		routingID = segment
		remainder = after
	}

	prov, ok := c.Provider(provider)
	if !ok || !prov.Enabled {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	suffix := "/" + remainder
	return Route{
		Provider:    provider,
		RoutingID:   routingID,
		Path:        suffix,
		ForwardPath: "/" + provider + suffix,
		UpstreamURL: strings.TrimSuffix(prov.BaseURL, "/") + suffix,
		Chat:        isChatPath(provider, suffix),
	}, nil
}

func isChatPath(provider, path string) bool {
	suffix, ok := chatSuffixes[provider]
	return ok && strings.HasSuffix(strings.TrimSuffix(path, "/"), suffix)
}
