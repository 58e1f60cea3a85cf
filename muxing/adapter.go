package muxing

import (
	"strings"

	"github.com/stacklok/codegate/types"
)

// DestinationURL returns the base URL the upstream client should call
// for the route's endpoint. OpenAI-dialect servers expose their API
// under /v1 and OpenRouter under /api/v1; the stored endpoint URL is
// the host root in both cases.
func DestinationURL(e Endpoint) string {
	base := strings.TrimRight(e.BaseURL, "/")
	switch e.Kind {
	case types.ProviderOpenAI, types.ProviderVLLM, types.ProviderLMStudio:
		return ensureSuffix(base, "/v1")
	case types.ProviderOpenRouter:
		return ensureSuffix(base, "/api/v1")
	default:
		return base
	}
}

// ApplyRoute rewrites the request for its destination. The muxed entry
// point accepts any model name; the rule's model is what the upstream
// sees.
func ApplyRoute(req *types.ChatRequest, route Route) {
	req.Model = route.Model
}

func ensureSuffix(base, suffix string) string {
	if strings.HasSuffix(base, suffix) {
		return base
	}
	return base + suffix
}
