package extract

import (
	"strings"

	"github.com/stacklok/codegate/types"
)

// clientProbe is one detection rule: a case-insensitive User-Agent
// fragment, a case-sensitive content marker, or both. Probes run in
// order; the first hit wins.
type clientProbe struct {
	client    types.ClientType
	userAgent string
	marker    string
}

var clientProbes = []clientProbe{
	{client: types.ClientCline, marker: "Cline"},
	{client: types.ClientKodu, userAgent: "kodu", marker: "Kodu"},
	{client: types.ClientOpenInterpreter, marker: "Open Interpreter"},
	{client: types.ClientCopilot, userAgent: "copilot"},
	{client: types.ClientAider, userAgent: "aider"},
}

// DetectClient classifies the calling assistant from the User-Agent
// header and the request body. Returns ClientGeneric when nothing
// matches; detection never fails.
func DetectClient(userAgent string, req *types.ChatRequest) types.ClientType {
	ua := strings.ToLower(userAgent)
	for _, probe := range clientProbes {
		if probe.userAgent != "" && strings.Contains(ua, probe.userAgent) {
			return probe.client
		}
		if probe.marker != "" && req != nil && containsMarker(req, probe.marker) {
			return probe.client
		}
	}
	return types.ClientGeneric
}

func containsMarker(req *types.ChatRequest, marker string) bool {
	if strings.Contains(req.System, marker) {
		return true
	}
	for i := range req.Messages {
		if strings.Contains(req.Messages[i].Content, marker) {
			return true
		}
	}
	return false
}
