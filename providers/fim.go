package providers

import (
	"encoding/json"
	"strings"

	"github.com/stacklok/codegate/types"
)

// Agents whose prompts embed completion-style markers but are never
// fill-in-the-middle requests. Checked before any other heuristic.
var neverFIMTools = []string{"cline", "kodu", "open interpreter"}

// Stop markers a FIM prompt template carries. All four must be present
// for the body heuristic to classify a request as FIM.
var fimStopMarkers = []string{"</COMPLETION>", "<COMPLETION>", "</QUERY>", "<QUERY>"}

// IsFIMRequest classifies an incoming request as fill-in-the-middle or
// chat before it is decoded. The URL settles it for dialects that
// split chat and completion endpoints; bodies posted to a shared chat
// endpoint are inspected for the FIM prompt template markers.
func IsFIMRequest(urlPath string, body []byte) bool {
	var probe struct {
		Prompt   json.RawMessage `json:"prompt"`
		Messages []struct {
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	// Undecodable bodies fall through to the URL heuristic.
	_ = json.Unmarshal(body, &probe)

	prompt := strings.ToLower(PromptText(probe.Prompt))
	for _, tool := range neverFIMTools {
		if strings.Contains(prompt, tool) {
			return false
		}
	}

	if isFIMURL(urlPath) {
		return true
	}

	if len(probe.Messages) == 0 {
		return false
	}
	first := ContentText(probe.Messages[0].Content)
	for _, marker := range fimStopMarkers {
		if !strings.Contains(first, marker) {
			return false
		}
	}
	return true
}

// ClassifyRequest settles the pipeline kind for a decoded request. The
// tool and template heuristics run on the raw body; a prompt-shaped
// request stays fill-in-the-middle regardless, since reshaping it into
// chat messages would corrupt it.
func ClassifyRequest(req *types.ChatRequest, urlPath string, body []byte) types.RequestKind {
	if WireKind(req) == types.KindFIM {
		return types.KindFIM
	}
	if IsFIMRequest(urlPath, body) {
		return types.KindFIM
	}
	return types.KindChat
}

// WireKind is the kind the wire encoding follows. The upstream path
// and body form track the request's shape, not the pipeline
// classification: a chat body carrying the fill-in-the-middle template
// still travels to the chat endpoint, while a bare prompt is a
// completion whatever the heuristics said.
func WireKind(req *types.ChatRequest) types.RequestKind {
	if req.Prompt != "" && len(req.Messages) == 0 {
		return types.KindFIM
	}
	return types.KindChat
}

// isFIMURL applies the endpoint-shape heuristic. chat/completions is
// checked first: it is a suffix of completions and means chat.
func isFIMURL(urlPath string) bool {
	if strings.HasSuffix(urlPath, "chat/completions") {
		return false
	}
	return strings.HasSuffix(urlPath, "completions") ||
		strings.HasSuffix(urlPath, "api/generate")
}
