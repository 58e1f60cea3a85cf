package types

import "encoding/json"

// RequestKind classifies a normalized inference request.
type RequestKind string

const (
	// KindChat is a conversational completion request.
	KindChat RequestKind = "chat"
	// KindFIM is a fill-in-the-middle code completion request.
	KindFIM RequestKind = "fim"
	// KindCompletion is a legacy prompt-completion request.
	KindCompletion RequestKind = "completion"
	// KindEmbeddings is an embeddings request.
	KindEmbeddings RequestKind = "embeddings"
)

// ChatRequest is the provider-agnostic form every incoming request is
// normalized into before the pipeline runs. Fields the pipeline never
// touches are preserved verbatim in Extra and restored on the way out.
type ChatRequest struct {
	Kind        RequestKind                `json:"kind"`
	Model       string                     `json:"model"`
	System      string                     `json:"system,omitempty"`
	Messages    []Message                  `json:"messages"`
	Prompt      string                     `json:"prompt,omitempty"` // completion-style prompt (FIM)
	Suffix      string                     `json:"suffix,omitempty"`
	Stream      bool                       `json:"stream"`
	Temperature *float64                   `json:"temperature,omitempty"`
	TopP        *float64                   `json:"top_p,omitempty"`
	MaxTokens   *int                       `json:"max_tokens,omitempty"`
	Stop        []string                   `json:"stop,omitempty"`
	Extra       map[string]json.RawMessage `json:"-"`
}

// Clone returns a deep copy of the request. Pipeline steps mutate the
// copy they are handed, never the caller's original.
func (r *ChatRequest) Clone() *ChatRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	for i := range out.Messages {
		if len(r.Messages[i].ToolCalls) > 0 {
			out.Messages[i].ToolCalls = make([]ToolCall, len(r.Messages[i].ToolCalls))
			copy(out.Messages[i].ToolCalls, r.Messages[i].ToolCalls)
		}
		if len(r.Messages[i].Images) > 0 {
			out.Messages[i].Images = make([]ImageContent, len(r.Messages[i].Images))
			copy(out.Messages[i].Images, r.Messages[i].Images)
		}
	}
	if len(r.Stop) > 0 {
		out.Stop = make([]string, len(r.Stop))
		copy(out.Stop, r.Stop)
	}
	if len(r.Extra) > 0 {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// LastUserMessage returns the text of the last user message and its
// index, or ok=false when the request has no user text. FIM requests
// report the prompt under index -1.
func (r *ChatRequest) LastUserMessage() (text string, index int, ok bool) {
	if r.Kind == KindFIM && r.Prompt != "" {
		return r.Prompt, -1, true
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser && r.Messages[i].Content != "" {
			return r.Messages[i].Content, i, true
		}
	}
	return "", -1, false
}

// TextSegments returns pointers to every text field the redaction steps
// must inspect: the system prompt, each message body and the FIM prompt
// and suffix. Mutating the pointed-to strings rewrites the request.
func (r *ChatRequest) TextSegments() []*string {
	segs := make([]*string, 0, len(r.Messages)+3)
	if r.System != "" {
		segs = append(segs, &r.System)
	}
	for i := range r.Messages {
		if r.Messages[i].Content != "" {
			segs = append(segs, &r.Messages[i].Content)
		}
	}
	if r.Prompt != "" {
		segs = append(segs, &r.Prompt)
	}
	if r.Suffix != "" {
		segs = append(segs, &r.Suffix)
	}
	return segs
}

// Usage reports token consumption for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the normalized non-streaming response.
type ChatResponse struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Created      int64      `json:"created"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// StreamChunk is one normalized delta of a streaming response.
// Seq is assigned by the output pipeline engine and is strictly
// monotonically increasing in the order chunks are delivered.
type StreamChunk struct {
	Seq          uint64     `json:"seq"`
	ID           string     `json:"id,omitempty"`
	Model        string     `json:"model,omitempty"`
	Created      int64      `json:"created,omitempty"`
	Role         Role       `json:"role,omitempty"`
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// HasContent reports whether the chunk carries a visible delta.
func (c StreamChunk) HasContent() bool {
	return c.Content != "" || len(c.ToolCalls) > 0
}
