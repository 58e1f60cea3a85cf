package types

// ProviderKind identifies an upstream inference API dialect. It selects
// the normalizer pair used on the wire and the URL shape of the
// destination endpoint.
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderAnthropic  ProviderKind = "anthropic"
	ProviderOllama     ProviderKind = "ollama"
	ProviderVLLM       ProviderKind = "vllm"
	ProviderLlamaCpp   ProviderKind = "llamacpp"
	ProviderOpenRouter ProviderKind = "openrouter"
	ProviderLMStudio   ProviderKind = "lm_studio"
	ProviderCopilot    ProviderKind = "copilot"
)

// ProviderKinds lists every supported kind.
func ProviderKinds() []ProviderKind {
	return []ProviderKind{
		ProviderOpenAI,
		ProviderAnthropic,
		ProviderOllama,
		ProviderVLLM,
		ProviderLlamaCpp,
		ProviderOpenRouter,
		ProviderLMStudio,
		ProviderCopilot,
	}
}

// Valid reports whether k names a supported provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama, ProviderVLLM,
		ProviderLlamaCpp, ProviderOpenRouter, ProviderLMStudio, ProviderCopilot:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (k ProviderKind) String() string { return string(k) }
