package types

// ClientType identifies the coding assistant talking to the gateway.
// Detection drives snippet-extraction patterns, the FIM heuristic's tool
// exclusion, and client-specific notice formatting.
type ClientType string

const (
	// ClientGeneric is the fallback when no specific assistant is detected.
	ClientGeneric ClientType = "generic"

	ClientCline           ClientType = "cline"
	ClientKodu            ClientType = "kodu"
	ClientCopilot         ClientType = "copilot"
	ClientOpenInterpreter ClientType = "open_interpreter"
	ClientAider           ClientType = "aider"
	ClientContinue        ClientType = "continue"
)

// String implements fmt.Stringer.
func (c ClientType) String() string {
	if c == "" {
		return string(ClientGeneric)
	}
	return string(c)
}
