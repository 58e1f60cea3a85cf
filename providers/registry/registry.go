// Package registry dispatches provider kinds to their dialect codecs
// and discovers the models an endpoint serves. It imports every
// dialect subpackage, which is why it cannot live in the providers
// package itself.
package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/internal/tlsutil"
	"github.com/stacklok/codegate/muxing"
	"github.com/stacklok/codegate/providers"
	"github.com/stacklok/codegate/providers/anthropic"
	"github.com/stacklok/codegate/providers/copilot"
	"github.com/stacklok/codegate/providers/llamacpp"
	"github.com/stacklok/codegate/providers/lmstudio"
	"github.com/stacklok/codegate/providers/ollama"
	"github.com/stacklok/codegate/providers/openai"
	"github.com/stacklok/codegate/providers/openrouter"
	"github.com/stacklok/codegate/providers/vllm"
	"github.com/stacklok/codegate/types"
)

// Codecs are stateless; one instance per kind serves all requests.
var normalizers = map[types.ProviderKind]providers.Normalizer{
	types.ProviderOpenAI:     openai.New(),
	types.ProviderAnthropic:  anthropic.New(),
	types.ProviderOllama:     ollama.New(),
	types.ProviderLlamaCpp:   llamacpp.New(),
	types.ProviderVLLM:       vllm.New(),
	types.ProviderOpenRouter: openrouter.New(),
	types.ProviderLMStudio:   lmstudio.New(),
	types.ProviderCopilot:    copilot.New(),
}

// ForKind returns the codec for a provider kind.
func ForKind(kind types.ProviderKind) (providers.Normalizer, error) {
	n, ok := normalizers[kind]
	if !ok {
		return nil, types.NewErrorf(types.ErrConfig, "unsupported provider kind %q", kind)
	}
	return n, nil
}

// MustForKind is ForKind for kinds already validated elsewhere.
func MustForKind(kind types.ProviderKind) providers.Normalizer {
	n, err := ForKind(kind)
	if err != nil {
		panic(err)
	}
	return n
}

// LlamaCppNative returns the llama.cpp codec variant that answers in
// the legacy /completion event shape.
func LlamaCppNative() providers.Normalizer { return llamacpp.Native() }

// Lister queries provider endpoints for the models they serve. It
// satisfies the model discovery hook of the endpoint CRUD layer.
type Lister struct {
	client *http.Client
	logger *zap.Logger
}

// NewLister builds a Lister with a hardened HTTP client.
func NewLister(timeout time.Duration, logger *zap.Logger) *Lister {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lister{
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("component", "model_lister")),
	}
}

// ListModels returns the sorted model names an endpoint serves.
func (l *Lister) ListModels(ctx context.Context, ep muxing.Endpoint) ([]string, error) {
	if ep.Kind == types.ProviderCopilot {
		return nil, types.NewError(types.ErrConfig,
			"copilot endpoints do not expose a model listing")
	}
	norm, err := ForKind(ep.Kind)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ModelsURL(ep), nil)
	if err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "build models request: %v", err).
			WithProvider(string(ep.Kind))
	}
	norm.ApplyAuth(req.Header, ep.APIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "query models: %v", err).
			WithProvider(string(ep.Kind))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, providers.DecodeError(resp, ep.Kind)
	}

	names, err := decodeModelNames(resp.Body, ep.Kind)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	l.logger.Debug("models discovered",
		zap.String("endpoint", ep.Name),
		zap.Int("count", len(names)))
	return names, nil
}

// ModelsURL is the dialect's model listing endpoint. OpenAI dialects
// serve /models under their API root; Ollama uses /api/tags and
// Anthropic /v1/models on the host root.
func ModelsURL(ep muxing.Endpoint) string {
	base := muxing.DestinationURL(ep)
	switch ep.Kind {
	case types.ProviderOllama:
		return base + "/api/tags"
	case types.ProviderAnthropic, types.ProviderLlamaCpp:
		return base + "/v1/models"
	default:
		return base + "/models"
	}
}

func decodeModelNames(r io.Reader, kind types.ProviderKind) ([]string, error) {
	if kind == types.ProviderOllama {
		var tags struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.NewDecoder(r).Decode(&tags); err != nil {
			return nil, types.NewErrorf(types.ErrUpstream, "decode models: %v", err).
				WithProvider(string(kind))
		}
		names := make([]string, 0, len(tags.Models))
		for _, m := range tags.Models {
			names = append(names, m.Name)
		}
		return names, nil
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "decode models: %v", err).
			WithProvider(string(kind))
	}
	names := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		names = append(names, m.ID)
	}
	return names, nil
}
