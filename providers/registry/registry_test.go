package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stacklok/codegate/muxing"
	"github.com/stacklok/codegate/types"
)

func TestForKind_CoversEveryKind(t *testing.T) {
	for _, kind := range types.ProviderKinds() {
		norm, err := ForKind(kind)
		require.NoError(t, err, string(kind))
		assert.Equal(t, kind, norm.Kind())
	}
}

func TestForKind_Unknown(t *testing.T) {
	_, err := ForKind(types.ProviderKind("bard"))
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.CodeFor(err))
}

func TestMustForKind(t *testing.T) {
	assert.NotPanics(t, func() { MustForKind(types.ProviderOpenAI) })
	assert.Panics(t, func() { MustForKind(types.ProviderKind("bard")) })
}

func TestLlamaCppNative(t *testing.T) {
	assert.Equal(t, types.ProviderLlamaCpp, LlamaCppNative().Kind())
}

func TestListModels_OpenAIShape(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`))
	}))
	defer srv.Close()

	lister := NewLister(time.Second, zaptest.NewLogger(t))
	models, err := lister.ListModels(context.Background(), muxing.Endpoint{
		Name:    "openai",
		Kind:    types.ProviderOpenAI,
		BaseURL: srv.URL,
		APIKey:  "sk-test",
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/models", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, models)
}

func TestListModels_OllamaTags(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b"},{"name":"codellama:7b"}]}`))
	}))
	defer srv.Close()

	lister := NewLister(time.Second, zaptest.NewLogger(t))
	models, err := lister.ListModels(context.Background(), muxing.Endpoint{
		Name:    "local",
		Kind:    types.ProviderOllama,
		BaseURL: srv.URL,
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/tags", gotPath)
	assert.Equal(t, []string{"codellama:7b", "llama3:8b"}, models) // sorted
}

func TestListModels_AnthropicHeaders(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"claude-3-5-sonnet"}]}`))
	}))
	defer srv.Close()

	lister := NewLister(time.Second, zaptest.NewLogger(t))
	models, err := lister.ListModels(context.Background(), muxing.Endpoint{
		Name:    "anthropic",
		Kind:    types.ProviderAnthropic,
		BaseURL: srv.URL,
		APIKey:  "sk-ant",
	})
	require.NoError(t, err)

	assert.Equal(t, "sk-ant", gotKey)
	assert.NotEmpty(t, gotVersion)
	assert.Equal(t, []string{"claude-3-5-sonnet"}, models)
}

func TestListModels_UpstreamAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	lister := NewLister(time.Second, zaptest.NewLogger(t))
	_, err := lister.ListModels(context.Background(), muxing.Endpoint{
		Name:    "openai",
		Kind:    types.ProviderOpenAI,
		BaseURL: srv.URL,
		APIKey:  "sk-bad",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrAuth, types.CodeFor(err))
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestListModels_CopilotRefused(t *testing.T) {
	lister := NewLister(time.Second, zaptest.NewLogger(t))
	_, err := lister.ListModels(context.Background(), muxing.Endpoint{
		Name: "copilot",
		Kind: types.ProviderCopilot,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.CodeFor(err))
}
