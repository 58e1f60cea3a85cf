package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/db"
	"github.com/stacklok/codegate/extract"
	"github.com/stacklok/codegate/internal/ctxkeys"
	"github.com/stacklok/codegate/muxing"
	"github.com/stacklok/codegate/pipeline"
	"github.com/stacklok/codegate/providers"
	"github.com/stacklok/codegate/providers/registry"
	"github.com/stacklok/codegate/types"
)

// destination is the resolved upstream for one request: the dialect it
// speaks, the full completion URL and the credential to present.
type destination struct {
	normalizer providers.Normalizer
	url        string
	apiKey     string
	provider   types.ProviderKind
	endpoint   string // endpoint name, for metrics; empty on direct routes
}

// handleCompletion serves one mounted completion path end to end:
// decode in the client's dialect, classify chat vs fill-in-the-middle,
// drive the request pipeline, forward to the resolved upstream and
// stream the response back through the output pipeline.
func (p *Proxy) handleCompletion(rt ingressRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		p.serveCompletion(w, r, rt, "")
	}
}

// ServeIntercepted drives a plaintext completion request captured by
// the TLS interceptor through the same path as the clear-port routes.
// baseURL points at the real upstream host the client dialed, so the
// forwarded call reaches the host the client intended.
func (p *Proxy) ServeIntercepted(w http.ResponseWriter, r *http.Request, kind types.ProviderKind, rel, baseURL string) {
	rt := ingressRoute{rel: rel, inbound: kind, upstream: kind}
	p.serveCompletion(w, r, rt, baseURL)
}

func (p *Proxy) serveCompletion(w http.ResponseWriter, r *http.Request, rt ingressRoute, baseOverride string) {
	body, err := readBody(r)
	if err != nil {
		p.writeError(w, err)
		return
	}

	inbound := p.inboundNormalizer(rt)
	req, err := inbound.DecodeRequest(body, rt.rel)
	if err != nil {
		p.writeError(w, err)
		return
	}
	req.Kind = providers.ClassifyRequest(req, rt.rel, body)
	client := extract.DetectClient(r.UserAgent(), req)

	active := p.active.ActiveWorkspace()
	if active == nil {
		p.writeError(w, types.NewError(types.ErrInternal, "no active workspace"))
		return
	}
	pctx := pipeline.NewContext(active.SessionID, pipeline.WorkspaceSnapshot{
		ID:                 active.ID,
		Name:               active.Name,
		CustomInstructions: active.CustomInstructions,
	}, client, p.sessions)

	ctx := ctxkeys.WithClientType(r.Context(), string(client))
	ctx = ctxkeys.WithWorkspace(ctx, active.Name)

	pipe := p.chat
	if req.Kind == types.KindFIM {
		pipe = p.fim
	}
	outcome := pipe.Run(ctx, req, pctx)

	switch {
	case outcome.Err != nil:
		p.recordPrompt(pctx, req, string(rt.upstream))
		p.writeError(w, outcome.Err)
		return
	case outcome.Response != nil:
		// Policy short-circuit: answer locally, no upstream call.
		p.recordPrompt(pctx, req, string(rt.upstream))
		p.serveLocalReply(w, ctx, inbound, req, pctx, outcome.Response)
		return
	}
	req = outcome.Request

	dest, err := p.resolveDestination(r, rt, req, client, active.Name, baseOverride)
	if err != nil {
		p.recordPrompt(pctx, req, string(rt.upstream))
		p.writeError(w, err)
		return
	}
	ctx = ctxkeys.WithProvider(ctx, string(dest.provider))
	pctx.Provider = string(dest.provider)
	pctx.Model = req.Model

	// The audit row stores the redacted form; secrets never reach disk.
	p.recordPrompt(pctx, req, string(dest.provider))

	start := time.Now()
	resp, err := p.callUpstream(ctx, dest, req)
	if err != nil {
		p.recordUpstream(dest, req.Model, err, start, types.Usage{})
		p.writeError(w, err)
		return
	}
	defer resp.Body.Close()

	out := pipeline.NewOutput(p.outputSteps(req), pctx, p.logger, p.collector)
	if req.Stream {
		p.streamResponse(w, ctx, inbound, dest, req, pctx, out, resp)
	} else {
		p.bufferedResponse(w, ctx, inbound, dest, req, pctx, out, resp)
	}
	p.recordUpstream(dest, req.Model, nil, start, out.Context().Usage)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, types.NewErrorf(types.ErrUpstream, "failed to read request body: %v", err).
			WithHTTPStatus(http.StatusBadRequest)
	}
	if len(body) > maxBodyBytes {
		return nil, types.NewError(types.ErrUpstream, "request body too large").
			WithHTTPStatus(http.StatusRequestEntityTooLarge)
	}
	return body, nil
}

// inboundNormalizer picks the codec the client's bytes are parsed and
// answered with. llama.cpp's legacy /completion endpoint speaks its own
// event shape and gets the native codec variant.
func (p *Proxy) inboundNormalizer(rt ingressRoute) providers.Normalizer {
	if rt.native {
		return registry.LlamaCppNative()
	}
	return registry.MustForKind(rt.inbound)
}

// resolveDestination settles where the request goes. Muxed routes
// consult the workspace rule table; direct routes use the configured
// base URL for the prefix's provider, or the intercepted host when the
// request arrived through the TLS proxy.
func (p *Proxy) resolveDestination(r *http.Request, rt ingressRoute, req *types.ChatRequest, client types.ClientType, workspace, baseOverride string) (*destination, error) {
	if rt.muxed {
		return p.resolveMuxed(r, req, client, workspace)
	}

	kind := rt.upstream
	base := baseOverride
	if base == "" {
		base = p.providerURLs[string(kind)]
	}
	if base == "" {
		return nil, types.NewErrorf(types.ErrConfig,
			"no base URL configured for provider %q", kind).
			WithHTTPStatus(http.StatusBadRequest)
	}

	apiKey := inboundAPIKey(r)
	if apiKey == "" && keyRequired(kind) {
		return nil, types.NewErrorf(types.ErrAuth,
			"provider %q requires an API key", kind)
	}

	norm := registry.MustForKind(kind)
	ep := muxing.Endpoint{Kind: kind, BaseURL: base}
	return &destination{
		normalizer: norm,
		url:        muxing.DestinationURL(ep) + norm.CompletionPath(providers.WireKind(req)),
		apiKey:     apiKey,
		provider:   kind,
	}, nil
}

func (p *Proxy) resolveMuxed(r *http.Request, req *types.ChatRequest, client types.ClientType, workspace string) (*destination, error) {
	sub := muxing.NewSubject(req, client)
	route, err := p.muxes.Match(workspace, sub)
	if err != nil {
		if errors.Is(err, muxing.ErrNoRoute) {
			return nil, types.NewErrorf(types.ErrRoute,
				"no mux rule matches the request in workspace %q", workspace)
		}
		return nil, types.NewErrorf(types.ErrInternal, "mux lookup failed: %v", err)
	}
	muxing.ApplyRoute(req, route)
	if p.collector != nil {
		p.collector.RecordMuxMatch(workspace, route.Endpoint.Name)
	}

	apiKey := route.Endpoint.APIKey
	if apiKey == "" {
		apiKey = inboundAPIKey(r)
	}

	norm := registry.MustForKind(route.Endpoint.Kind)
	return &destination{
		normalizer: norm,
		url:        muxing.DestinationURL(route.Endpoint) + norm.CompletionPath(providers.WireKind(req)),
		apiKey:     apiKey,
		provider:   route.Endpoint.Kind,
		endpoint:   route.Endpoint.Name,
	}, nil
}

// callUpstream forwards the request in the destination's dialect.
// Streaming calls inherit only the caller's cancellation; non-streaming
// calls are additionally bounded by the configured timeout.
func (p *Proxy) callUpstream(ctx context.Context, dest *destination, req *types.ChatRequest) (*http.Response, error) {
	payload, err := dest.normalizer.EncodeRequest(req)
	if err != nil {
		return nil, types.NewErrorf(types.ErrInternal, "failed to encode upstream request: %v", err)
	}

	cancel := context.CancelFunc(func() {})
	if !req.Stream {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, types.NewErrorf(types.ErrInternal, "failed to build upstream request: %v", err)
	}
	dest.normalizer.ApplyAuth(httpReq.Header, dest.apiKey)

	if ws, ok := ctxkeys.Workspace(ctx); ok {
		clientType, _ := ctxkeys.ClientType(ctx)
		p.logger.Debug("forwarding to upstream",
			zap.String("workspace", ws),
			zap.String("client", clientType),
			zap.String("provider", string(dest.provider)),
			zap.String("model", req.Model),
		)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, types.NewErrorf(types.ErrUpstream, "upstream call failed: %v", err).
			WithProvider(string(dest.provider))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer cancel()
		defer resp.Body.Close()
		return nil, providers.DecodeError(resp, dest.provider)
	}
	if !req.Stream {
		// The timeout covers the body read; release it when the body is
		// closed by tying the cancel to the response lifecycle.
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

// outputSteps assembles the per-stream response chain: placeholder
// restoration, the one-shot redaction notice, then token accounting.
func (p *Proxy) outputSteps(req *types.ChatRequest) []pipeline.OutputStep {
	return []pipeline.OutputStep{
		pipeline.NewUnredact(),
		pipeline.NewNotifier(p.dashboardURL),
		pipeline.NewUsage(pipeline.PromptText(req), p.logger),
	}
}

// streamResponse pulls upstream chunks through the output pipeline and
// re-encodes them in the client's dialect, flushing per chunk so deltas
// are delivered as they arrive.
func (p *Proxy) streamResponse(w http.ResponseWriter, ctx context.Context, inbound providers.Normalizer, dest *destination, req *types.ChatRequest, pctx *pipeline.Context, out *pipeline.OutputPipeline, resp *http.Response) {
	enc := inbound.NewStreamEncoder(w)
	w.Header().Set("Content-Type", enc.ContentType())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	writeChunks := func(chunks []types.StreamChunk) bool {
		for _, c := range chunks {
			if err := enc.Write(c); err != nil {
				p.logger.Debug("client write failed, dropping stream",
					zap.String("prompt_id", pctx.ID), zap.Error(err))
				return false
			}
		}
		if len(chunks) > 0 && flusher != nil {
			flusher.Flush()
		}
		return true
	}

	dec := dest.normalizer.NewStreamDecoder(resp.Body)
	for {
		chunk, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.logger.Warn("upstream stream broke",
					zap.String("prompt_id", pctx.ID),
					zap.String("provider", string(dest.provider)),
					zap.Error(err))
			}
			break
		}
		if !writeChunks(out.Process(ctx, chunk)) {
			break
		}
	}

	// End of stream: drain buffering steps, then the dialect terminator.
	writeChunks(out.Close(ctx))
	if err := enc.Close(); err == nil && flusher != nil {
		flusher.Flush()
	}

	p.recordOutput(pctx, out)
}

// bufferedResponse handles the non-streaming path. The response text
// still runs through the output steps, folded into a single chunk, so
// unredaction and the notice behave identically to the streamed case.
func (p *Proxy) bufferedResponse(w http.ResponseWriter, ctx context.Context, inbound providers.Normalizer, dest *destination, req *types.ChatRequest, pctx *pipeline.Context, out *pipeline.OutputPipeline, resp *http.Response) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		p.writeError(w, types.NewErrorf(types.ErrUpstream, "failed to read upstream response: %v", err).
			WithProvider(string(dest.provider)))
		return
	}
	decoded, err := dest.normalizer.DecodeResponse(body)
	if err != nil {
		p.writeError(w, err)
		return
	}

	var b bytes.Buffer
	chunks := out.Process(ctx, types.StreamChunk{
		Role:         types.RoleAssistant,
		Content:      decoded.Content,
		FinishReason: decoded.FinishReason,
		Usage:        decoded.Usage,
	})
	chunks = append(chunks, out.Close(ctx)...)
	for _, c := range chunks {
		b.WriteString(c.Content)
	}
	decoded.Content = b.String()
	if decoded.Usage == nil {
		u := out.Context().Usage
		if u.TotalTokens > 0 {
			decoded.Usage = &u
		}
	}

	payload, err := inbound.EncodeResponse(decoded)
	if err != nil {
		p.writeError(w, types.NewErrorf(types.ErrInternal, "failed to encode response: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)

	p.recordOutput(pctx, out)
}

// serveLocalReply answers the client from a pipeline-synthesized
// response, in the stream shape the client asked for.
func (p *Proxy) serveLocalReply(w http.ResponseWriter, ctx context.Context, inbound providers.Normalizer, req *types.ChatRequest, pctx *pipeline.Context, resp *types.ChatResponse) {
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if resp.FinishReason == "" {
		resp.FinishReason = "stop"
	}

	if req.Stream {
		enc := inbound.NewStreamEncoder(w)
		w.Header().Set("Content-Type", enc.ContentType())
		w.WriteHeader(http.StatusOK)
		_ = enc.Write(types.StreamChunk{
			ID:      resp.ID,
			Model:   resp.Model,
			Role:    types.RoleAssistant,
			Content: resp.Content,
		})
		_ = enc.Write(types.StreamChunk{
			ID:           resp.ID,
			Model:        resp.Model,
			FinishReason: resp.FinishReason,
		})
		_ = enc.Close()
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	} else {
		payload, err := inbound.EncodeResponse(resp)
		if err != nil {
			p.writeError(w, types.NewErrorf(types.ErrInternal, "failed to encode response: %v", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}

	if p.recorder != nil {
		p.recorder.RecordOutput(db.Output{
			PromptID: pctx.ID,
			Output:   mustJSON(resp),
		})
	}
	_ = ctx
}

// recordPrompt queues the audit row for the (already redacted) request
// together with every alert the steps raised.
func (p *Proxy) recordPrompt(pctx *pipeline.Context, req *types.ChatRequest, provider string) {
	if p.recorder == nil {
		return
	}
	alerts := pctx.Alerts()
	rows := make([]db.Alert, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, db.Alert{
			ID:              a.ID,
			PromptID:        pctx.ID,
			CodeSnippet:     a.CodeSnippet,
			TriggerString:   a.TriggerString,
			TriggerType:     a.TriggerType,
			TriggerCategory: a.Category,
			Timestamp:       a.Timestamp,
		})
		if p.collector != nil {
			p.collector.RecordAlert(a.TriggerType, a.Category)
		}
	}
	p.recorder.RecordRequest(db.Prompt{
		ID:          pctx.ID,
		Provider:    provider,
		Request:     mustJSON(req),
		Kind:        string(req.Kind),
		WorkspaceID: pctx.Workspace.ID,
	}, rows)
}

func (p *Proxy) recordOutput(pctx *pipeline.Context, out *pipeline.OutputPipeline) {
	if p.recorder == nil {
		return
	}
	octx := out.Context()
	row := db.Output{
		PromptID: pctx.ID,
		Output:   mustJSON(map[string]string{"content": octx.Content()}),
	}
	if u := octx.Usage; u.TotalTokens > 0 {
		prompt, completion := u.PromptTokens, u.CompletionTokens
		row.PromptTokens = &prompt
		row.CompletionTokens = &completion
	}
	p.recorder.RecordOutput(row)
}

func (p *Proxy) recordUpstream(dest *destination, model string, err error, start time.Time, usage types.Usage) {
	if p.collector == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.collector.RecordUpstreamRequest(string(dest.provider), model, status,
		time.Since(start), usage.PromptTokens, usage.CompletionTokens)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
