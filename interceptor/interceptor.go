// Package interceptor serves the HTTPS proxy port. Clients reach it two
// ways: as a regular CONNECT proxy, or dialed directly with the real
// provider's hostname spoofed over DNS/hosts — Copilot does the latter,
// which is why the port also accepts raw TLS. Connections to known
// provider hosts are TLS-terminated with a CA-signed leaf for the SNI
// and their plaintext driven through the gateway pipeline; everything
// else is spliced through untouched.
package interceptor

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/stacklok/codegate/ca"
	"github.com/stacklok/codegate/internal/metrics"
	"github.com/stacklok/codegate/internal/tlsutil"
	"github.com/stacklok/codegate/types"
)

// CompletionGateway drives an intercepted plaintext completion request
// through the request/response pipeline. gateway.Proxy satisfies it.
type CompletionGateway interface {
	ServeIntercepted(w http.ResponseWriter, r *http.Request, kind types.ProviderKind, rel, baseURL string)
}

// hostKinds maps provider hostnames to the dialect they speak.
// Connections to any other host are tunneled without interception.
var hostKinds = map[string]types.ProviderKind{
	"api.githubcopilot.com":               types.ProviderCopilot,
	"copilot-proxy.githubusercontent.com": types.ProviderCopilot,
	"proxy.individual.githubcopilot.com":  types.ProviderCopilot,
	"proxy.business.githubcopilot.com":    types.ProviderCopilot,
	"proxy.enterprise.githubcopilot.com":  types.ProviderCopilot,
	"api.openai.com":                      types.ProviderOpenAI,
	"api.anthropic.com":                   types.ProviderAnthropic,
	"openrouter.ai":                       types.ProviderOpenRouter,
}

// completionSuffixes are the path shapes inspected traffic is pulled
// into the pipeline for. Everything else on an intercepted host (auth,
// telemetry, model listings) is relayed verbatim.
var completionSuffixes = []string{
	"/chat/completions",
	"/completions",
	"/messages",
	"/api/generate",
}

// Config tunes the interceptor.
type Config struct {
	// DialTimeout bounds the TCP dial of tunneled connections.
	DialTimeout time.Duration
}

// Interceptor owns the proxy-port listener loop.
type Interceptor struct {
	authority *ca.Authority
	gateway   CompletionGateway
	transport http.RoundTripper
	dialTO    time.Duration

	logger    *zap.Logger
	collector *metrics.Collector

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New assembles the interceptor. collector may be nil.
func New(authority *ca.Authority, gateway CompletionGateway, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Interceptor {
	dialTO := cfg.DialTimeout
	if dialTO <= 0 {
		dialTO = 20 * time.Second
	}
	return &Interceptor{
		authority: authority,
		gateway:   gateway,
		transport: tlsutil.SecureTransport(),
		dialTO:    dialTO,
		logger:    logger.With(zap.String("component", "interceptor")),
		collector: collector,
	}
}

// Serve accepts connections until the listener closes. Each connection
// is sniffed: a TLS record means an SNI-spoofed direct dial, anything
// else is treated as proxy-style HTTP (CONNECT or plain).
func (i *Interceptor) Serve(ln net.Listener) error {
	i.mu.Lock()
	i.ln = ln
	i.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			i.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight connections up to
// the context deadline.
func (i *Interceptor) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	if i.ln != nil {
		_ = i.ln.Close()
	}
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Interceptor) handleConn(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		return
	}
	buffered := &bufferedConn{Conn: conn, r: br}

	// 0x16 is the TLS handshake record type: the client dialed us as if
	// we were the provider itself.
	if first[0] == 0x16 {
		i.handleRawTLS(buffered)
		return
	}

	// Proxy-style HTTP: serve exactly this one connection.
	srv := &http.Server{
		Handler:           i,
		ReadHeaderTimeout: 10 * time.Second,
	}
	_ = srv.Serve(newSingleConnListener(buffered))
}

// ServeHTTP dispatches proxy requests: CONNECT opens a tunnel (MITM'd
// for known provider hosts), plain requests are relayed by Host.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		i.handleConnect(w, r)
		return
	}
	i.bridge(w, r, r.Host)
}

func (i *Interceptor) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	clientConn, rw, err := hijacker.Hijack()
	if err != nil {
		i.logger.Warn("hijack failed", zap.String("target", target), zap.Error(err))
		return
	}
	defer clientConn.Close()
	if buffered := rw.Reader.Buffered(); buffered > 0 {
		clientConn = &bufferedConn{Conn: clientConn, r: rw.Reader}
	}

	host := stripPort(target)
	if _, intercept := hostKinds[host]; intercept {
		i.terminateTLS(clientConn, host)
		return
	}
	i.tunnel(clientConn, target)
}

// handleRawTLS serves a connection that is already speaking TLS at us.
// The ClientHello names the host the client thinks it reached.
func (i *Interceptor) handleRawTLS(conn net.Conn) {
	sni, replay, err := PeekClientHello(conn)
	if err != nil {
		i.logger.Debug("failed to read ClientHello", zap.Error(err))
		return
	}
	if _, intercept := hostKinds[sni]; !intercept {
		// Not a provider we inspect; splice the raw TLS bytes to the
		// real host so the client still works.
		i.tunnel(replay, net.JoinHostPort(sni, "443"))
		return
	}
	i.terminateTLS(replay, sni)
}

// terminateTLS completes the spoofed handshake with a CA-signed leaf
// and serves the decrypted HTTP traffic through the bridge.
func (i *Interceptor) terminateTLS(conn net.Conn, host string) {
	i.record("mitm")
	tlsConn := tls.Server(conn, i.authority.TLSConfigFor(host))
	if err := tlsConn.Handshake(); err != nil {
		i.logger.Debug("TLS handshake failed",
			zap.String("host", host), zap.Error(err))
		return
	}
	defer tlsConn.Close()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i.bridge(w, r, host)
	})

	if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		h2 := &http2.Server{IdleTimeout: 90 * time.Second}
		h2.ServeConn(tlsConn, &http2.ServeConnOpts{Handler: handler})
		return
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	_ = srv.Serve(newSingleConnListener(tlsConn))
}

// bridge routes one plaintext request: completion paths on provider
// hosts enter the pipeline, everything else is relayed to the real
// upstream so auth and telemetry endpoints keep working.
func (i *Interceptor) bridge(w http.ResponseWriter, r *http.Request, host string) {
	bare := stripPort(host)
	kind, known := hostKinds[bare]
	if known && r.Method == http.MethodPost && isCompletionPath(r.URL.Path) {
		i.logger.Debug("intercepted completion",
			zap.String("host", bare),
			zap.String("path", r.URL.Path),
			zap.String("provider", string(kind)))
		i.gateway.ServeIntercepted(w, r, kind, r.URL.Path, "https://"+bare)
		return
	}
	i.passthrough(w, r, bare)
}

// passthrough relays the request to the real host over TLS.
func (i *Interceptor) passthrough(w http.ResponseWriter, r *http.Request, host string) {
	i.record("relay")
	out := r.Clone(r.Context())
	out.URL.Scheme = "https"
	out.URL.Host = host
	out.Host = host
	out.RequestURI = ""

	resp, err := i.transport.RoundTrip(out)
	if err != nil {
		i.logger.Warn("passthrough failed",
			zap.String("host", host), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// tunnel splices raw bytes between the client and the dialed target.
func (i *Interceptor) tunnel(clientConn net.Conn, target string) {
	i.record("tunnel")
	if !strings.Contains(target, ":") {
		target += ":443"
	}
	destConn, err := net.DialTimeout("tcp", target, i.dialTO)
	if err != nil {
		i.logger.Warn("tunnel dial failed",
			zap.String("target", target), zap.Error(err))
		return
	}
	defer destConn.Close()

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(destConn, clientConn); done <- struct{}{} }()
	go func() { _, _ = io.Copy(clientConn, destConn); done <- struct{}{} }()
	<-done
}

func (i *Interceptor) record(outcome string) {
	if i.collector != nil {
		i.collector.RecordInterceptedConn(outcome)
	}
}

func isCompletionPath(path string) bool {
	for _, suffix := range completionSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// bufferedConn replays bytes a sniffer already pulled into a reader.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// singleConnListener adapts one connection to net.Listener so a stock
// http.Server can serve it.
type singleConnListener struct {
	conn net.Conn
	once sync.Once
	ch   chan net.Conn
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	l := &singleConnListener{conn: conn, ch: make(chan net.Conn, 1)}
	l.ch <- conn
	return l
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	conn, ok := <-l.ch
	if !ok || conn == nil {
		return nil, net.ErrClosed
	}
	return conn, nil
}

func (l *singleConnListener) Close() error {
	l.once.Do(func() { close(l.ch) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
