package providers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/stacklok/codegate/types"
)

// SSEReader scans one server-sent-event stream field by field. It
// tolerates the framing variants the provider APIs actually emit:
// optional space after the colon, CRLF line ends, multi-line data
// fields and comment lines.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps r. The buffer allows single events up to 1 MiB,
// which covers the largest tool-call argument payloads seen in the
// wild.
func NewSSEReader(r io.Reader) *SSEReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEReader{scanner: sc}
}

// SSEEvent is one parsed event.
type SSEEvent struct {
	Name string
	Data string
}

// Next returns the next event with a non-empty data field, or io.EOF.
func (r *SSEReader) Next() (SSEEvent, error) {
	var ev SSEEvent
	var data []string
	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if line == "" {
			if len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev.Name = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := r.scanner.Err(); err != nil {
		return SSEEvent{}, err
	}
	if len(data) > 0 {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return SSEEvent{}, io.EOF
}

// SSEWriter emits server-sent events, flushing after each one so
// deltas reach the client as they are produced.
type SSEWriter struct {
	w io.Writer
}

// NewSSEWriter wraps w.
func NewSSEWriter(w io.Writer) *SSEWriter {
	return &SSEWriter{w: w}
}

// WriteData emits a data-only event.
func (w *SSEWriter) WriteData(payload []byte) error {
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.flush()
	return nil
}

// WriteEvent emits a named event.
func (w *SSEWriter) WriteEvent(name string, payload []byte) error {
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	w.flush()
	return nil
}

// WriteDone emits the OpenAI-dialect terminator.
func (w *SSEWriter) WriteDone() error {
	if _, err := io.WriteString(w.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	w.flush()
	return nil
}

func (w *SSEWriter) flush() {
	if f, ok := w.w.(http.Flusher); ok {
		f.Flush()
	}
}

// ReadErrorMessage extracts a human-readable message from an upstream
// error body. Providers wrap errors in slightly different envelopes;
// the raw body is the fallback.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil {
		return "failed to read error response"
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		switch {
		case envelope.Error.Message != "" && envelope.Error.Type != "":
			return fmt.Sprintf("%s (type: %s)", envelope.Error.Message, envelope.Error.Type)
		case envelope.Error.Message != "":
			return envelope.Error.Message
		case envelope.Message != "":
			return envelope.Message
		case envelope.Detail != "":
			return envelope.Detail
		}
	}
	return strings.TrimSpace(string(data))
}

// MapUpstreamError maps an upstream HTTP status to the normalized
// error vocabulary. 400s carrying quota or credit wording are billing
// failures, not request bugs, and keep the upstream code so clients
// surface them verbatim.
func MapUpstreamError(status int, msg string, provider types.ProviderKind) *types.Error {
	name := string(provider)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewError(types.ErrAuth, msg).
			WithHTTPStatus(status).WithProvider(name)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrUpstream, msg).
			WithHTTPStatus(status).WithProvider(name)
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") {
			return types.NewError(types.ErrUpstream, msg).
				WithHTTPStatus(status).WithProvider(name)
		}
		return types.NewErrorf(types.ErrUpstream, "upstream rejected request: %s", msg).
			WithHTTPStatus(status).WithProvider(name)
	case 529: // overloaded, anthropic-specific
		return types.NewError(types.ErrUpstream, msg).
			WithHTTPStatus(http.StatusServiceUnavailable).WithProvider(name)
	default:
		return types.NewError(types.ErrUpstream, msg).
			WithHTTPStatus(status).WithProvider(name)
	}
}

// DecodeError turns a non-2xx upstream response into a normalized
// error, consuming the body.
func DecodeError(resp *http.Response, provider types.ProviderKind) *types.Error {
	return MapUpstreamError(resp.StatusCode, ReadErrorMessage(resp.Body), provider)
}
