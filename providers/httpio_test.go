package providers

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/codegate/types"
)

func readAllEvents(t *testing.T, raw string) []SSEEvent {
	t.Helper()
	r := NewSSEReader(strings.NewReader(raw))
	var events []SSEEvent
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestSSEReader_FramingVariants(t *testing.T) {
	raw := "data: {\"a\":1}\n\n" + // space after colon
		"data:{\"b\":2}\r\n\r\n" + // no space, CRLF
		": keepalive comment\n\n" +
		"event: message_delta\ndata: {\"c\":3}\n\n"

	events := readAllEvents(t, raw)
	require.Len(t, events, 3)
	assert.Equal(t, `{"a":1}`, events[0].Data)
	assert.Equal(t, `{"b":2}`, events[1].Data)
	assert.Equal(t, "message_delta", events[2].Name)
	assert.Equal(t, `{"c":3}`, events[2].Data)
}

func TestSSEReader_MultiLineData(t *testing.T) {
	raw := "data: line one\ndata: line two\n\n"
	events := readAllEvents(t, raw)
	require.Len(t, events, 1)
	assert.Equal(t, "line one\nline two", events[0].Data)
}

func TestSSEReader_TrailingEventWithoutBlankLine(t *testing.T) {
	events := readAllEvents(t, "data: tail")
	require.Len(t, events, 1)
	assert.Equal(t, "tail", events[0].Data)
}

func TestSSEWriter_Shapes(t *testing.T) {
	var sb strings.Builder
	w := NewSSEWriter(&sb)

	require.NoError(t, w.WriteData([]byte(`{"x":1}`)))
	require.NoError(t, w.WriteEvent("message_stop", []byte(`{}`)))
	require.NoError(t, w.WriteDone())

	assert.Equal(t,
		"data: {\"x\":1}\n\n"+
			"event: message_stop\ndata: {}\n\n"+
			"data: [DONE]\n\n",
		sb.String())
}

func TestSSERoundTrip(t *testing.T) {
	var sb strings.Builder
	w := NewSSEWriter(&sb)
	require.NoError(t, w.WriteData([]byte(`{"seq":1}`)))
	require.NoError(t, w.WriteData([]byte(`{"seq":2}`)))

	events := readAllEvents(t, sb.String())
	require.Len(t, events, 2)
	assert.Equal(t, `{"seq":1}`, events[0].Data)
	assert.Equal(t, `{"seq":2}`, events[1].Data)
}

func TestReadErrorMessage_Envelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		// ---
		{"openai envelope with type", `{"error":{"message":"bad key","type":"invalid_request_error"}}`, "bad key (type: invalid_request_error)"},
		// ---
		{"openai envelope bare", `{"error":{"message":"bad key"}}`, "bad key"},
		// ---
		{"flat message", `{"message":"nope"}`, "nope"},
		// ---
		{"detail field", `{"detail":"not found"}`, "not found"},
		// ---
		{"raw text fallback", `upstream exploded`, "upstream exploded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReadErrorMessage(strings.NewReader(tt.body))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMapUpstreamError(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		msg        string
		wantCode   types.ErrorCode
		wantStatus int
	}{
		// ---
		{"401 is auth", http.StatusUnauthorized, "invalid key", types.ErrAuth, 401},
		// ---
		{"403 is auth", http.StatusForbidden, "denied", types.ErrAuth, 403},
		// ---
		{"429 keeps status", http.StatusTooManyRequests, "slow down", types.ErrUpstream, 429},
		// ---
		{"400 quota wording", http.StatusBadRequest, "You exceeded your current quota", types.ErrUpstream, 400},
		// ---
		{"400 credit wording", http.StatusBadRequest, "insufficient credit balance", types.ErrUpstream, 400},
		// ---
		{"plain 400", http.StatusBadRequest, "missing model", types.ErrUpstream, 400},
		// ---
		{"529 overload becomes 503", 529, "overloaded", types.ErrUpstream, 503},
		// ---
		{"502 passthrough", http.StatusBadGateway, "bad gateway", types.ErrUpstream, 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapUpstreamError(tt.status, tt.msg, types.ProviderOpenAI)
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, tt.wantStatus, err.HTTPStatus)
			assert.Equal(t, "openai", err.Provider)
			assert.Contains(t, err.Message, tt.msg[:4])
		})
	}
}
