package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kirobridge/kirobridge/internal/config"
	"github.com/kirobridge/kirobridge/internal/httpclient"
	"github.com/kirobridge/kirobridge/internal/registry"
	"github.com/kirobridge/kirobridge/internal/tokenizer"
)

const testAPIKey = "test-secret"

// frame wraps a JSON payload in upstream event-stream framing. CRC fields are
// filler; the decoder does not verify them.
func frame(payload string) []byte {
	total := 12 + len(payload) + 4
	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint32(buf, uint32(total))
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, 0xdeadbeef)
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, 0xcafebabe)
	return buf
}

func frames(payloads ...string) []byte {
	var buf bytes.Buffer
	for _, p := range payloads {
		buf.Write(frame(p))
	}
	return buf.Bytes()
}

type fakeForwarder struct {
	body     io.Reader
	err      error
	payloads [][]byte
}

func (f *fakeForwarder) Send(ctx context.Context, payload []byte) (*http.Response, error) {
	f.payloads = append(f.payloads, payload)
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(f.body),
	}, nil
}

type fakeAuth struct{}

func (fakeAuth) GetAccessToken(ctx context.Context) (string, error) { return "token", nil }
func (fakeAuth) GetProfileArn() string                              { return "arn:aws:test:profile" }

func newTestServer(t *testing.T, upstream Forwarder) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.ProxyAPIKey = testAPIKey
	cfg.CredentialDBFile = "unused"
	cfg.FirstTokenTimeout = 2 * time.Second

	counter, err := tokenizer.New()
	require.NoError(t, err)

	return New(Options{
		Config:   cfg,
		Auth:     fakeAuth{},
		Upstream: upstream,
		Models:   registry.NewCache(),
		Counter:  counter,
	})
}

func doRequest(s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("x-api-key", testAPIKey)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRootStatus(t *testing.T) {
	s := newTestServer(t, &fakeForwarder{})
	rec := doRequest(s, http.MethodGet, "/", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "ok", gjson.Get(body, "status").String())
	assert.NotEmpty(t, gjson.Get(body, "message").String())
	assert.Equal(t, "dev", gjson.Get(body, "version").String())
}

func TestHealthIsOpen(t *testing.T) {
	s := newTestServer(t, &fakeForwarder{})
	rec := doRequest(s, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "healthy", gjson.Get(body, "status").String())
	assert.Equal(t, "dev", gjson.Get(body, "version").String())
	ts := gjson.Get(body, "timestamp").String()
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("timestamp %q is not RFC 3339: %v", ts, err)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, &fakeForwarder{})

	rec := doRequest(s, http.MethodGet, "/v1/models", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	out := httptest.NewRecorder()
	s.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "wrong")
	out = httptest.NewRecorder()
	s.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestListModels(t *testing.T) {
	s := newTestServer(t, &fakeForwarder{})
	rec := doRequest(s, http.MethodGet, "/v1/models", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "list", gjson.Get(body, "object").String())
	ids := make([]string, 0)
	for _, m := range gjson.Get(body, "data").Array() {
		assert.Equal(t, "model", m.Get("object").String())
		assert.Equal(t, "anthropic", m.Get("owned_by").String())
		ids = append(ids, m.Get("id").String())
	}
	assert.Contains(t, ids, "claude-sonnet-4.5")
}

func TestCountTokens(t *testing.T) {
	s := newTestServer(t, &fakeForwarder{})
	body := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"Hello there"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/messages/count_tokens", body, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, gjson.Get(rec.Body.String(), "input_tokens").Int(), int64(0))
}

func TestCountTokensRejectsEmptyMessages(t *testing.T) {
	s := newTestServer(t, &fakeForwarder{})
	rec := doRequest(s, http.MethodPost, "/v1/messages/count_tokens", `{"messages":[]}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestClaudeNonStreaming(t *testing.T) {
	upstream := &fakeForwarder{body: bytes.NewReader(frames(
		`{"content":"Hello "}`,
		`{"content":"world"}`,
		`{"usage":{"inputTokens":9,"outputTokens":4}}`,
	))}
	s := newTestServer(t, upstream)

	req := `{"model":"claude-sonnet-4-5","max_tokens":128,"messages":[{"role":"user","content":"hi"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/messages", req, true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "message", gjson.Get(body, "type").String())
	assert.Equal(t, "Hello world", gjson.Get(body, "content.0.text").String())
	assert.Equal(t, "end_turn", gjson.Get(body, "stop_reason").String())
	assert.Equal(t, int64(9), gjson.Get(body, "usage.input_tokens").Int())
	assert.Equal(t, int64(4), gjson.Get(body, "usage.output_tokens").Int())

	// The alias resolves to the internal upstream model identifier.
	require.Len(t, upstream.payloads, 1)
	sent := string(upstream.payloads[0])
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0",
		gjson.Get(sent, "conversationState.currentMessage.userInputMessage.modelId").String())
	assert.Equal(t, "arn:aws:test:profile", gjson.Get(sent, "profileArn").String())
}

func TestOpenAINonStreaming(t *testing.T) {
	upstream := &fakeForwarder{body: bytes.NewReader(frames(
		`{"content":"Hi!"}`,
		`{"usage":{"inputTokens":3,"outputTokens":1}}`,
	))}
	s := newTestServer(t, upstream)

	req := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/chat/completions", req, true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "chat.completion", gjson.Get(body, "object").String())
	assert.Equal(t, "Hi!", gjson.Get(body, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(body, "choices.0.finish_reason").String())
	assert.Equal(t, int64(4), gjson.Get(body, "usage.total_tokens").Int())
}

func TestOpenAIStreaming(t *testing.T) {
	upstream := &fakeForwarder{body: bytes.NewReader(frames(
		`{"content":"Hi"}`,
		`{"usage":{"inputTokens":3,"outputTokens":1}}`,
	))}
	s := newTestServer(t, upstream)

	req := `{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/chat/completions", req, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	body := rec.Body.String()
	assert.Contains(t, body, `"object":"chat.completion.chunk"`)
	assert.Contains(t, body, `"content":"Hi"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestClaudeStreaming(t *testing.T) {
	upstream := &fakeForwarder{body: bytes.NewReader(frames(
		`{"content":"Hello"}`,
	))}
	s := newTestServer(t, upstream)

	req := `{"model":"claude-sonnet-4-5","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/messages", req, true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, event := range []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: message_delta",
		"event: message_stop",
	} {
		assert.Contains(t, body, event)
	}
}

func TestValidationErrors(t *testing.T) {
	s := newTestServer(t, &fakeForwarder{})
	cases := map[string]string{
		"missing messages": `{"model":"m"}`,
		"empty messages":   `{"model":"m","messages":[]}`,
		"missing model":    `{"messages":[{"role":"user","content":"hi"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := doRequest(s, http.MethodPost, "/v1/chat/completions", body, true)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestUpstreamStatusMapped(t *testing.T) {
	upstream := &fakeForwarder{err: &httpclient.StatusError{Code: http.StatusTooManyRequests, Body: "slow down"}}
	s := newTestServer(t, upstream)

	req := `{"model":"claude-sonnet-4-5","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/messages", req, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "kiro_api_error", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestFirstTokenTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	upstream := &fakeForwarder{body: pr}
	s := newTestServer(t, upstream)
	s.cfg.FirstTokenTimeout = 50 * time.Millisecond

	req := `{"model":"claude-sonnet-4-5","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/messages", req, true)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestMeteringEventsIgnored(t *testing.T) {
	upstream := &fakeForwarder{body: bytes.NewReader(frames(
		`{"content":"Real answer"}`,
		`{"unit":"credit","unitPlural":"credits","usage":0.57}`,
	))}
	s := newTestServer(t, upstream)

	req := `{"model":"claude-sonnet-4-5","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`
	rec := doRequest(s, http.MethodPost, "/v1/messages", req, true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "Real answer", gjson.Get(body, "content.0.text").String())
	assert.NotContains(t, body, "credits")
}
