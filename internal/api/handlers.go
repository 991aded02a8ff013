package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kirobridge/kirobridge/internal/apierr"
	"github.com/kirobridge/kirobridge/internal/eventstream"
	"github.com/kirobridge/kirobridge/internal/httpclient"
	"github.com/kirobridge/kirobridge/internal/logging"
	"github.com/kirobridge/kirobridge/internal/metrics"
	"github.com/kirobridge/kirobridge/internal/translator/kiro"
)

// maxRequestBody caps client request bodies.
const maxRequestBody = 64 << 20

const (
	dialectOpenAI = "openai"
	dialectClaude = "claude"
)

func (s *Server) handleChatCompletions(c *gin.Context) {
	s.handleChat(c, dialectOpenAI)
}

func (s *Server) handleClaudeMessages(c *gin.Context) {
	s.handleChat(c, dialectClaude)
}

// handleChat is the shared completion pipeline: parse, resolve, build the
// upstream payload, then stream or aggregate the answer back in the caller's
// dialect.
func (s *Server) handleChat(c *gin.Context, dialect string) {
	capture := s.beginCapture()
	defer capture.Close()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		s.respondError(c, capture, apierr.Validation("failed to read request body: %v", err))
		return
	}
	capture.Record("request.json", body)

	var unified *kiro.UnifiedRequest
	if dialect == dialectOpenAI {
		unified, err = kiro.ParseOpenAIRequest(body)
	} else {
		unified, err = kiro.ParseClaudeRequest(body)
	}
	if err != nil {
		s.respondError(c, capture, err)
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		s.respondError(c, capture, apierr.Validation("model is required"))
		return
	}
	s.maybeRefreshCatalog(c)
	resolution := s.models.Resolve(model)
	if !resolution.IsVerified {
		log.Debugf("model %q resolved by passthrough as %q", model, resolution.InternalID)
	}

	payload, err := kiro.BuildKiroPayload(unified, kiro.BuildOptions{
		ModelID:                  resolution.InternalID,
		ConversationID:           uuid.NewString(),
		ProfileArn:               s.auth.GetProfileArn(),
		FakeReasoning:            s.cfg.FakeReasoning,
		ToolDescriptionMaxLength: s.cfg.ToolDescriptionMaxLength,
	})
	if err != nil {
		s.respondError(c, capture, err)
		return
	}
	capture.Record("upstream_request.json", payload)

	resp, err := s.upstream.Send(c.Request.Context(), payload)
	if err != nil {
		s.respondError(c, capture, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	opts := kiro.StreamOptions{
		Model:        model,
		Created:      time.Now().Unix(),
		ThinkingMode: s.cfg.FakeReasoningHandling,
		PromptTokens: int64(s.estimatePromptTokens(model, dialect, body)),
	}
	if dialect == dialectOpenAI {
		opts.MessageID = "chatcmpl-" + uuid.NewString()
	} else {
		opts.MessageID = "msg_" + uuid.NewString()
	}

	events := readEvents(c.Request.Context(), eventstream.NewDecoder(resp.Body))

	if unified.Stream {
		s.streamResponse(c, capture, dialect, opts, events)
	} else {
		s.aggregateResponse(c, capture, dialect, opts, events)
	}
}

// eventOrErr is one decoder result handed across the reader goroutine.
type eventOrErr struct {
	event eventstream.Event
	err   error
}

// readEvents decodes the upstream body on its own goroutine so the handler
// can race the first event against the first-token timeout. The goroutine
// exits once the request context ends, so an abandoned stream never leaks.
func readEvents(ctx context.Context, dec *eventstream.Decoder) <-chan eventOrErr {
	ch := make(chan eventOrErr)
	go func() {
		defer close(ch)
		for {
			ev, err := dec.Next()
			select {
			case ch <- eventOrErr{event: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// streamResponse relays decoded events as SSE in the caller's dialect.
func (s *Server) streamResponse(c *gin.Context, capture *logging.Capture, dialect string, opts kiro.StreamOptions, events <-chan eventOrErr) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	var push func(eventstream.Event) [][]byte
	var finish func() [][]byte
	var outputTokens func() int64
	if dialect == dialectOpenAI {
		b := kiro.NewOpenAIStreamBuilder(opts)
		push, finish, outputTokens = b.Push, b.Finish, b.OutputTokens
	} else {
		b := kiro.NewClaudeStreamBuilder(opts)
		push, finish, outputTokens = b.Push, b.Finish, b.OutputTokens
	}

	write := func(frames [][]byte) bool {
		for _, frame := range frames {
			if _, err := c.Writer.Write(frame); err != nil {
				log.Debugf("client disconnected mid-stream: %v", err)
				return false
			}
			capture.Append("response.sse", frame)
		}
		if len(frames) > 0 {
			c.Writer.Flush()
		}
		return true
	}

	defer func() {
		metrics.RecordTokens(opts.Model, opts.PromptTokens, outputTokens())
	}()

	firstTimer := time.NewTimer(s.cfg.FirstTokenTimeout)
	defer firstTimer.Stop()

	first := true
	for {
		var res eventOrErr
		var ok bool
		if first {
			select {
			case res, ok = <-events:
			case <-firstTimer.C:
				s.writeStreamError(c, capture, dialect, apierr.Upstream(http.StatusGatewayTimeout, "upstream produced no output before the first-token timeout"))
				return
			case <-c.Request.Context().Done():
				return
			}
			first = false
		} else {
			select {
			case res, ok = <-events:
			case <-c.Request.Context().Done():
				return
			}
		}

		if !ok || errors.Is(res.err, io.EOF) {
			write(finish())
			if dialect == dialectOpenAI {
				write([][]byte{[]byte("data: [DONE]\n\n")})
			}
			return
		}
		if res.err != nil {
			s.writeStreamError(c, capture, dialect, apierr.From(fmt.Errorf("upstream stream failed: %w", res.err)))
			return
		}
		if !write(push(res.event)) {
			return
		}
	}
}

// writeStreamError emits a terminal error frame on an already-started SSE
// response. The HTTP status is long gone, so the error travels in-band.
func (s *Server) writeStreamError(c *gin.Context, capture *logging.Capture, dialect string, apiErr *apierr.Error) {
	capture.Fail(apiErr)
	var frame []byte
	if dialect == dialectOpenAI {
		frame = kiro.BuildOpenAIErrorFrame(apiErr.Message, apiErr.Type)
	} else {
		frame = kiro.BuildClaudeErrorFrame(apiErr.Message, apiErr.Type)
	}
	if _, err := c.Writer.Write(frame); err == nil {
		c.Writer.Flush()
	}
}

// aggregateResponse collects the whole stream and answers with one JSON body.
func (s *Server) aggregateResponse(c *gin.Context, capture *logging.Capture, dialect string, opts kiro.StreamOptions, events <-chan eventOrErr) {
	var add func(eventstream.Event)
	var build func() map[string]any
	var outputTokens func() int64
	if dialect == dialectOpenAI {
		a := kiro.NewOpenAIAggregator(opts)
		add, build, outputTokens = a.Add, a.Build, a.OutputTokens
	} else {
		a := kiro.NewClaudeAggregator(opts)
		add, build, outputTokens = a.Add, a.Build, a.OutputTokens
	}

	firstTimer := time.NewTimer(s.cfg.FirstTokenTimeout)
	defer firstTimer.Stop()

	first := true
	for {
		var res eventOrErr
		var ok bool
		if first {
			select {
			case res, ok = <-events:
			case <-firstTimer.C:
				s.respondError(c, capture, apierr.Upstream(http.StatusGatewayTimeout, "upstream produced no output before the first-token timeout"))
				return
			case <-c.Request.Context().Done():
				return
			}
			first = false
		} else {
			select {
			case res, ok = <-events:
			case <-c.Request.Context().Done():
				return
			}
		}

		if !ok || errors.Is(res.err, io.EOF) {
			break
		}
		if res.err != nil {
			s.respondError(c, capture, fmt.Errorf("upstream stream failed: %w", res.err))
			return
		}
		add(res.event)
	}

	response := build()
	metrics.RecordTokens(opts.Model, opts.PromptTokens, outputTokens())
	if data, err := json.Marshal(response); err == nil {
		capture.Record("response.json", data)
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleCountTokens(c *gin.Context) {
	capture := s.beginCapture()
	defer capture.Close()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		s.respondError(c, capture, apierr.Validation("failed to read request body: %v", err))
		return
	}
	capture.Record("request.json", body)

	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		s.respondError(c, capture, apierr.Validation("messages must be a non-empty array"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"input_tokens": s.counter.CountAnthropicRequest(body)})
}

func (s *Server) handleListModels(c *gin.Context) {
	s.maybeRefreshCatalog(c)

	models := s.models.List()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":       m.ModelID,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "anthropic",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// maybeRefreshCatalog reloads the model catalog when the snapshot has
// expired. Failures keep the stale snapshot; resolution falls back to
// passthrough for unknown names.
func (s *Server) maybeRefreshCatalog(c *gin.Context) {
	if !s.models.Stale() || s.catalog == nil {
		return
	}
	if err := s.models.LoadCatalog(c.Request.Context(), s.catalog, s.auth, s.cfg.Region); err != nil {
		log.Warnf("model catalog refresh failed, keeping stale snapshot: %v", err)
	}
}

// estimatePromptTokens produces the local input-token estimate used when the
// upstream never reports usage.
func (s *Server) estimatePromptTokens(model, dialect string, body []byte) int {
	if dialect == dialectClaude {
		return s.counter.CountAnthropicRequest(body)
	}
	total := 0
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type == gjson.String {
			total += s.counter.CountText(model, content.String())
		} else {
			content.ForEach(func(_, part gjson.Result) bool {
				total += s.counter.CountText(model, part.Get("text").String())
				return true
			})
		}
		return true
	})
	return total
}

func (s *Server) beginCapture() *logging.Capture {
	if s.dumper == nil {
		return nil
	}
	return s.dumper.Begin()
}

// respondError renders any pipeline failure through the shared taxonomy.
func (s *Server) respondError(c *gin.Context, capture *logging.Capture, err error) {
	apiErr := coerceError(err)
	capture.Fail(apiErr)
	if apiErr.StatusCode() >= 500 {
		log.Errorf("request failed: %v", apiErr)
	} else {
		log.Debugf("request rejected: %v", apiErr)
	}
	c.JSON(apiErr.StatusCode(), apiErr.Body())
}

// coerceError maps lower-layer error types onto the client-facing taxonomy.
func coerceError(err error) *apierr.Error {
	var validationErr *kiro.ValidationError
	if errors.As(err, &validationErr) {
		return apierr.Validation("%s", validationErr.Message)
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		return apierr.Upstream(statusErr.Code, statusErr.Error())
	}
	return apierr.From(err)
}
