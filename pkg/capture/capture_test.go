package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/docker/chatlog/pkg/chat"
	"github.com/docker/chatlog/pkg/recorder"
)

type fakeSink struct {
	mu        sync.Mutex
	exchanges []recorder.Exchange
	err       error
}

func (s *fakeSink) ObserveExchange(_ context.Context, ex recorder.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if len(ex.Messages) == 0 {
		return chat.ErrNoMessages
	}
	s.exchanges = append(s.exchanges, ex)
	return nil
}

func (s *fakeSink) recorded() []recorder.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recorder.Exchange(nil), s.exchanges...)
}

const completionResponse = `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hello there!"}}]}`

func upstream(t *testing.T, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", contentType)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, client *http.Client, url, body string, header http.Header) (int, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(got)
}

func TestRoundTripperRecordsCompletion(t *testing.T) {
	t.Parallel()

	srv := upstream(t, "application/json", completionResponse)
	sink := &fakeSink{}
	client := &http.Client{Transport: New(sink).RoundTripper(nil)}

	status, body := post(t, client, srv.URL+"/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"system","content":"Be brief."},{"role":"user","content":"Hi"}],"tools":[{"type":"function","function":{"name":"search"}}]}`,
		http.Header{DefaultConversationHeader: {"session-1"}})

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, completionResponse, body)

	exchanges := sink.recorded()
	require.Len(t, exchanges, 1)
	ex := exchanges[0]
	assert.Equal(t, "session-1", ex.Key)
	require.Len(t, ex.Messages, 2)
	assert.Equal(t, chat.MessageRoleSystem, ex.Messages[0].Role)
	assert.Equal(t, "Hi", ex.Messages[1].Content.TextValue())
	assert.JSONEq(t, `[{"type":"function","function":{"name":"search"}}]`, string(ex.Tools))
	require.NotNil(t, ex.Reply)
	assert.Equal(t, chat.MessageRoleAssistant, ex.Reply.Role)
	assert.Equal(t, "Hello there!", ex.Reply.Content.TextValue())
}

func TestRoundTripperForwardsRequestBody(t *testing.T) {
	t.Parallel()

	const request = `{"messages":[{"role":"user","content":"ping"}]}`
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionResponse)
	}))
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: New(&fakeSink{}).RoundTripper(nil)}
	post(t, client, srv.URL+"/chat/completions", request, nil)

	assert.Equal(t, request, got)
}

func TestRoundTripperPassesThroughOtherEndpoints(t *testing.T) {
	t.Parallel()

	srv := upstream(t, "application/json", `{"data":[]}`)
	sink := &fakeSink{}
	client := &http.Client{Transport: New(sink).RoundTripper(nil)}

	status, body := post(t, client, srv.URL+"/v1/embeddings", `{"input":"hello"}`, nil)

	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"data":[]}`, body)
	assert.Empty(t, sink.recorded())
}

func TestRoundTripperSkipsFailedCalls(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	t.Cleanup(srv.Close)

	sink := &fakeSink{}
	client := &http.Client{Transport: New(sink).RoundTripper(nil)}

	status, body := post(t, client, srv.URL+"/v1/chat/completions", `{"messages":[{"role":"user","content":"Hi"}]}`, nil)

	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, body, "slow down")
	assert.Empty(t, sink.recorded())
}

func TestRoundTripperKeepsResponseWhenRequestIsGarbage(t *testing.T) {
	t.Parallel()

	srv := upstream(t, "application/json", completionResponse)
	sink := &fakeSink{}
	client := &http.Client{Transport: New(sink).RoundTripper(nil)}

	status, body := post(t, client, srv.URL+"/v1/chat/completions", `not json`, nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, completionResponse, body)
	assert.Empty(t, sink.recorded())
}

func TestRoundTripperIgnoresSinkErrors(t *testing.T) {
	t.Parallel()

	srv := upstream(t, "application/json", completionResponse)
	sink := &fakeSink{err: errors.New("disk full")}
	client := &http.Client{Transport: New(sink).RoundTripper(nil)}

	status, body := post(t, client, srv.URL+"/v1/chat/completions", `{"messages":[{"role":"user","content":"Hi"}]}`, nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, completionResponse, body)
}

func TestCustomConversationHeader(t *testing.T) {
	t.Parallel()

	srv := upstream(t, "application/json", completionResponse)
	sink := &fakeSink{}
	client := &http.Client{Transport: New(sink, WithConversationHeader("X-Session")).RoundTripper(nil)}

	post(t, client, srv.URL+"/v1/chat/completions", `{"messages":[{"role":"user","content":"Hi"}]}`,
		http.Header{"X-Session": {"abc"}, DefaultConversationHeader: {"ignored"}})

	exchanges := sink.recorded()
	require.Len(t, exchanges, 1)
	assert.Equal(t, "abc", exchanges[0].Key)
}

func TestRoundTripperRecordsStream(t *testing.T) {
	t.Parallel()

	stream := strings.Join([]string{
		`data: {"choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		``,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":"{\"city\":"}}]}}]}`,
		``,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`,
		``,
		`data: [DONE]`,
		``,
		``,
	}, "\n")
	srv := upstream(t, "text/event-stream", stream)
	sink := &fakeSink{}
	client := &http.Client{Transport: New(sink).RoundTripper(nil)}

	_, body := post(t, client, srv.URL+"/v1/chat/completions", `{"stream":true,"messages":[{"role":"user","content":"Weather?"}]}`, nil)

	assert.Equal(t, stream, body)
	exchanges := sink.recorded()
	require.Len(t, exchanges, 1)
	reply := exchanges[0].Reply
	require.NotNil(t, reply)
	assert.Equal(t, "Hello", reply.Content.TextValue())
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "call_1", reply.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", reply.ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(reply.ToolCalls[0].Arguments))
}

func TestRoundTripperDetectsUnlabelledStream(t *testing.T) {
	t.Parallel()

	stream := "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n"
	srv := upstream(t, "", stream)
	sink := &fakeSink{}
	client := &http.Client{Transport: New(sink).RoundTripper(nil)}

	_, body := post(t, client, srv.URL+"/chat/completions", `{"messages":[{"role":"user","content":"Hi"}]}`, nil)

	assert.Equal(t, stream, body)
	exchanges := sink.recorded()
	require.Len(t, exchanges, 1)
	require.NotNil(t, exchanges[0].Reply)
	assert.Equal(t, "ok", exchanges[0].Reply.Content.TextValue())
}

func TestRoundTripperRecordsSpan(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	srv := upstream(t, "application/json", completionResponse)
	client := &http.Client{Transport: New(&fakeSink{}, WithTracer(provider.Tracer("test"))).RoundTripper(nil)}

	post(t, client, srv.URL+"/v1/chat/completions", `{"messages":[{"role":"user","content":"Hi"}]}`, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "capture.exchange", spans[0].Name)
}

type brokenBodyTransport struct{}

func (brokenBodyTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(io.MultiReader(strings.NewReader(`{"choices":`), failingReader{})),
	}, nil
}

func TestRoundTripperEndsSpanWhenResponseUnreadable(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	sink := &fakeSink{}
	rt := New(sink, WithTracer(provider.Tracer("test"))).RoundTripper(brokenBodyTransport{})

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, "http://upstream/v1/chat/completions", strings.NewReader(`{"messages":[{"role":"user","content":"Hi"}]}`))
	require.NoError(t, err)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.EqualError(t, err, "connection reset")
	assert.Equal(t, `{"choices":`, string(body))
	require.NoError(t, resp.Body.Close())

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "capture.exchange", spans[0].Name)
	assert.Equal(t, "response not readable", spans[0].Status.Description)
	assert.Empty(t, sink.recorded())
}

func TestAttach(t *testing.T) {
	t.Parallel()

	srv := upstream(t, "application/json", completionResponse)
	sink := &fakeSink{}
	client := &http.Client{}

	require.NoError(t, New(sink).Attach(client))
	post(t, client, srv.URL+"/v1/chat/completions", `{"messages":[{"role":"user","content":"Hi"}]}`, nil)

	assert.Len(t, sink.recorded(), 1)
}

func TestAttachRejectsUnsupportedTargets(t *testing.T) {
	t.Parallel()

	var nilClient *http.Client
	for _, target := range []any{nil, "client", http.DefaultTransport, nilClient} {
		err := New(&fakeSink{}).Attach(target)

		require.ErrorIs(t, err, ErrUnsupportedTarget)
		var unsupported *UnsupportedTargetError
		require.ErrorAs(t, err, &unsupported)
	}
}

func TestOpenAIClientMiddleware(t *testing.T) {
	t.Parallel()

	srv := upstream(t, "application/json", completionResponse)
	sink := &fakeSink{}
	client := openai.NewClient(
		openaioption.WithAPIKey("test-key"),
		openaioption.WithBaseURL(srv.URL),
		openaioption.WithMaxRetries(0),
		New(sink).OpenAIOption(),
	)

	resp, err := client.Chat.Completions.New(t.Context(), openai.ChatCompletionNewParams{
		Model: "gpt-4o",
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("Be brief."),
			openai.UserMessage("Hi"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there!", resp.Choices[0].Message.Content)

	exchanges := sink.recorded()
	require.Len(t, exchanges, 1)
	require.Len(t, exchanges[0].Messages, 2)
	assert.Equal(t, chat.MessageRoleUser, exchanges[0].Messages[1].Role)
	assert.Equal(t, "Hi", exchanges[0].Messages[1].Content.PlainText())
	require.NotNil(t, exchanges[0].Reply)
	assert.Equal(t, "Hello there!", exchanges[0].Reply.Content.TextValue())
}

func TestOpenAIClientStreaming(t *testing.T) {
	t.Parallel()

	stream := "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi \"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"you\"}}]}\n\n" +
		"data: [DONE]\n\n"
	srv := upstream(t, "text/event-stream", stream)
	sink := &fakeSink{}
	client := openai.NewClient(
		openaioption.WithAPIKey("test-key"),
		openaioption.WithBaseURL(srv.URL),
		openaioption.WithMaxRetries(0),
		New(sink).OpenAIOption(),
	)

	s := client.Chat.Completions.NewStreaming(t.Context(), openai.ChatCompletionNewParams{
		Model:    "gpt-4o",
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("Hi")},
	})
	var text strings.Builder
	for s.Next() {
		for _, choice := range s.Current().Choices {
			text.WriteString(choice.Delta.Content)
		}
	}
	require.NoError(t, s.Err())
	require.NoError(t, s.Close())

	assert.Equal(t, "Hi you", text.String())
	exchanges := sink.recorded()
	require.Len(t, exchanges, 1)
	require.NotNil(t, exchanges[0].Reply)
	assert.Equal(t, "Hi you", exchanges[0].Reply.Content.TextValue())
}

func TestAnthropicClientMiddleware(t *testing.T) {
	t.Parallel()

	srv := upstream(t, "application/json", `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[{"type":"text","text":"Bonjour"},{"type":"tool_use","id":"toolu_1","name":"translate","input":{"to":"fr"}}],"stop_reason":"tool_use","usage":{"input_tokens":3,"output_tokens":5}}`)
	sink := &fakeSink{}
	client := anthropic.NewClient(
		anthropicoption.WithAPIKey("test-key"),
		anthropicoption.WithBaseURL(srv.URL),
		anthropicoption.WithMaxRetries(0),
		New(sink).AnthropicOption(),
	)

	msg, err := client.Messages.New(t.Context(), anthropic.MessageNewParams{
		Model:     anthropic.Model("claude-test"),
		MaxTokens: 256,
		System:    []anthropic.TextBlockParam{{Text: "Translate."}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("Hello"))},
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_1", msg.ID)

	exchanges := sink.recorded()
	require.Len(t, exchanges, 1)
	ex := exchanges[0]
	require.Len(t, ex.Messages, 2)
	assert.Equal(t, chat.MessageRoleSystem, ex.Messages[0].Role)
	assert.Equal(t, "Translate.", ex.Messages[0].Content.PlainText())
	assert.Equal(t, "Hello", ex.Messages[1].Content.PlainText())
	require.NotNil(t, ex.Reply)
	assert.Equal(t, "Bonjour", ex.Reply.Content.TextValue())
	require.Len(t, ex.Reply.ToolCalls, 1)
	assert.Equal(t, "translate", ex.Reply.ToolCalls[0].Name)
	assert.JSONEq(t, `{"to":"fr"}`, string(ex.Reply.ToolCalls[0].Arguments))
}

func TestBufferRequestCanBeReadTwice(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"a":1}`))
	clone, body, err := bufferRequest(req)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))

	first, err := io.ReadAll(clone.Body)
	require.NoError(t, err)
	again, err := clone.GetBody()
	require.NoError(t, err)
	second, err := io.ReadAll(again)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Equal(t, int64(7), clone.ContentLength)
}
