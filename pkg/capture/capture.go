// Package capture records chat API traffic from inside an HTTP client.
//
// An Interceptor is installed as an http.RoundTripper decorator or as an
// SDK middleware. Calls to a chat endpoint are decoded and handed to a
// Sink once the response is complete; every other call passes through
// untouched. Recording problems are logged and never change what the
// caller receives.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docker/chatlog/pkg/chat"
	"github.com/docker/chatlog/pkg/recorder"
)

// DefaultConversationHeader carries the conversation key of a request.
const DefaultConversationHeader = "X-Chatlog-Conversation"

// ErrUnsupportedTarget is wrapped by the error Attach returns for a value
// it does not know how to intercept.
var ErrUnsupportedTarget = errors.New("unsupported interception target")

type UnsupportedTargetError struct {
	Type string
}

func (e *UnsupportedTargetError) Error() string {
	return fmt.Sprintf("cannot intercept %s: expected a non-nil *http.Client", e.Type)
}

func (e *UnsupportedTargetError) Unwrap() error {
	return ErrUnsupportedTarget
}

// Sink receives the decoded exchanges.
type Sink interface {
	ObserveExchange(ctx context.Context, ex recorder.Exchange) error
}

type Opt func(*Interceptor)

// WithConversationHeader sets the request header holding the conversation
// key. Requests without it belong to the default conversation.
func WithConversationHeader(name string) Opt {
	return func(i *Interceptor) {
		i.header = name
	}
}

func WithTracer(tracer trace.Tracer) Opt {
	return func(i *Interceptor) {
		i.tracer = tracer
	}
}

type Interceptor struct {
	sink   Sink
	header string
	tracer trace.Tracer
}

func New(sink Sink, opts ...Opt) *Interceptor {
	i := &Interceptor{
		sink:   sink,
		header: DefaultConversationHeader,
		tracer: otel.Tracer("github.com/docker/chatlog/pkg/capture"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

type roundTripper struct {
	next        http.RoundTripper
	interceptor *Interceptor
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.interceptor.do(req, t.next.RoundTrip)
}

// RoundTripper decorates next, which defaults to http.DefaultTransport.
func (i *Interceptor) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &roundTripper{next: next, interceptor: i}
}

// Attach installs the interceptor on target's transport. Targets other
// than a non-nil *http.Client are rejected without being modified.
func (i *Interceptor) Attach(target any) error {
	client, ok := target.(*http.Client)
	if !ok || client == nil {
		return &UnsupportedTargetError{Type: fmt.Sprintf("%T", target)}
	}
	client.Transport = i.RoundTripper(client.Transport)
	return nil
}

// OpenAIMiddleware records exchanges made with an openai-go client.
func (i *Interceptor) OpenAIMiddleware() openaioption.Middleware {
	return func(req *http.Request, next openaioption.MiddlewareNext) (*http.Response, error) {
		return i.do(req, next)
	}
}

// OpenAIOption is OpenAIMiddleware as a client option.
func (i *Interceptor) OpenAIOption() openaioption.RequestOption {
	return openaioption.WithMiddleware(i.OpenAIMiddleware())
}

// AnthropicMiddleware records exchanges made with an anthropic-sdk-go client.
func (i *Interceptor) AnthropicMiddleware() anthropicoption.Middleware {
	return func(req *http.Request, next anthropicoption.MiddlewareNext) (*http.Response, error) {
		return i.do(req, next)
	}
}

// AnthropicOption is AnthropicMiddleware as a client option.
func (i *Interceptor) AnthropicOption() anthropicoption.RequestOption {
	return anthropicoption.WithMiddleware(i.AnthropicMiddleware())
}

func (i *Interceptor) do(req *http.Request, next func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	d := dialectFor(req.URL.Path)
	if d == nil || req.Method != http.MethodPost || req.Body == nil || req.Body == http.NoBody {
		return next(req)
	}

	req, body, err := bufferRequest(req)
	if err != nil {
		return nil, err
	}

	key := req.Header.Get(i.header)
	ctx, span := i.tracer.Start(req.Context(), "capture.exchange", trace.WithAttributes(
		attribute.String("http.path", req.URL.Path),
		attribute.String("chat.dialect", d.name()),
		attribute.String("conversation.key", key),
	))

	resp, err := next(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream call failed")
		span.End()
		return resp, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Debug("Not recording failed chat call", "path", req.URL.Path, "status", resp.StatusCode)
		span.SetStatus(codes.Ok, "upstream returned an error status")
		span.End()
		return resp, nil
	}

	parsed, err := d.decodeRequest(body)
	if err != nil {
		slog.Warn("Failed to decode chat request", "dialect", d.name(), "path", req.URL.Path, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "request not decodable")
		span.End()
		return resp, nil
	}

	span.SetAttributes(attribute.Bool("chat.stream", parsed.stream))

	ex := recorder.Exchange{Key: key, Messages: parsed.messages, Tools: parsed.tools}
	// The recording must finish even when the caller's context ends with
	// the response.
	ctx = context.WithoutCancel(ctx)

	if IsStreamResponse(resp) {
		resp.Body = newStreamTap(resp.Body, d.newAssembler(), func(reply *chat.Message, streamErr error) {
			if streamErr != nil {
				slog.Warn("Chat stream ended with an error", "dialect", d.name(), "error", streamErr)
			}
			ex.Reply = reply
			i.record(ctx, span, ex)
		})
		return resp, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		slog.Warn("Failed to read chat response", "dialect", d.name(), "path", req.URL.Path, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "response not readable")
		span.End()
		// The caller sees what was read, then the same error.
		resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(respBody), errReader{err}))
		return resp, nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	reply, err := d.decodeResponse(respBody)
	if err != nil {
		slog.Warn("Failed to decode chat response", "dialect", d.name(), "path", req.URL.Path, "error", err)
	}
	ex.Reply = reply
	i.record(ctx, span, ex)
	return resp, nil
}

// record hands ex to the sink and ends span.
func (i *Interceptor) record(ctx context.Context, span trace.Span, ex recorder.Exchange) {
	defer span.End()

	span.SetAttributes(
		attribute.Int("messages.count", len(ex.Messages)),
		attribute.Bool("reply", ex.Reply != nil),
	)
	if err := i.sink.ObserveExchange(ctx, ex); err != nil {
		if errors.Is(err, chat.ErrNoMessages) {
			slog.Debug("Skipping chat call without messages", "key", ex.Key)
			span.SetStatus(codes.Ok, "nothing to record")
			return
		}
		slog.Error("Failed to record chat exchange", "key", ex.Key, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "recording failed")
		return
	}
	span.SetStatus(codes.Ok, "exchange recorded")
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// bufferRequest reads the request body and returns a shallow copy of req
// whose body can be read again.
func bufferRequest(req *http.Request) (*http.Request, []byte, error) {
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("reading chat request: %w", err)
	}

	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	clone.ContentLength = int64(len(body))
	return clone, body, nil
}
