// Package recorder ties conversation tracking, rendering and the transcript
// file together. One Recorder produces one transcript and can be fed from
// a per-turn callback integration or from an HTTP interception point.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docker/chatlog/pkg/browser"
	"github.com/docker/chatlog/pkg/chat"
	"github.com/docker/chatlog/pkg/render"
	"github.com/docker/chatlog/pkg/tracker"
	"github.com/docker/chatlog/pkg/transcript"
)

// Exchange is one request/response pair seen by an interception point.
// Messages is the full history the request carried.
type Exchange struct {
	// Key identifies the conversation. The empty key is the default one.
	Key      string
	Messages []chat.Message
	// Tools is the request's list of available tools, if any.
	Tools json.RawMessage
	// Reply is the assistant message decoded from the response. It is nil
	// when the response carried none.
	Reply *chat.Message
}

type Opener func(ctx context.Context, path string) error

type Opt func(*Recorder)

// WithAutoOpen opens the finished transcript in the default viewer on Close.
func WithAutoOpen(autoOpen bool) Opt {
	return func(r *Recorder) {
		r.autoOpen = autoOpen
	}
}

func WithOpener(open Opener) Opt {
	return func(r *Recorder) {
		r.open = open
	}
}

func WithTracer(tracer trace.Tracer) Opt {
	return func(r *Recorder) {
		r.tracer = tracer
	}
}

func WithTranscriptOptions(opts ...transcript.Opt) Opt {
	return func(r *Recorder) {
		r.transcriptOpts = append(r.transcriptOpts, opts...)
	}
}

// Recorder serializes every observation so that tracker updates and file
// appends of concurrent callers never interleave.
type Recorder struct {
	mu      sync.Mutex
	tracker *tracker.Tracker
	writer  *transcript.Writer

	autoOpen       bool
	open           Opener
	tracer         trace.Tracer
	transcriptOpts []transcript.Opt
}

// New creates the transcript file in outputDir.
func New(outputDir string, opts ...Opt) (*Recorder, error) {
	r := &Recorder{
		tracker: tracker.New(),
		open:    browser.Open,
		tracer:  otel.Tracer("github.com/docker/chatlog/pkg/recorder"),
	}
	for _, opt := range opts {
		opt(r)
	}

	w, err := transcript.New(outputDir, r.transcriptOpts...)
	if err != nil {
		return nil, err
	}
	r.writer = w
	return r, nil
}

// Path is the transcript file being written.
func (r *Recorder) Path() string {
	return r.writer.Path()
}

// Tracker exposes the conversation state, mostly for diagnostics.
func (r *Recorder) Tracker() *tracker.Tracker {
	return r.tracker
}

// ObserveTurn records the snapshot of messages about to be sent to a model.
func (r *Recorder) ObserveTurn(ctx context.Context, key string, messages []chat.Message) error {
	if len(messages) == 0 {
		return chat.ErrNoMessages
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, span := r.tracer.Start(ctx, "recorder.turn", trace.WithAttributes(
		attribute.String("transcript.session", r.writer.SessionID()),
		attribute.String("conversation.key", key),
		attribute.Int("messages.count", len(messages)),
	))
	defer span.End()

	checkpoint := r.tracker.Checkpoint(key)
	delta := r.tracker.ObserveTurn(key, len(messages))
	if err := r.writeDeltaLocked(delta, messages, nil); err != nil {
		r.tracker.Restore(checkpoint)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcript write failed")
		return err
	}
	span.SetStatus(codes.Ok, "turn recorded")
	return nil
}

// ObserveReply records the model's reply to the last observed turn.
func (r *Recorder) ObserveReply(ctx context.Context, key string, reply chat.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, span := r.tracer.Start(ctx, "recorder.reply", trace.WithAttributes(
		attribute.String("transcript.session", r.writer.SessionID()),
		attribute.String("conversation.key", key),
		attribute.Int("tool_calls.count", len(reply.ToolCalls)),
	))
	defer span.End()

	if err := r.writeMessageLocked(reply); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcript write failed")
		return err
	}
	r.tracker.ObserveReply(key)
	span.SetStatus(codes.Ok, "reply recorded")
	return nil
}

// ObserveExchange records the messages of ex that were not written yet,
// followed by the reply.
func (r *Recorder) ObserveExchange(ctx context.Context, ex Exchange) error {
	if len(ex.Messages) == 0 {
		return chat.ErrNoMessages
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, span := r.tracer.Start(ctx, "recorder.exchange", trace.WithAttributes(
		attribute.String("transcript.session", r.writer.SessionID()),
		attribute.String("conversation.key", ex.Key),
		attribute.Int("messages.count", len(ex.Messages)),
		attribute.Bool("reply", ex.Reply != nil),
	))
	defer span.End()

	// A failed write leaves the tracker as it was, so a retry of the same
	// request continues the conversation.
	checkpoint := r.tracker.Checkpoint(ex.Key)
	delta := r.tracker.ObserveRequest(ex.Key, len(ex.Messages))
	if err := r.writeDeltaLocked(delta, ex.Messages, ex.Tools); err != nil {
		r.tracker.Restore(checkpoint)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcript write failed")
		return err
	}

	if ex.Reply != nil {
		if err := r.writeMessageLocked(*ex.Reply); err != nil {
			r.tracker.Restore(checkpoint)
			span.RecordError(err)
			span.SetStatus(codes.Error, "transcript write failed")
			return err
		}
		r.tracker.CommitReply(ex.Key)
	}

	span.SetAttributes(attribute.Int("messages.rendered", delta.Len()))
	span.SetStatus(codes.Ok, "exchange recorded")
	return nil
}

// Close finalizes the transcript and opens it when auto-open is enabled.
// Closing twice is a no-op.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer.Closed() {
		return nil
	}
	if err := r.writer.Close(); err != nil {
		return err
	}

	slog.Debug("Transcript finished", "path", r.writer.Path(), "steps", r.tracker.Step())
	if r.autoOpen && r.open != nil {
		if err := r.open(ctx, r.writer.Path()); err != nil {
			slog.Warn("Failed to open transcript", "path", r.writer.Path(), "error", err)
		}
	}
	return nil
}

func (r *Recorder) writeDeltaLocked(delta tracker.Delta, messages []chat.Message, tools json.RawMessage) error {
	if delta.NeedsDivider() {
		if err := r.writer.AppendDivider(delta.Label); err != nil {
			return err
		}
	}

	last := len(messages) - 1
	for i := delta.From; i < delta.To; i++ {
		msg := messages[i]
		if i == last && msg.Role == chat.MessageRoleUser && len(tools) > 0 {
			msg.Tools = tools
		}
		if err := r.writeMessageLocked(msg); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) writeMessageLocked(msg chat.Message) error {
	fragment := render.Message(msg)
	if fragment.Degraded {
		slog.Warn("Message rendered in degraded form", "role", msg.Role, "error", fragment.Err)
	}
	return r.writer.Append(fragment.HTML)
}
