package replay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
)

// Wrapper decorates a transport, typically capture.Interceptor.RoundTripper.
type Wrapper func(next http.RoundTripper) http.RoundTripper

// Run sends every interaction of the cassette at path, in order, through
// the transport built by wrap, answering each one with its recorded
// response. It returns how many interactions were replayed.
func Run(ctx context.Context, path string, wrap Wrapper) (int, error) {
	c, err := Load(path)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, i := range c.Interactions {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := replayOne(ctx, i, wrap); err != nil {
			return replayed, fmt.Errorf("interaction %d: %w", i.ID, err)
		}
		replayed++
	}
	slog.Debug("Cassette replayed", "path", path, "interactions", replayed)
	return replayed, nil
}

func replayOne(ctx context.Context, i *cassette.Interaction, wrap Wrapper) error {
	req, err := http.NewRequestWithContext(ctx, i.Request.Method, i.Request.URL, strings.NewReader(i.Request.Body))
	if err != nil {
		return err
	}
	if i.Request.Headers != nil {
		req.Header = i.Request.Headers.Clone()
	}

	recorded := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			Status:        fmt.Sprintf("%d %s", i.Response.Code, http.StatusText(i.Response.Code)),
			StatusCode:    i.Response.Code,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        cloneHeader(i.Response.Headers),
			Body:          io.NopCloser(strings.NewReader(i.Response.Body)),
			ContentLength: int64(len(i.Response.Body)),
			Request:       req,
		}, nil
	})

	var transport http.RoundTripper = recorded
	if wrap != nil {
		transport = wrap(recorded)
	}

	resp, err := transport.RoundTrip(req)
	if err != nil {
		return err
	}
	_, err = io.Copy(io.Discard, resp.Body)
	if closeErr := resp.Body.Close(); err == nil {
		err = closeErr
	}
	return err
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
