// Package replay works with go-vcr cassettes of chat API traffic: it can
// record the traffic a proxy forwards, serve it back in place of the real
// upstream, and feed every recorded interaction through the capture path
// to rebuild a transcript offline.
package replay

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"
)

// cassetteName strips the extension go-vcr appends itself.
func cassetteName(path string) string {
	return strings.TrimSuffix(path, ".yaml")
}

// Load reads the cassette at path. The ".yaml" extension is optional.
func Load(path string) (*cassette.Cassette, error) {
	c, err := cassette.Load(cassetteName(path))
	if err != nil {
		return nil, fmt.Errorf("loading cassette %s: %w", path, err)
	}
	return c, nil
}

// Transport serves the interactions of the cassette at path instead of
// calling the network. Each interaction is served at most once.
func Transport(path string) (*recorder.Recorder, error) {
	r, err := recorder.New(cassetteName(path),
		recorder.WithMode(recorder.ModeReplayOnly),
		recorder.WithMatcher(Matcher(nil)),
		recorder.WithSkipRequestLatency(true),
		recorder.WithHook(RemoveSecretsHook, recorder.AfterCaptureHook),
		recorder.WithReplayableInteractions(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create VCR recorder: %w", err)
	}
	return r, nil
}

// secretHeaders carry credentials and are never written to a cassette.
var secretHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"X-Api-Key",
	"Api-Key",
	"Cookie",
}

// RemoveSecretsHook drops the credential headers of the request, keeping
// the others so conversation keys survive a replay, and every response
// header except Content-Type.
func RemoveSecretsHook(i *cassette.Interaction) error {
	for _, h := range secretHeaders {
		i.Request.Headers.Del(h)
	}
	contentType := i.Response.Headers.Get("Content-Type")
	i.Response.Headers = map[string][]string{}
	if contentType != "" {
		i.Response.Headers.Set("Content-Type", contentType)
	}
	return nil
}

// Matcher compares requests after normalizing the fields that change from
// one run to the next. onError is called when the request body cannot be
// read; nil logs the error.
func Matcher(onError func(err error)) recorder.MatcherFunc {
	// Tool call ids are generated by the model.
	callIDRegex := regexp.MustCompile(`(?:call|toolu)_[A-Za-z0-9\-]+`)
	// Token limits vary with client configuration.
	maxTokensRegex := regexp.MustCompile(`"(?:max_(?:output_|completion_)?tokens|maxOutputTokens)":\d+,?`)

	normalize := func(s string) string {
		s = callIDRegex.ReplaceAllString(s, "call_ID")
		return maxTokensRegex.ReplaceAllString(s, "")
	}

	return func(r *http.Request, i cassette.Request) bool {
		if r.Body == nil || r.Body == http.NoBody {
			return cassette.DefaultMatcher(r, i)
		}
		if r.Method != i.Method {
			return false
		}
		if r.URL.String() != i.URL {
			return false
		}

		reqBody, err := io.ReadAll(r.Body)
		if err != nil {
			if onError != nil {
				onError(err)
			} else {
				slog.Error("Failed to read request body for matching", "error", err)
			}
			return false
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewBuffer(reqBody))

		return normalize(string(reqBody)) == normalize(i.Body)
	}
}

// newCassette creates an empty cassette written as YAML by goccy/go-yaml.
func newCassette(path string) *cassette.Cassette {
	c := cassette.New(cassetteName(path))
	c.MarshalFunc = yaml.Marshal
	return c
}
