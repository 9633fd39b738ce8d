package replay

import (
	"bytes"
	"io"
	"net/http"
	"sync"

	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
)

// Recorder wraps an http.RoundTripper and writes every interaction to a
// cassette while the response streams through to the caller. A response
// is recorded when its body is closed, with whatever was read by then.
type Recorder struct {
	transport http.RoundTripper
	cassette  *cassette.Cassette
	mu        sync.Mutex
}

// NewRecorder records to the cassette at path. next defaults to
// http.DefaultTransport.
func NewRecorder(path string, next http.RoundTripper) *Recorder {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Recorder{
		transport: next,
		cassette:  newCassette(path),
	}
}

func (r *Recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	var reqBody []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		reqBody, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	resp, err := r.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	var respBuf bytes.Buffer
	resp.Body = &recordingReadCloser{
		reader:   io.TeeReader(resp.Body, &respBuf),
		origBody: resp.Body,
		recorder: r,
		req:      req,
		reqBody:  reqBody,
		resp:     resp,
		respBuf:  &respBuf,
	}
	return resp, nil
}

// Len is the number of interactions recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cassette.Interactions)
}

// Stop writes the cassette to disk.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cassette.SaveWithFS(cassette.NewDiskFS())
}

func (r *Recorder) addInteraction(req *http.Request, reqBody []byte, resp *http.Response, respBody []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	interaction := &cassette.Interaction{
		Request: cassette.Request{
			Proto:         req.Proto,
			ProtoMajor:    req.ProtoMajor,
			ProtoMinor:    req.ProtoMinor,
			ContentLength: req.ContentLength,
			Host:          req.Host,
			Method:        req.Method,
			URL:           req.URL.String(),
			Body:          string(reqBody),
			Headers:       req.Header.Clone(),
		},
		Response: cassette.Response{
			Code:    resp.StatusCode,
			Body:    string(respBody),
			Headers: resp.Header.Clone(),
		},
	}
	_ = RemoveSecretsHook(interaction)

	r.cassette.AddInteraction(interaction)
}

type recordingReadCloser struct {
	reader   io.Reader
	origBody io.ReadCloser
	recorder *Recorder
	req      *http.Request
	reqBody  []byte
	resp     *http.Response
	respBuf  *bytes.Buffer

	once sync.Once
}

func (r *recordingReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

// Close records what was read without draining the rest, so an early
// close never waits on the upstream.
func (r *recordingReadCloser) Close() error {
	r.once.Do(func() {
		r.recorder.addInteraction(r.req, r.reqBody, r.resp, r.respBuf.Bytes())
	})
	return r.origBody.Close()
}
