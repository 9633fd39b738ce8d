package capture

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/docker/chatlog/pkg/chat"
)

// sseParser splits a server-sent event stream into the data payloads of
// its events. Multiple data lines of one event are joined with "\n".
type sseParser struct {
	buffer []byte
	lines  [][]byte
}

func (p *sseParser) feed(chunk []byte) [][]byte {
	p.buffer = append(p.buffer, chunk...)

	var out [][]byte
	for {
		idx := bytes.IndexByte(p.buffer, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(p.buffer[:idx], []byte{'\r'})
		p.buffer = p.buffer[idx+1:]
		if data := p.consumeLine(line); data != nil {
			out = append(out, data)
		}
	}
	return out
}

func (p *sseParser) flush() [][]byte {
	var out [][]byte
	if len(p.buffer) > 0 {
		if data := p.consumeLine(bytes.TrimSuffix(p.buffer, []byte{'\r'})); data != nil {
			out = append(out, data)
		}
		p.buffer = nil
	}
	if data := p.dispatch(); data != nil {
		out = append(out, data)
	}
	return out
}

func (p *sseParser) consumeLine(line []byte) []byte {
	if len(line) == 0 {
		return p.dispatch()
	}
	if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		data = bytes.TrimPrefix(data, []byte{' '})
		p.lines = append(p.lines, bytes.Clone(data))
	}
	return nil
}

func (p *sseParser) dispatch() []byte {
	if len(p.lines) == 0 {
		return nil
	}
	data := bytes.Join(p.lines, []byte{'\n'})
	p.lines = nil
	return data
}

// streamTap passes a streaming response body through unchanged while
// feeding it to an assembler. done is called exactly once, with the
// assembled reply, when the body reaches EOF or is closed.
type streamTap struct {
	rc        io.ReadCloser
	parser    sseParser
	assembler assembler
	done      func(reply *chat.Message, err error)

	mu       sync.Mutex
	finished bool
}

func newStreamTap(rc io.ReadCloser, a assembler, done func(*chat.Message, error)) *streamTap {
	return &streamTap{rc: rc, assembler: a, done: done}
}

func (s *streamTap) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if n > 0 {
		s.mu.Lock()
		if !s.finished {
			for _, data := range s.parser.feed(p[:n]) {
				s.assembler.event(data)
			}
		}
		s.mu.Unlock()
	}
	if err != nil {
		var streamErr error
		if !errors.Is(err, io.EOF) {
			streamErr = err
		}
		s.finish(streamErr)
	}
	return n, err
}

func (s *streamTap) Close() error {
	err := s.rc.Close()
	s.finish(nil)
	return err
}

func (s *streamTap) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	for _, data := range s.parser.flush() {
		s.assembler.event(data)
	}
	reply := s.assembler.reply()
	s.mu.Unlock()

	s.done(reply, err)
}

// IsStreamResponse reports whether resp carries server-sent events. When
// the headers do not say, the first bytes of the body are inspected; the
// body is rebuilt so that nothing is lost.
func IsStreamResponse(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") {
		return true
	}
	if strings.Contains(ct, "application/json") || resp.Body == nil {
		return false
	}

	peek := make([]byte, 6)
	n, err := io.ReadFull(resp.Body, peek)
	if n == 0 && err != nil {
		return false
	}
	resp.Body = &peekReader{peeked: peek[:n], rest: resp.Body}
	return bytes.HasPrefix(peek[:n], []byte("data:")) || bytes.HasPrefix(peek[:n], []byte("event:"))
}

// peekReader wraps a reader with already-peeked bytes.
type peekReader struct {
	peeked []byte
	rest   io.ReadCloser
}

func (p *peekReader) Read(b []byte) (int, error) {
	if len(p.peeked) > 0 {
		n := copy(b, p.peeked)
		p.peeked = p.peeked[n:]
		return n, nil
	}
	return p.rest.Read(b)
}

func (p *peekReader) Close() error {
	return p.rest.Close()
}
