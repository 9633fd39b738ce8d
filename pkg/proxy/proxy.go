// Package proxy serves a recording reverse proxy in front of a chat API.
// Clients point their base URL at it; every call is forwarded to the
// upstream through the capture transport so chat calls end up in the
// transcript while the caller sees the upstream response unchanged.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/docker/chatlog/pkg/capture"
)

// RequestIDHeader is set on every proxied response.
const RequestIDHeader = "X-Chatlog-Request-Id"

// hopHeaders are connection-scoped and never forwarded. Accept-Encoding is
// dropped so the transport negotiates compression itself and hands the
// capture layer a decoded body.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Accept-Encoding",
}

type Server struct {
	e        *echo.Echo
	upstream *url.URL
}

// New builds a proxy forwarding to upstream through transport.
func New(upstream string, transport http.RoundTripper) (*Server, error) {
	target, err := ParseUpstream(upstream)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:    uuid.NewString,
		TargetHeader: RequestIDHeader,
	}))
	e.Any("/*", Handle(target, transport))

	return &Server{e: e, upstream: target}, nil
}

// ParseUpstream validates an absolute http(s) upstream URL.
func ParseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q: expected an http or https URL", raw)
	}
	return u, nil
}

func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) Upstream() string {
	return s.upstream.String()
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Debug("Stopping capture proxy", "addr", ln.Addr())

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to gracefully shutdown capture proxy", "error", err)
			return srv.Close()
		}
		return nil
	})
	return g.Wait()
}

// Handle forwards the request to upstream, keeping the path below the
// upstream's own path prefix.
func Handle(upstream *url.URL, transport http.RoundTripper) echo.HandlerFunc {
	client := &http.Client{
		Timeout:   0, // no timeout, let ctx control it
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return func(c echo.Context) error {
		in := c.Request()
		ctx := in.Context()
		requestID := c.Response().Header().Get(RequestIDHeader)

		target := TargetURL(upstream, in.URL)
		req, err := http.NewRequestWithContext(ctx, in.Method, target, in.Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create new request")
		}
		req.ContentLength = in.ContentLength

		maps.Copy(req.Header, in.Header)
		for _, h := range hopHeaders {
			req.Header.Del(h)
		}

		slog.Debug("Proxying request", "request_id", requestID, "method", in.Method, "url", target)

		resp, err := client.Do(req)
		if err != nil {
			slog.Error("Upstream request failed", "request_id", requestID, "url", target, "error", err)
			return echo.NewHTTPError(http.StatusBadGateway, "Failed to run request: "+err.Error())
		}
		defer resp.Body.Close()

		maps.Copy(c.Response().Header(), resp.Header)
		for _, h := range hopHeaders {
			c.Response().Header().Del(h)
		}
		c.Response().WriteHeader(resp.StatusCode)

		if capture.IsStreamResponse(resp) {
			return StreamCopy(c, resp)
		}

		_, err = io.Copy(c.Response().Writer, resp.Body)
		return err
	}
}

// TargetURL joins the upstream base with the incoming path and query.
func TargetURL(upstream *url.URL, in *url.URL) string {
	u := *upstream
	u.Path = strings.TrimSuffix(upstream.Path, "/") + "/" + strings.TrimPrefix(in.Path, "/")
	u.RawPath = ""
	u.RawQuery = in.RawQuery
	return u.String()
}

type streamReadResult struct {
	n   int64
	err error
}

// StreamCopy copies a streaming response to the client, flushing after
// every chunk. A client disconnect closes the upstream body.
func StreamCopy(c echo.Context, resp *http.Response) error {
	ctx := c.Request().Context()
	writer := c.Response().Writer.(io.ReaderFrom)

	resultCh := make(chan streamReadResult, 1)

	for {
		go func() {
			n, err := writer.ReadFrom(io.LimitReader(resp.Body, 256))
			resultCh <- streamReadResult{n: n, err: err}
		}()

		select {
		case <-ctx.Done():
			slog.WarnContext(ctx, "client disconnected, stop streaming")
			resp.Body.Close()
			<-resultCh
			return nil
		case result := <-resultCh:
			if result.n > 0 {
				c.Response().Flush()
			}
			if result.err != nil {
				if errors.Is(result.err, io.EOF) || ctx.Err() != nil {
					return nil
				}
				slog.ErrorContext(ctx, "stream read error", "error", result.err)
				return result.err
			}
			// ReadFrom reports (0, nil) once the source is exhausted.
			if result.n == 0 {
				return nil
			}
		}
	}
}
