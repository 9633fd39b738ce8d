package root

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/docker/chatlog/pkg/capture"
	"github.com/docker/chatlog/pkg/cli"
	"github.com/docker/chatlog/pkg/config"
	"github.com/docker/chatlog/pkg/proxy"
	"github.com/docker/chatlog/pkg/recorder"
	"github.com/docker/chatlog/pkg/replay"
	"github.com/docker/chatlog/pkg/transcript"
)

type proxyFlags struct {
	root          *rootFlags
	listenAddr    string
	upstream      string
	header        string
	fakeResponses string
	recordPath    string
	output        outputFlags
}

func newProxyCmd(root *rootFlags) *cobra.Command {
	flags := proxyFlags{root: root}

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Record the chat completions of any client into a transcript",
		Long: `Start an HTTP proxy in front of a chat completion API. Point the client's
base URL at the proxy: chat completion calls are recorded into a live
transcript, every other call is forwarded untouched.`,
		Example: `  chatlog proxy --upstream https://api.openai.com
  OPENAI_BASE_URL=http://127.0.0.1:8089/v1 python app.py`,
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE:    flags.runProxyCommand,
	}

	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", "", "Address to listen on (default: "+config.DefaultListen+")")
	cmd.Flags().StringVar(&flags.upstream, "upstream", "", "API to forward to (default: "+config.DefaultUpstream+")")
	cmd.Flags().StringVar(&flags.header, "header", "", "Request header carrying the conversation key (default: "+capture.DefaultConversationHeader+")")
	cmd.Flags().StringVar(&flags.fakeResponses, "fake", "", "Answer from a cassette file instead of the upstream")
	cmd.Flags().StringVar(&flags.recordPath, "record", "", "Record upstream interactions to a cassette file")
	cmd.Flags().Lookup("record").NoOptDefVal = "true"
	cmd.MarkFlagsMutuallyExclusive("fake", "record")
	flags.output.register(cmd)

	return cmd
}

func (f *proxyFlags) apply(cfg *config.Config) {
	cfg.Proxy.Listen = cmp.Or(f.listenAddr, cfg.Proxy.Listen)
	cfg.Proxy.Upstream = cmp.Or(f.upstream, cfg.Proxy.Upstream)
	cfg.ConversationHeader = cmp.Or(f.header, cfg.ConversationHeader)
}

func (f *proxyFlags) runProxyCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())

	cfg, err := f.root.loadConfig()
	if err != nil {
		return err
	}
	f.apply(cfg)
	f.output.apply(cmd, cfg)

	transport, cleanup, err := f.upstreamTransport(out)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := newRecorder(cfg)
	if err != nil {
		return err
	}
	defer closeRecorder(ctx, rec, out)

	interceptor := capture.New(cli.Echo{Next: rec, Printer: out}, capture.WithConversationHeader(cfg.ConversationHeader))

	srv, err := proxy.New(cfg.Proxy.Upstream, interceptor.RoundTripper(transport))
	if err != nil {
		return err
	}

	ln, err := proxy.Listen(ctx, cfg.Proxy.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Proxy.Listen, err)
	}

	out.PrintSuccess("Listening on %s", ln.Addr().String())
	out.PrintInfo("Forwarding to %s", srv.Upstream())
	out.PrintInfo("Writing %s", rec.Path())
	slog.Debug("Starting capture proxy", "addr", ln.Addr().String(), "upstream", srv.Upstream(), "transcript", rec.Path())

	return srv.Serve(ctx, ln)
}

// upstreamTransport picks what answers proxied calls: the network, the
// network while recording a cassette, or a cassette.
func (f *proxyFlags) upstreamTransport(out *cli.Printer) (http.RoundTripper, func(), error) {
	switch {
	case f.fakeResponses != "":
		tr, err := replay.Transport(f.fakeResponses)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load cassette: %w", err)
		}
		slog.Info("Fake mode enabled", "cassette", f.fakeResponses)
		out.PrintInfo("Answering from %s", f.fakeResponses)
		return tr, func() {
			if err := tr.Stop(); err != nil {
				slog.Error("Failed to stop cassette replay", "error", err)
			}
		}, nil

	case f.recordPath != "":
		cassettePath := cassettePath(f.recordPath, time.Now())
		rec := replay.NewRecorder(cassettePath, http.DefaultTransport)
		slog.Info("Recording mode enabled", "cassette", cassettePath)
		out.PrintInfo("Recording to %s", cassettePath)
		return rec, func() {
			if err := rec.Stop(); err != nil {
				slog.Error("Failed to save cassette", "cassette", cassettePath, "error", err)
				return
			}
			out.PrintSuccess("Recorded %d interactions to %s", rec.Len(), cassettePath)
		}, nil

	default:
		return http.DefaultTransport, func() {}, nil
	}
}

// cassettePath resolves the --record value. A bare --record picks a
// timestamped name in the working directory.
func cassettePath(recordPath string, now time.Time) string {
	if recordPath == "true" {
		recordPath = fmt.Sprintf("chatlog-recording-%d", now.Unix())
	}
	return strings.TrimSuffix(recordPath, ".yaml") + ".yaml"
}

// outputFlags are the transcript flags shared by the recording commands.
type outputFlags struct {
	outputDir string
	title     string
	autoOpen  bool
}

func (o *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.outputDir, "output-dir", "", "Directory transcripts are written to (default: "+config.DefaultOutputDir+")")
	cmd.Flags().StringVar(&o.title, "title", "", "Transcript heading")
	cmd.Flags().BoolVar(&o.autoOpen, "open", false, "Open the transcript when it is finished")
}

func (o *outputFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	cfg.OutputDir = cmp.Or(o.outputDir, cfg.OutputDir)
	cfg.Title = cmp.Or(o.title, cfg.Title)
	if cmd.Flags().Changed("open") {
		cfg.AutoOpen = o.autoOpen
	}
}

func transcriptOptions(cfg *config.Config) []transcript.Opt {
	var opts []transcript.Opt
	if cfg.Title != "" {
		opts = append(opts, transcript.WithTitle(cfg.Title))
	}
	return opts
}

func newRecorder(cfg *config.Config) (*recorder.Recorder, error) {
	rec, err := recorder.New(cfg.OutputDir,
		recorder.WithAutoOpen(cfg.AutoOpen),
		recorder.WithTranscriptOptions(transcriptOptions(cfg)...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating transcript: %w", err)
	}
	return rec, nil
}

// closeRecorder finishes the transcript even when ctx was canceled by an
// interrupt.
func closeRecorder(ctx context.Context, rec *recorder.Recorder, out *cli.Printer) {
	if err := rec.Close(context.WithoutCancel(ctx)); err != nil {
		slog.Error("Failed to finish transcript", "path", rec.Path(), "error", err)
		out.PrintError(fmt.Errorf("finishing transcript: %w", err))
		return
	}
	out.PrintSuccess("Transcript written to %s", rec.Path())
}
