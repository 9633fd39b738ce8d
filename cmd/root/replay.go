package root

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docker/chatlog/pkg/capture"
	"github.com/docker/chatlog/pkg/cli"
	"github.com/docker/chatlog/pkg/replay"
)

type replayFlags struct {
	root   *rootFlags
	header string
	output outputFlags
}

func newReplayCmd(root *rootFlags) *cobra.Command {
	flags := replayFlags{root: root}

	cmd := &cobra.Command{
		Use:   "replay <cassette>",
		Short: "Build a transcript from a recorded cassette",
		Long: `Feed every interaction of a cassette recorded with "chatlog proxy --record"
through the capture path, in order, and write the resulting transcript.`,
		Example: `  chatlog replay ./chatlog-recording-1700000000.yaml --open`,
		GroupID: "core",
		Args:    cobra.ExactArgs(1),
		RunE:    flags.runReplayCommand,
	}

	cmd.Flags().StringVar(&flags.header, "header", "", "Request header carrying the conversation key (default: "+capture.DefaultConversationHeader+")")
	flags.output.register(cmd)

	return cmd
}

func (f *replayFlags) runReplayCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())

	cfg, err := f.root.loadConfig()
	if err != nil {
		return err
	}
	f.output.apply(cmd, cfg)
	if f.header != "" {
		cfg.ConversationHeader = f.header
	}

	rec, err := newRecorder(cfg)
	if err != nil {
		return err
	}
	defer closeRecorder(ctx, rec, out)

	interceptor := capture.New(cli.Echo{Next: rec, Printer: out}, capture.WithConversationHeader(cfg.ConversationHeader))

	n, err := replay.Run(ctx, args[0], interceptor.RoundTripper)
	if err != nil {
		out.PrintError(fmt.Errorf("replaying %s: %w", args[0], err))
		return RuntimeError{Err: err}
	}

	out.PrintSuccess("Replayed %d interactions", n)
	return nil
}
