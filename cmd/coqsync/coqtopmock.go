package main

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/coqsync/internal/coqmock"
)

func newCoqtopMockCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "coqtop-mock [-emacs] [coqtop args...]",
		Short:              "Emulate coqtop -emacs on stdin/stdout for testing",
		SilenceErrors:      true,
		SilenceUsage:       true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := coqmock.Options{ReplyDelay: mockReplyDelay(args)}
			err := coqmock.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
			if err == io.EOF {
				return nil
			}
			return err
		},
	}
}

// mockReplyDelay reads `-mock-delay <duration>`; coqtop arguments are
// otherwise ignored.
func mockReplyDelay(args []string) time.Duration {
	for i := 0; i+1 < len(args); i++ {
		if args[i] != "-mock-delay" {
			continue
		}
		delay, err := time.ParseDuration(args[i+1])
		if err != nil || delay < 0 {
			return 0
		}
		return delay
	}
	return 0
}
