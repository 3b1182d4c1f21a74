package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/coqsync"
	"pkt.systems/coqsync/core"
	"pkt.systems/coqsync/internal/format"
	"pkt.systems/coqsync/internal/segment"
	"pkt.systems/coqsync/schema"
	"pkt.systems/pslog"
)

// errCheckFailed marks a document that did not advance to its target.
var errCheckFailed = errors.New("check failed")

func newCheckCmd() *cobra.Command {
	var flags sessionFlags
	var target int
	var resume bool
	var quiet bool
	cmd := &cobra.Command{
		Use:   "check <file.v>",
		Short: "Advance through a document and fail on the first error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			server, err := newServer(cfg, logger, nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := server.Start(ctx); err != nil {
				return err
			}
			defer stopServer(server, logger)

			out := &syncWriter{w: cmd.OutOrStdout()}
			stopEvents := printEvents(server.Events(), coqsync.DocumentIDForPath(args[0]), out, quiet)
			defer stopEvents()

			driver, err := openFile(ctx, server, args[0], resume)
			if err != nil {
				return err
			}

			buffer, err := server.Registry().Buffer(driver.ID())
			if err != nil {
				return err
			}
			goal := target
			if goal < 0 {
				goal = buffer.Len()
			}
			if err := driver.GoTo(ctx, goal); err != nil {
				return err
			}
			if err := driver.WaitIdle(ctx); err != nil {
				return err
			}
			stopEvents()
			return reportCheck(cmd.OutOrStdout(), driver, buffer, goal)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&target, "to", -1, "character offset to advance to (default: end of document)")
	cmd.Flags().BoolVar(&resume, "resume", false, "start from the last saved position when the proven text is unchanged")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide progress notices")
	return cmd
}

// reportCheck prints the final state and reports whether the document
// advanced as far as requested.
func reportCheck(w io.Writer, driver *core.Driver, doc segment.Source, goal int) error {
	snap := driver.Snapshot()
	for _, line := range format.NewPlainRenderer().FormatState(snap) {
		_, _ = fmt.Fprintln(w, line)
	}
	if snap.Err != "" {
		return fmt.Errorf("%w: %s", errCheckFailed, snap.Err)
	}
	if snap.Position >= goal {
		return nil
	}
	// Only trailing whitespace may remain before the goal.
	unit, err := segment.New().Next(doc, snap.Position)
	switch {
	case errors.Is(err, schema.ErrEndOfDocument):
		return nil
	case err != nil:
		return fmt.Errorf("%w at %d: %v", errCheckFailed, snap.Position, err)
	case unit.Region.Start >= goal:
		return nil
	}
	return fmt.Errorf("%w at %d: %s", errCheckFailed, snap.Position, strings.TrimSpace(unit.Text))
}
