package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/coqsync"
	"pkt.systems/coqsync/core"
	"pkt.systems/coqsync/internal/command"
	"pkt.systems/pslog"
)

const shellPrompt = "coqsync> "

func newShellCmd() *cobra.Command {
	var flags sessionFlags
	var resume bool
	var disableAudit bool
	cmd := &cobra.Command{
		Use:   "shell <file.v>",
		Short: "Step through a document with slash commands",
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
			stopEvents := printEvents(server.Events(), coqsync.DocumentIDForPath(args[0]), out, false)
			defer stopEvents()

			driver, err := openFile(ctx, server, args[0], resume)
			if err != nil {
				return err
			}
			handler := command.NewHandler(driver, command.HandlerConfig{
				Width:               cfg.Session.OutputWidth,
				DisableAuditLogging: disableAudit,
			})
			return runShell(ctx, cmd.InOrStdin(), out, driver, handler)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&resume, "resume", false, "start from the last saved position when the proven text is unchanged")
	cmd.Flags().BoolVar(&disableAudit, "disable-audit-trails", false, "disable audit trail logging for commands")
	return cmd
}

// runShell reads slash commands until /quit or end of input. Each command
// waits for the session to go idle before the next prompt.
func runShell(ctx context.Context, in io.Reader, out *syncWriter, driver *core.Driver, handler *command.Handler) error {
	log := pslog.Ctx(ctx)
	scanner := bufio.NewScanner(in)
	out.print(shellPrompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			out.print(shellPrompt)
			continue
		}
		res, err := handler.Handle(ctx, line)
		switch {
		case err != nil:
			out.printLines([]string{"error: " + err.Error()})
		case !res.Handled:
			out.printLines([]string{"commands start with /, try /help"})
		default:
			if err := driver.WaitIdle(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				log.Warn("shell session ended", "err", err)
				return err
			}
			out.printLines(res.Lines)
		}
		if res.Quit {
			return nil
		}
		out.print(shellPrompt)
	}
	return scanner.Err()
}
