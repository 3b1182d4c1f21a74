package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/coqsync"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var flags sessionFlags
	var addr string
	var watch []string
	var noHTTP bool
	var enableSSH bool
	var sshAddr string
	cmd := &cobra.Command{
		Use:   "serve [--watch file.v]...",
		Short: "Serve the session API and keep watched files in sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if sshAddr != "" {
				cfg.SSH.Addr = sshAddr
			}
			if enableSSH {
				cfg.SSH.Enabled = true
			}
			files := make([]coqsync.WatchFile, 0, len(watch)+len(args))
			for _, path := range append(watch, args...) {
				files = append(files, coqsync.WatchFile{Path: path})
			}

			var opts []coqsync.ServerOption
			if !noHTTP {
				opts = append(opts, coqsync.WithHTTP())
			}
			if cfg.SSH.Enabled {
				opts = append(opts, coqsync.WithSSH())
			}
			if len(files) > 0 {
				opts = append(opts, coqsync.WithWatch())
			}
			server, err := newServer(cfg, logger, files, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("serve config", "http", !noHTTP, "addr", cfg.HTTP.Addr, "ssh", cfg.SSH.Enabled, "ssh_addr", cfg.SSH.Addr, "base_path", cfg.HTTP.BasePath, "coqtop", cfg.Coqtop.Path, "watch", len(files))
			if err := server.Start(ctx); err != nil {
				stopServer(server, logger)
				return err
			}
			defer stopServer(server, logger)
			return server.Wait()
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides http.addr)")
	cmd.Flags().StringArrayVarP(&watch, "watch", "w", nil, "open a file and resync it when it changes (repeatable)")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "only watch files, without the HTTP API")
	cmd.Flags().BoolVar(&enableSSH, "ssh", false, "enable the SSH shell (overrides ssh.enabled)")
	cmd.Flags().StringVar(&sshAddr, "ssh-addr", "", "SSH listen address (overrides ssh.addr)")
	return cmd
}
