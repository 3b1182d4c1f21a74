package sshserver

// Config defines SSH server settings.
type Config struct {
	Addr        string
	HostKeyPath string
	// AuthorizedKeysPath lists the public keys allowed to log in, in
	// authorized_keys format.
	AuthorizedKeysPath string
	Prompt             string
	// DisableAuditLogging turns off the per-command audit trail.
	DisableAuditLogging bool
}
