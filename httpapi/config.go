package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr string
	// BasePath mounts the API below a path prefix, e.g. behind a reverse proxy.
	BasePath string
	// HubHistory is the number of events kept per document for stream replay.
	HubHistory int
}
