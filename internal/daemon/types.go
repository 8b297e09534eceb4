package daemon

// StartOptions configures the daemon (home, port, store driver, provider).
type StartOptions struct {
	Home      string
	Port      int
	PprofAddr string
	Provider  string // "aws" (default) or "stub" for local development
	DBDriver  string // "sqlite" (default) or "postgres"
	DBURL     string // for postgres: connection string (or DATABASE_URL env)
	// EnableOtel enables OpenTelemetry metrics (Prometheus exporter on /metrics).
	EnableOtel bool
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
