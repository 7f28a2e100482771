package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	GraphSchema string

	// CreatorID is the platform id of the owning creator account. It drives
	// authored-by-owner derivation during normalization and the Creator
	// vertex in the graph. Empty means "derive from message direction only".
	CreatorID string

	// BusQueueSize bounds each broadcast-fabric subscriber queue.
	BusQueueSize int

	// CORS policy for the HTTP API. Entries may end in ":*" to allow any
	// port on that scheme+host.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CHATLENS_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CHATLENS_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHATLENS_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHATLENS_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHATLENS_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHATLENS_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHATLENS_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHATLENS_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("CHATLENS_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("CHATLENS_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CHATLENS_DB_MIN_CONNS", 0),
		GraphSchema: EnvString("CHATLENS_GRAPH_SCHEMA", "chatlens"),

		CreatorID: EnvString("CHATLENS_CREATOR_ID", ""),

		BusQueueSize: EnvInt("CHATLENS_BUS_QUEUE", 256),

		CORSAllowedOrigins:   EnvCSV("CHATLENS_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("CHATLENS_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CHATLENS_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("CHATLENS_READINESS_REQUIRE_DB", false),
	}
}
