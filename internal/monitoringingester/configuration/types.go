package configuration

import (
	"time"
)

type PostgresConfig struct {
	// Maximum size of the connection pool.  Zero keeps the pgx default.
	MaxConns int32
	// Number of idle connections the pool keeps open.  Zero keeps the pgx default.
	MinConns int32
	// Maximum age of a pooled connection before it is cycled.  Zero keeps the pgx default.
	MaxConnLifetime time.Duration
	// libpq-style key/value connection parameters (host, port, dbname etc.)
	Connection map[string]string
}

type MonitoringIngesterConfiguration struct {
	// Database configuration
	Postgres PostgresConfig
	// Port on which prometheus metrics are exposed
	MetricsPort uint16
	// Listen address for the telemetry receiver (host:port); empty disables the receiver
	ReceiverAddress string
	// Number of messages that will be batched together before being inserted into the database
	BatchSize int `validate:"gt=0"`
	// Maximum time spent accumulating a batch before it is inserted into the database
	BatchDuration time.Duration `validate:"gt=0"`
	// Time for which a forwarder will sleep after observing its ingress channel empty
	PollInterval time.Duration `validate:"gte=0"`
	// Pending buffer length above which a warning is logged.  Zero disables the
	// watermark; messages are never dropped either way.
	PendingQueueSoftCeiling int
	// Maximum number of attempts when opening the initial database connection
	ConnectionAttempts uint
}
