package db

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/lead-delivery/internal/config"
)

// Scylla wraps a gocql session.
type Scylla struct {
	session *gocql.Session
}

// NewScylla creates a new Scylla session.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}

	if !cfg.DisableInitSchema {
		if err := initKeyspace(cfg); err != nil {
			return nil, err
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	if !cfg.DisableInitSchema {
		if err := initSchema(session); err != nil {
			session.Close()
			return nil, err
		}
	}

	return &Scylla{session: session}, nil
}

func initKeyspace(cfg config.ScyllaConfig) error {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Timeout = cfg.Timeout
	session, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("scylla: bootstrap session: %w", err)
	}
	defer session.Close()

	q := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, cfg.Keyspace)
	if err := session.Query(q).Exec(); err != nil {
		return fmt.Errorf("scylla: create keyspace: %w", err)
	}
	return nil
}

func initSchema(session *gocql.Session) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS delivery_attempts_by_phone (
			phone text,
			bucket date,
			occurred_at timestamp,
			attempt_id uuid,
			operation text,
			template text,
			channel text,
			success boolean,
			message_id text,
			kind text,
			reason text,
			latency_ms bigint,
			primary_error text,
			PRIMARY KEY ((phone, bucket), occurred_at, attempt_id)
		) WITH CLUSTERING ORDER BY (occurred_at DESC, attempt_id ASC)`,
	}
	for _, stmt := range stmts {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("scylla: init schema: %w", err)
		}
	}
	return nil
}

// Ping runs a trivial query against the cluster.
func (s *Scylla) Ping(ctx context.Context) error {
	return s.session.Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch level {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "each_quorum":
		return gocql.EachQuorum
	case "quorum":
		fallthrough
	default:
		return gocql.Quorum
	}
}
