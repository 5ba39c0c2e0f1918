// Package store is the relational store: the authoritative, durable
// record for Agent, AgentTask, FormRoute, MappingResult, the durable
// MappingSession row, activity log entries, and the Budget Gate's ledger
// (spec.md §3). It follows the dialect-aware database/sql style of
// pkg/agent/task_service_sql.go (one driver import per supported
// backend, a `dialect` string threaded through every query builder)
// generalized from a single `tasks` table to this domain's full schema,
// grounded on original_source/api-server/models/{agent_models,
// form_mapper_models,database}.py for field shapes.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	// Database drivers, exactly as task_service_sql.go registers them.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/quickform/orchestrator/pkg/config"
)

// Store wraps a *sql.DB with dialect-aware query building.
type Store struct {
	db      *sql.DB
	dialect string
}

// Open connects to the relational store per cfg and initializes schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.DriverName(), err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)

	s := &Store{db: db, dialect: cfg.Dialect()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// NewForTest wraps an already-open *sql.DB (typically :memory: sqlite)
// without going through config, for package tests.
func NewForTest(db *sql.DB, dialect string) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// bind rewrites a query written with `?` placeholders into the target
// dialect's placeholder style. Unlike task_service_sql.go (which emits
// bare `?` regardless of dialect — fine for sqlite/mysql but invalid
// against lib/pq, which requires `$1`, `$2`, ...), every query in this
// package is written once with `?` and passed through bind so it works
// unmodified against all three drivers.
func (s *Store) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) autoIncrementType() string {
	switch s.dialect {
	case "postgres":
		return "BIGSERIAL PRIMARY KEY"
	case "mysql":
		return "BIGINT AUTO_INCREMENT PRIMARY KEY"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

func (s *Store) textType() string {
	if s.dialect == "mysql" {
		return "MEDIUMTEXT"
	}
	return "TEXT"
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id VARCHAR(64) PRIMARY KEY,
    tenant_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(64) NOT NULL,
    api_key VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'offline',
    last_heartbeat TIMESTAMP NULL,
    platform VARCHAR(64),
    version VARCHAR(32),
    current_task_id VARCHAR(64),
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_api_key ON agents(api_key);
CREATE INDEX IF NOT EXISTS idx_agents_user_id ON agents(user_id);

CREATE TABLE IF NOT EXISTS agent_tasks (
    task_id VARCHAR(64) PRIMARY KEY,
    tenant_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(64) NOT NULL,
    agent_id VARCHAR(64),
    task_type VARCHAR(64) NOT NULL,
    parameters %[1]s,
    status VARCHAR(32) NOT NULL DEFAULT 'pending',
    result %[1]s,
    error_text %[1]s,
    session_id VARCHAR(64),
    session_version_snapshot BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_user_id ON agent_tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_session_id ON agent_tasks(session_id);

CREATE TABLE IF NOT EXISTS form_routes (
    form_route_id VARCHAR(64) PRIMARY KEY,
    project_id VARCHAR(64) NOT NULL,
    network_id VARCHAR(64) NOT NULL,
    form_name VARCHAR(255) NOT NULL,
    parent_form_id VARCHAR(64),
    navigation_steps %[1]s,
    input_values %[1]s,
    spec_document %[1]s,
    verification_asset_ref VARCHAR(512),
    login_stages %[1]s,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS mapping_results (
    result_id %[2]s,
    form_route_id VARCHAR(64) NOT NULL,
    path_number INT NOT NULL,
    steps %[1]s NOT NULL,
    verified_fields %[1]s,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(form_route_id, path_number)
);

CREATE TABLE IF NOT EXISTS mapping_sessions (
    session_id VARCHAR(64) PRIMARY KEY,
    tenant_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(64) NOT NULL,
    project_id VARCHAR(64) NOT NULL,
    network_id VARCHAR(64) NOT NULL,
    activity_type VARCHAR(32) NOT NULL,
    form_route_id VARCHAR(64),
    status VARCHAR(32) NOT NULL,
    session_version BIGINT NOT NULL DEFAULT 0,
    last_error %[1]s,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_ledgers (
    tenant_id VARCHAR(64) NOT NULL,
    product_id VARCHAR(64) NOT NULL,
    access_status VARCHAR(32) NOT NULL DEFAULT 'pending',
    access_model VARCHAR(32) NOT NULL DEFAULT 'early_access',
    daily_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
    daily_spend DOUBLE PRECISION NOT NULL DEFAULT 0,
    daily_reset TIMESTAMP NULL,
    trial_start TIMESTAMP NULL,
    trial_days INT NOT NULL DEFAULT 0,
    encrypted_api_key %[1]s,
    PRIMARY KEY (tenant_id, product_id)
);

CREATE TABLE IF NOT EXISTS activity_log_entries (
    entry_id %[2]s,
    session_id VARCHAR(64) NOT NULL,
    tenant_id VARCHAR(64),
    ts TIMESTAMP NOT NULL,
    level VARCHAR(16) NOT NULL,
    category VARCHAR(64),
    message %[1]s NOT NULL,
    extra %[1]s
);
CREATE INDEX IF NOT EXISTS idx_activity_log_session ON activity_log_entries(session_id);
`

func (s *Store) initSchema() error {
	ddl := fmt.Sprintf(schemaTemplate, s.textType(), s.autoIncrementType())
	// Some drivers (lib/pq, go-sqlite3) reject multi-statement Exec calls;
	// split on blank-line-separated statements and terminal semicolons.
	for _, stmt := range splitStatements(ddl) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w\n%s", err, stmt)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	return strings.Split(ddl, ";\n")
}
