// Package postgres provides a PostgreSQL saga store built on database/sql.
// Import a driver such as github.com/lib/pq in your main package.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	sagaflow "github.com/sagaflow/go-sagaflow"
)

// Ensure interface compliance at compile time
var _ sagaflow.SagaStore = (*SagaStore)(nil)

// SagaStore provides a PostgreSQL implementation of sagaflow.SagaStore.
//
// The full state is persisted as a serialized document; the columns needed
// by the recovery sweeps (status, timeout deadline, undispatched pending
// count, TCC step count) are stored alongside it and indexed, so sweeps
// never scan documents.
type SagaStore struct {
	db         *sql.DB
	schema     string
	table      string
	serializer sagaflow.StateSerializer
	ownsDB     bool
}

// SagaStoreOption configures a SagaStore.
type SagaStoreOption func(*SagaStore)

// WithSchema sets the PostgreSQL schema for the saga table.
func WithSchema(schema string) SagaStoreOption {
	return func(s *SagaStore) {
		s.schema = schema
	}
}

// WithTable sets the table name for saga records.
func WithTable(table string) SagaStoreOption {
	return func(s *SagaStore) {
		s.table = table
	}
}

// WithSerializer sets the state document serializer. Defaults to JSON.
func WithSerializer(serializer sagaflow.StateSerializer) SagaStoreOption {
	return func(s *SagaStore) {
		if serializer != nil {
			s.serializer = serializer
		}
	}
}

// NewSagaStore creates a SagaStore on an existing connection pool.
// The caller keeps ownership of the pool; Close is a no-op.
func NewSagaStore(db *sql.DB, opts ...SagaStoreOption) *SagaStore {
	s := &SagaStore{
		db:         db,
		schema:     "public",
		table:      "sagaflow_sagas",
		serializer: sagaflow.NewJSONSerializer(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Open connects to PostgreSQL and returns a SagaStore owning the pool.
func Open(url string, opts ...SagaStoreOption) (*SagaStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("sagaflow/postgres: failed to open database: %w", err)
	}

	s := NewSagaStore(db, opts...)
	s.ownsDB = true
	return s, nil
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateIdentifier checks if a name is a valid PostgreSQL identifier.
// This helps prevent SQL injection when using identifiers in queries.
func validateIdentifier(name, kind string) error {
	if name == "" {
		return fmt.Errorf("sagaflow/postgres: %s name cannot be empty", kind)
	}
	if len(name) > 63 {
		return fmt.Errorf("sagaflow/postgres: %s name exceeds 63 characters", kind)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("sagaflow/postgres: %s name contains invalid characters", kind)
	}
	return nil
}

func quoteIdentifier(name string) string {
	return `"` + name + `"`
}

func quoteQualifiedTable(schema, table string) string {
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}

// fullTableName returns the fully qualified and quoted table name.
func (s *SagaStore) fullTableName() string {
	return quoteQualifiedTable(s.schema, s.table)
}

// terminalStatusList renders the terminal status values as a SQL IN list.
func terminalStatusList() string {
	return fmt.Sprintf("(%d, %d, %d)",
		int(sagaflow.StatusCompensated),
		int(sagaflow.StatusCompleted),
		int(sagaflow.StatusFailed))
}

// Initialize creates the saga table and indexes if they don't exist.
func (s *SagaStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if err := validateIdentifier(s.table, "table"); err != nil {
		return err
	}

	tableQ := s.fullTableName()
	query := `
		CREATE TABLE IF NOT EXISTS ` + tableQ + ` (
			id VARCHAR(255) PRIMARY KEY,
			saga_type VARCHAR(255) NOT NULL,
			correlation_id VARCHAR(255),
			status INT NOT NULL DEFAULT 0,
			timeout_at TIMESTAMPTZ,
			pending_count INT NOT NULL DEFAULT 0,
			tcc_count INT NOT NULL DEFAULT 0,
			state BYTEA NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			version BIGINT NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_correlation") + ` ON ` + tableQ + ` (correlation_id, saga_type) WHERE correlation_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_status") + ` ON ` + tableQ + ` (status);
		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_timeout") + ` ON ` + tableQ + ` (timeout_at) WHERE timeout_at IS NOT NULL;
		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_pending") + ` ON ` + tableQ + ` (pending_count) WHERE pending_count > 0;
		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_tcc") + ` ON ` + tableQ + ` (tcc_count) WHERE tcc_count > 0;
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sagaflow/postgres: failed to create table: %w", err)
	}

	return nil
}

// Save persists a saga state with optimistic concurrency control.
//
// Version semantics:
//   - Version 0: Creates a new saga. Uses INSERT.
//   - Version > 0: Updates an existing saga. Uses UPDATE with version check.
//     If the version doesn't match, returns ErrConcurrencyConflict.
//
// After a successful save, state.Version reflects the new stored version.
func (s *SagaStore) Save(ctx context.Context, state *sagaflow.SagaState) error {
	if state == nil {
		return sagaflow.ErrNilState
	}
	if state.ID == "" {
		return sagaflow.ErrEmptySagaID
	}

	doc, err := s.serializer.Marshal(state)
	if err != nil {
		return err
	}

	pendingCount := 0
	for _, pc := range state.PendingCommands {
		if !pc.Dispatched {
			pendingCount++
		}
	}

	tableQ := s.fullTableName()
	query := `
		INSERT INTO ` + tableQ + ` (
			id, saga_type, correlation_id, status, timeout_at,
			pending_count, tcc_count, state, started_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, 1
		)
		ON CONFLICT (id) DO UPDATE SET
			saga_type = EXCLUDED.saga_type,
			correlation_id = EXCLUDED.correlation_id,
			status = EXCLUDED.status,
			timeout_at = EXCLUDED.timeout_at,
			pending_count = EXCLUDED.pending_count,
			tcc_count = EXCLUDED.tcc_count,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at,
			version = ` + tableQ + `.version + 1
		WHERE ` + tableQ + `.version = $11
		RETURNING version
	`

	var newVersion int64
	err = s.db.QueryRowContext(ctx, query,
		state.ID,
		state.SagaType,
		nullString(state.CorrelationID),
		int(state.Status),
		nullTime(state.TimeoutAt),
		pendingCount,
		len(state.TCCSteps),
		doc,
		state.StartedAt,
		time.Now(),
		state.Version,
	).Scan(&newVersion)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sagaflow/postgres: concurrency conflict for saga %q: %w",
				state.ID, sagaflow.ErrConcurrencyConflict)
		}
		return fmt.Errorf("sagaflow/postgres: failed to save saga: %w", err)
	}

	state.Version = newVersion
	return nil
}

// Load retrieves a saga state by ID.
func (s *SagaStore) Load(ctx context.Context, sagaID string) (*sagaflow.SagaState, error) {
	if sagaID == "" {
		return nil, sagaflow.ErrEmptySagaID
	}

	query := `
		SELECT state, version
		FROM ` + s.fullTableName() + `
		WHERE id = $1
	`

	var (
		doc     []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx, query, sagaID).Scan(&doc, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &sagaflow.SagaNotFoundError{SagaID: sagaID}
		}
		return nil, fmt.Errorf("sagaflow/postgres: failed to load saga: %w", err)
	}

	return s.decode(doc, version)
}

// FindByCorrelationID returns the most recently started non-terminal saga
// of the given type carrying the correlation id.
func (s *SagaStore) FindByCorrelationID(ctx context.Context, correlationID, sagaType string) (*sagaflow.SagaState, error) {
	if correlationID == "" {
		return nil, sagaflow.ErrEmptySagaID
	}

	query := `
		SELECT state, version
		FROM ` + s.fullTableName() + `
		WHERE correlation_id = $1
		  AND saga_type = $2
		  AND status NOT IN ` + terminalStatusList() + `
		ORDER BY started_at DESC
		LIMIT 1
	`

	var (
		doc     []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx, query, correlationID, sagaType).Scan(&doc, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &sagaflow.SagaNotFoundError{CorrelationID: correlationID, SagaType: sagaType}
		}
		return nil, fmt.Errorf("sagaflow/postgres: failed to find saga: %w", err)
	}

	return s.decode(doc, version)
}

// FindStalledSagas returns non-terminal sagas with unconfirmed pending commands.
func (s *SagaStore) FindStalledSagas(ctx context.Context) ([]*sagaflow.SagaState, error) {
	query := `
		SELECT state, version
		FROM ` + s.fullTableName() + `
		WHERE pending_count > 0
		  AND status NOT IN ` + terminalStatusList() + `
		ORDER BY updated_at ASC
	`
	return s.queryStates(ctx, query)
}

// FindSuspendedSagas returns all suspended sagas.
func (s *SagaStore) FindSuspendedSagas(ctx context.Context) ([]*sagaflow.SagaState, error) {
	query := `
		SELECT state, version
		FROM ` + s.fullTableName() + `
		WHERE status = $1
		ORDER BY updated_at ASC
	`
	return s.queryStates(ctx, query, int(sagaflow.StatusSuspended))
}

// FindExpiredSuspendedSagas returns suspended sagas past their deadline.
func (s *SagaStore) FindExpiredSuspendedSagas(ctx context.Context, now time.Time) ([]*sagaflow.SagaState, error) {
	query := `
		SELECT state, version
		FROM ` + s.fullTableName() + `
		WHERE status = $1
		  AND timeout_at IS NOT NULL
		  AND timeout_at <= $2
		ORDER BY timeout_at ASC
	`
	return s.queryStates(ctx, query, int(sagaflow.StatusSuspended), now)
}

// FindRunningSagasWithTCCSteps returns non-terminal sagas with a TCC ledger.
func (s *SagaStore) FindRunningSagasWithTCCSteps(ctx context.Context) ([]*sagaflow.SagaState, error) {
	query := `
		SELECT state, version
		FROM ` + s.fullTableName() + `
		WHERE tcc_count > 0
		  AND status NOT IN ` + terminalStatusList() + `
		ORDER BY updated_at ASC
	`
	return s.queryStates(ctx, query)
}

// Close closes the connection pool if this store opened it.
func (s *SagaStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *SagaStore) queryStates(ctx context.Context, query string, args ...interface{}) ([]*sagaflow.SagaState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sagaflow/postgres: query failed: %w", err)
	}
	defer rows.Close()

	var states []*sagaflow.SagaState
	for rows.Next() {
		var (
			doc     []byte
			version int64
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("sagaflow/postgres: scan failed: %w", err)
		}
		state, err := s.decode(doc, version)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sagaflow/postgres: row iteration failed: %w", err)
	}

	return states, nil
}

// decode deserializes a state document. The version column is authoritative;
// the document's embedded version can lag one save behind.
func (s *SagaStore) decode(doc []byte, version int64) (*sagaflow.SagaState, error) {
	state, err := s.serializer.Unmarshal(doc)
	if err != nil {
		return nil, err
	}
	state.Version = version
	return state, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
