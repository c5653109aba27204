/*
Package sqlite provides a SQLite-backed implementation of engine.Store.

PURPOSE:
  Persists members, their point history, rank definitions, deduction
  requests and the maintenance watermark. Queries go through sqlx over the
  mattn/go-sqlite3 driver.

KEY TABLES:
  members:            Current balance, rank, role grant and version
  point_events:       Append-only history, one row per event, ordered by seq
  rank_definitions:   Rank table as loaded at startup
  deduction_requests: Pending and resolved deduction requests
  maintenance_state:  Single-row watermark for the monthly sweep

APPEND-ONLY ENFORCEMENT:
  point_events rows are only ever inserted. SaveMember inserts the events
  past the stored count; a history shorter than what is stored, or one
  that rewrites a stored event, is rejected as a concurrent modification.

ATOMICITY:
  SaveMember writes the member row and its new events in one SQL
  transaction, guarded by the version check.

INDEXES:
  - idx_point_events_idempotency: (member_id, idempotency_key), unique
  - idx_requests_status: ListRequests by status

USAGE:
  store, err := sqlite.New("./data/rankd.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng := engine.New(store, ranks, engine.Options{})

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/rank-engine/engine"
)

// Store implements engine.Store using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

var _ engine.Store = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and every ":memory:"
	// connection would otherwise be its own database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		rank_id TEXT NOT NULL,
		banned INTEGER NOT NULL DEFAULT 0,
		approved INTEGER NOT NULL DEFAULT 0,
		grant_role_id TEXT,
		grant_assigned_at TEXT,
		grant_expires_at TEXT,
		grant_assigned_by TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Point history (append-only)
	CREATE TABLE IF NOT EXISTS point_events (
		member_id TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		delta INTEGER NOT NULL,
		balance INTEGER NOT NULL,
		reason TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		idempotency_key TEXT,
		PRIMARY KEY (member_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_point_events_idempotency
		ON point_events(member_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS rank_definitions (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		level INTEGER NOT NULL,
		demotion_threshold INTEGER,
		demotes_to TEXT,
		is_temporary INTEGER NOT NULL DEFAULT 0,
		expiration_days INTEGER,
		default_points INTEGER NOT NULL DEFAULT 0,
		terminal INTEGER NOT NULL DEFAULT 0,
		retired INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS deduction_requests (
		id TEXT PRIMARY KEY,
		target_member_id TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		points INTEGER NOT NULL CHECK (points > 0),
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		reviewed_by TEXT,
		reviewed_at TEXT,
		notes TEXT,
		idempotency_key TEXT,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON deduction_requests(status, created_at);

	CREATE TABLE IF NOT EXISTS maintenance_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_monthly_run_at TEXT,
		role_reset_day INTEGER NOT NULL DEFAULT 1
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ROW TYPES
// =============================================================================

type memberRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	Points          int64          `db:"points"`
	RankID          string         `db:"rank_id"`
	Banned          bool           `db:"banned"`
	Approved        bool           `db:"approved"`
	GrantRoleID     sql.NullString `db:"grant_role_id"`
	GrantAssignedAt sql.NullString `db:"grant_assigned_at"`
	GrantExpiresAt  sql.NullString `db:"grant_expires_at"`
	GrantAssignedBy sql.NullString `db:"grant_assigned_by"`
	Version         int64          `db:"version"`
	CreatedAt       string         `db:"created_at"`
	UpdatedAt       string         `db:"updated_at"`
}

type eventRow struct {
	MemberID       string         `db:"member_id"`
	Seq            int            `db:"seq"`
	ID             string         `db:"id"`
	OccurredAt     string         `db:"occurred_at"`
	Delta          int64          `db:"delta"`
	Balance        int64          `db:"balance"`
	Reason         string         `db:"reason"`
	ActorID        string         `db:"actor_id"`
	Kind           string         `db:"kind"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
}

type rankRow struct {
	ID                string         `db:"id"`
	DisplayName       string         `db:"display_name"`
	Level             int            `db:"level"`
	DemotionThreshold sql.NullInt64  `db:"demotion_threshold"`
	DemotesTo         sql.NullString `db:"demotes_to"`
	IsTemporary       bool           `db:"is_temporary"`
	ExpirationDays    sql.NullInt64  `db:"expiration_days"`
	DefaultPoints     int64          `db:"default_points"`
	Terminal          bool           `db:"terminal"`
	Retired           bool           `db:"retired"`
}

type requestRow struct {
	ID             string         `db:"id"`
	TargetMemberID string         `db:"target_member_id"`
	RequestedBy    string         `db:"requested_by"`
	Points         int64          `db:"points"`
	Reason         string         `db:"reason"`
	Status         string         `db:"status"`
	ReviewedBy     sql.NullString `db:"reviewed_by"`
	ReviewedAt     sql.NullString `db:"reviewed_at"`
	Notes          sql.NullString `db:"notes"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      string         `db:"created_at"`
	Version        int64          `db:"version"`
}

// =============================================================================
// MEMBERS
// =============================================================================

const memberColumns = `id, name, points, rank_id, banned, approved,
	grant_role_id, grant_assigned_at, grant_expires_at, grant_assigned_by,
	version, created_at, updated_at`

const eventColumns = `member_id, seq, id, occurred_at, delta, balance, reason,
	actor_id, kind, idempotency_key`

func (s *Store) GetMember(ctx context.Context, id engine.MemberID) (*engine.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row memberRow
	err := s.db.GetContext(ctx, &row, `SELECT `+memberColumns+` FROM members WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Kind: "member", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}

	var events []eventRow
	if err := s.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM point_events WHERE member_id = ? ORDER BY seq`, string(id)); err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return toMember(row, events)
}

// ListMembers returns members ordered by id.
func (s *Store) ListMembers(ctx context.Context) ([]*engine.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []memberRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+memberColumns+` FROM members ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	var events []eventRow
	if err := s.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM point_events ORDER BY member_id, seq`); err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	byMember := make(map[string][]eventRow, len(rows))
	for _, e := range events {
		byMember[e.MemberID] = append(byMember[e.MemberID], e)
	}
	out := make([]*engine.Member, 0, len(rows))
	for _, r := range rows {
		m, err := toMember(r, byMember[r.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// SaveMember writes the member row and any events past the stored history
// in one transaction. The stored version must equal m.Version.
func (s *Store) SaveMember(ctx context.Context, m *engine.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.GetContext(ctx, &stored, `SELECT version FROM members WHERE id = ?`, string(m.ID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if m.Version != 0 {
			return engine.ErrConcurrentModification
		}
	case err != nil:
		return fmt.Errorf("failed to read version: %w", err)
	case stored != m.Version:
		return engine.ErrConcurrentModification
	}

	var storedIDs []string
	if err := tx.SelectContext(ctx, &storedIDs,
		`SELECT id FROM point_events WHERE member_id = ? ORDER BY seq`, string(m.ID)); err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(m.History) < len(storedIDs) {
		return engine.ErrConcurrentModification
	}
	for i, id := range storedIDs {
		if m.History[i].ID != id {
			return engine.ErrConcurrentModification
		}
	}

	row := fromMember(m)
	row.Version = m.Version + 1
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (:id, :name, :points, :rank_id, :banned, :approved,
			:grant_role_id, :grant_assigned_at, :grant_expires_at, :grant_assigned_by,
			:version, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			points = excluded.points,
			rank_id = excluded.rank_id,
			banned = excluded.banned,
			approved = excluded.approved,
			grant_role_id = excluded.grant_role_id,
			grant_assigned_at = excluded.grant_assigned_at,
			grant_expires_at = excluded.grant_expires_at,
			grant_assigned_by = excluded.grant_assigned_by,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, row)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}

	for i := len(storedIDs); i < len(m.History); i++ {
		ev := fromEvent(m.ID, i, m.History[i])
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO point_events (`+eventColumns+`)
			VALUES (:member_id, :seq, :id, :occurred_at, :delta, :balance, :reason,
				:actor_id, :kind, :idempotency_key)
		`, ev)
		if err != nil {
			if isUniqueConstraintError(err) {
				return engine.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	m.Version = row.Version
	return nil
}

func toMember(r memberRow, events []eventRow) (*engine.Member, error) {
	d := timeDecoder{kind: "member", id: r.ID}
	m := &engine.Member{
		ID:        engine.MemberID(r.ID),
		Name:      r.Name,
		Points:    r.Points,
		RankID:    engine.RankID(r.RankID),
		Banned:    r.Banned,
		Approved:  r.Approved,
		Version:   r.Version,
		CreatedAt: d.parse("created_at", r.CreatedAt),
		UpdatedAt: d.parse("updated_at", r.UpdatedAt),
	}
	if r.GrantRoleID.Valid {
		m.ActiveRoleGrant = &engine.RoleGrant{
			RoleID:     engine.RankID(r.GrantRoleID.String),
			AssignedAt: d.parse("grant_assigned_at", r.GrantAssignedAt.String),
			ExpiresAt:  d.parse("grant_expires_at", r.GrantExpiresAt.String),
			AssignedBy: r.GrantAssignedBy.String,
		}
	}
	m.History = make([]engine.PointEvent, 0, len(events))
	for _, e := range events {
		m.History = append(m.History, engine.PointEvent{
			ID:             e.ID,
			Timestamp:      d.parse("point_events.occurred_at", e.OccurredAt),
			Delta:          e.Delta,
			Balance:        e.Balance,
			Reason:         e.Reason,
			ActorID:        e.ActorID,
			Kind:           engine.EventKind(e.Kind),
			IdempotencyKey: e.IdempotencyKey.String,
		})
	}
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

func fromMember(m *engine.Member) memberRow {
	row := memberRow{
		ID:        string(m.ID),
		Name:      m.Name,
		Points:    m.Points,
		RankID:    string(m.RankID),
		Banned:    m.Banned,
		Approved:  m.Approved,
		Version:   m.Version,
		CreatedAt: formatTime(m.CreatedAt),
		UpdatedAt: formatTime(m.UpdatedAt),
	}
	if g := m.ActiveRoleGrant; g != nil {
		row.GrantRoleID = nullString(string(g.RoleID))
		row.GrantAssignedAt = nullString(formatTime(g.AssignedAt))
		row.GrantExpiresAt = nullString(formatTime(g.ExpiresAt))
		row.GrantAssignedBy = nullString(g.AssignedBy)
	}
	return row
}

func fromEvent(memberID engine.MemberID, seq int, e engine.PointEvent) eventRow {
	return eventRow{
		MemberID:       string(memberID),
		Seq:            seq,
		ID:             e.ID,
		OccurredAt:     formatTime(e.Timestamp),
		Delta:          e.Delta,
		Balance:        e.Balance,
		Reason:         e.Reason,
		ActorID:        e.ActorID,
		Kind:           string(e.Kind),
		IdempotencyKey: nullString(e.IdempotencyKey),
	}
}

// =============================================================================
// RANKS
// =============================================================================

// ListRanks returns every stored definition, highest level first.
func (s *Store) ListRanks(ctx context.Context) ([]engine.RankDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []rankRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, display_name, level, demotion_threshold, demotes_to, is_temporary,
			expiration_days, default_points, terminal, retired
		FROM rank_definitions ORDER BY level DESC
	`); err != nil {
		return nil, fmt.Errorf("failed to list ranks: %w", err)
	}

	out := make([]engine.RankDefinition, 0, len(rows))
	for _, r := range rows {
		d := engine.RankDefinition{
			ID:            engine.RankID(r.ID),
			DisplayName:   r.DisplayName,
			Level:         r.Level,
			IsTemporary:   r.IsTemporary,
			DefaultPoints: r.DefaultPoints,
			Terminal:      r.Terminal,
			Retired:       r.Retired,
		}
		if r.DemotionThreshold.Valid {
			d.DemotionThreshold = engine.Int64(r.DemotionThreshold.Int64)
		}
		if r.DemotesTo.Valid {
			d.DemotesTo = engine.RankRef(engine.RankID(r.DemotesTo.String))
		}
		if r.ExpirationDays.Valid {
			d.ExpirationDays = engine.Int(int(r.ExpirationDays.Int64))
		}
		out = append(out, d)
	}
	return out, nil
}

// SaveRank upserts a rank definition.
func (s *Store) SaveRank(ctx context.Context, d engine.RankDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := rankRow{
		ID:            string(d.ID),
		DisplayName:   d.DisplayName,
		Level:         d.Level,
		IsTemporary:   d.IsTemporary,
		DefaultPoints: d.DefaultPoints,
		Terminal:      d.Terminal,
		Retired:       d.Retired,
	}
	if d.DemotionThreshold != nil {
		row.DemotionThreshold = sql.NullInt64{Int64: *d.DemotionThreshold, Valid: true}
	}
	if d.DemotesTo != nil {
		row.DemotesTo = nullString(string(*d.DemotesTo))
	}
	if d.ExpirationDays != nil {
		row.ExpirationDays = sql.NullInt64{Int64: int64(*d.ExpirationDays), Valid: true}
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO rank_definitions (id, display_name, level, demotion_threshold, demotes_to,
			is_temporary, expiration_days, default_points, terminal, retired)
		VALUES (:id, :display_name, :level, :demotion_threshold, :demotes_to,
			:is_temporary, :expiration_days, :default_points, :terminal, :retired)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			level = excluded.level,
			demotion_threshold = excluded.demotion_threshold,
			demotes_to = excluded.demotes_to,
			is_temporary = excluded.is_temporary,
			expiration_days = excluded.expiration_days,
			default_points = excluded.default_points,
			terminal = excluded.terminal,
			retired = excluded.retired
	`, row)
	if err != nil {
		return fmt.Errorf("failed to save rank: %w", err)
	}
	return nil
}

// =============================================================================
// DEDUCTION REQUESTS
// =============================================================================

const requestColumns = `id, target_member_id, requested_by, points, reason, status,
	reviewed_by, reviewed_at, notes, idempotency_key, created_at, version`

func (s *Store) GetRequest(ctx context.Context, id engine.RequestID) (*engine.DeductionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row requestRow
	err := s.db.GetContext(ctx, &row, `SELECT `+requestColumns+` FROM deduction_requests WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Kind: "request", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return toRequest(row)
}

// ListRequests returns requests ordered by creation time, optionally
// filtered by status.
func (s *Store) ListRequests(ctx context.Context, status engine.RequestStatus) ([]*engine.DeductionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + requestColumns + ` FROM deduction_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	out := make([]*engine.DeductionRequest, 0, len(rows))
	for _, r := range rows {
		req, err := toRequest(r)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// SaveRequest upserts r if the stored version equals r.Version.
func (s *Store) SaveRequest(ctx context.Context, r *engine.DeductionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.GetContext(ctx, &stored, `SELECT version FROM deduction_requests WHERE id = ?`, string(r.ID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if r.Version != 0 {
			return engine.ErrConcurrentModification
		}
	case err != nil:
		return fmt.Errorf("failed to read version: %w", err)
	case stored != r.Version:
		return engine.ErrConcurrentModification
	}

	row := requestRow{
		ID:             string(r.ID),
		TargetMemberID: string(r.TargetMemberID),
		RequestedBy:    r.RequestedBy,
		Points:         r.Points,
		Reason:         r.Reason,
		Status:         string(r.Status),
		ReviewedBy:     nullString(r.ReviewedBy),
		Notes:          nullString(r.Notes),
		IdempotencyKey: nullString(r.IdempotencyKey),
		CreatedAt:      formatTime(r.CreatedAt),
		Version:        r.Version + 1,
	}
	if r.ReviewedAt != nil {
		row.ReviewedAt = nullString(formatTime(*r.ReviewedAt))
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO deduction_requests (`+requestColumns+`)
		VALUES (:id, :target_member_id, :requested_by, :points, :reason, :status,
			:reviewed_by, :reviewed_at, :notes, :idempotency_key, :created_at, :version)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reviewed_by = excluded.reviewed_by,
			reviewed_at = excluded.reviewed_at,
			notes = excluded.notes,
			version = excluded.version
	`, row)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	r.Version = row.Version
	return nil
}

func toRequest(r requestRow) (*engine.DeductionRequest, error) {
	d := timeDecoder{kind: "request", id: r.ID}
	req := &engine.DeductionRequest{
		ID:             engine.RequestID(r.ID),
		TargetMemberID: engine.MemberID(r.TargetMemberID),
		RequestedBy:    r.RequestedBy,
		Points:         r.Points,
		Reason:         r.Reason,
		Status:         engine.RequestStatus(r.Status),
		ReviewedBy:     r.ReviewedBy.String,
		Notes:          r.Notes.String,
		IdempotencyKey: r.IdempotencyKey.String,
		CreatedAt:      d.parse("created_at", r.CreatedAt),
		Version:        r.Version,
	}
	if r.ReviewedAt.Valid {
		t := d.parse("reviewed_at", r.ReviewedAt.String)
		req.ReviewedAt = &t
	}
	if d.err != nil {
		return nil, d.err
	}
	return req, nil
}

// =============================================================================
// MAINTENANCE STATE
// =============================================================================

func (s *Store) GetMaintenanceState(ctx context.Context) (engine.MaintenanceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row struct {
		LastMonthlyRunAt sql.NullString `db:"last_monthly_run_at"`
		RoleResetDay     int            `db:"role_reset_day"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT last_monthly_run_at, role_reset_day FROM maintenance_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.MaintenanceState{}, nil
	}
	if err != nil {
		return engine.MaintenanceState{}, fmt.Errorf("failed to get maintenance state: %w", err)
	}

	state := engine.MaintenanceState{RoleResetDay: row.RoleResetDay}
	if row.LastMonthlyRunAt.Valid {
		d := timeDecoder{kind: "maintenance_state", id: "1"}
		state.LastMonthlyRunAt = d.parse("last_monthly_run_at", row.LastMonthlyRunAt.String)
		if d.err != nil {
			return engine.MaintenanceState{}, d.err
		}
	}
	return state, nil
}

func (s *Store) SaveMaintenanceState(ctx context.Context, state engine.MaintenanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last sql.NullString
	if !state.LastMonthlyRunAt.IsZero() {
		last = nullString(formatTime(state.LastMonthlyRunAt))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_state (id, last_monthly_run_at, role_reset_day)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_monthly_run_at = excluded.last_monthly_run_at,
			role_reset_day = excluded.role_reset_day
	`, last, state.RoleResetDay)
	if err != nil {
		return fmt.Errorf("failed to save maintenance state: %w", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"point_events", "members", "deduction_requests", "rank_definitions", "maintenance_state"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// timeDecoder parses stored timestamps for one record and keeps the first
// failure as an engine.CorruptRecordError.
type timeDecoder struct {
	kind string
	id   string
	err  error
}

func (d *timeDecoder) parse(field, s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		if d.err == nil {
			d.err = &engine.CorruptRecordError{Kind: d.kind, ID: d.id, Field: field, Err: err}
		}
		return time.Time{}
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
