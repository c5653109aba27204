/*
store.go - Persistence interface for members, ranks and deduction requests

PURPOSE:
  Defines the contract between the engine and its record store. The store
  is keyed by entity type (members, rank definitions, deduction requests)
  and supports get-all, get-by-id and upsert.

ATOMICITY:
  Each upsert is atomic for one record. A member save writes points, rank,
  role grant and newly appended history together; there is no partial
  write of points without its history entry. Multi-record transactions are
  not assumed.

OPTIMISTIC CONCURRENCY:
  SaveMember and SaveRequest compare the record's Version with the stored
  one. A mismatch returns ErrConcurrentModification; on success the store
  increments Version on the passed record. A zero Version means "create".

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite via sqlx

SEE ALSO:
  - ledger.go: The only writer of member points
*/
package engine

import "context"

type MemberStore interface {
	// GetMember returns a *NotFoundError if the member does not exist.
	GetMember(ctx context.Context, id MemberID) (*Member, error)
	ListMembers(ctx context.Context) ([]*Member, error)
	SaveMember(ctx context.Context, m *Member) error
}

type RankStore interface {
	ListRanks(ctx context.Context) ([]RankDefinition, error)
	SaveRank(ctx context.Context, r RankDefinition) error
}

type RequestStore interface {
	// GetRequest returns a *NotFoundError if the request does not exist.
	GetRequest(ctx context.Context, id RequestID) (*DeductionRequest, error)

	// ListRequests returns requests ordered by creation time. An empty
	// status returns all of them.
	ListRequests(ctx context.Context, status RequestStatus) ([]*DeductionRequest, error)
	SaveRequest(ctx context.Context, r *DeductionRequest) error
}

type MaintenanceStore interface {
	GetMaintenanceState(ctx context.Context) (MaintenanceState, error)
	SaveMaintenanceState(ctx context.Context, s MaintenanceState) error
}

// Store is the full record store the engine is built on.
type Store interface {
	MemberStore
	RankStore
	RequestStore
	MaintenanceStore
}
