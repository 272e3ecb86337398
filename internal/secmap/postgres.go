package secmap

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/schema"
)

// PostgresStore persists security id mappings in Postgres, surviving
// connector restarts so native ids stay stable across sessions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore constructs a store backed by the provided pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	mappingInsertSQL = `
INSERT INTO security_mappings (code, board, native_id, created_at)
VALUES (@code, @board, @native_id, NOW())
ON CONFLICT DO NOTHING;
`

	mappingBySecuritySQL = `
SELECT native_id FROM security_mappings WHERE code = @code AND board = @board;
`

	mappingByNativeSQL = `
SELECT code, board FROM security_mappings WHERE native_id = @native_id;
`

	mappingListSQL = `
SELECT code, board, native_id FROM security_mappings ORDER BY code, board;
`
)

func (s *PostgresStore) ready() error {
	if s.pool == nil {
		return errs.New("secmap", errs.CodeInvalid, errs.WithMessage("postgres pool not configured"))
	}
	return nil
}

// Add implements Store.
func (s *PostgresStore) Add(ctx context.Context, m Mapping) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, mappingInsertSQL, pgx.NamedArgs{
		"code":      m.SecurityID.Code,
		"board":     m.SecurityID.Board,
		"native_id": m.NativeID,
	})
	if err != nil {
		return false, errs.New("secmap", errs.CodeConnection,
			errs.WithMessage("insert security mapping"),
			errs.WithSecurityID(m.SecurityID.String()),
			errs.WithCause(err))
	}
	return tag.RowsAffected() > 0, nil
}

// BySecurity implements Store.
func (s *PostgresStore) BySecurity(ctx context.Context, id schema.SecurityID) (int64, bool, error) {
	if err := s.ready(); err != nil {
		return 0, false, err
	}
	var nativeID int64
	err := s.pool.QueryRow(ctx, mappingBySecuritySQL, pgx.NamedArgs{
		"code":  id.Code,
		"board": id.Board,
	}).Scan(&nativeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.New("secmap", errs.CodeConnection,
			errs.WithMessage("lookup by security"),
			errs.WithSecurityID(id.String()),
			errs.WithCause(err))
	}
	return nativeID, true, nil
}

// ByNative implements Store.
func (s *PostgresStore) ByNative(ctx context.Context, nativeID int64) (schema.SecurityID, bool, error) {
	if err := s.ready(); err != nil {
		return schema.SecurityID{}, false, err
	}
	var id schema.SecurityID
	err := s.pool.QueryRow(ctx, mappingByNativeSQL, pgx.NamedArgs{
		"native_id": nativeID,
	}).Scan(&id.Code, &id.Board)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.SecurityID{}, false, nil
	}
	if err != nil {
		return schema.SecurityID{}, false, errs.New("secmap", errs.CodeConnection,
			errs.WithMessage("lookup by native id"),
			errs.WithCause(err))
	}
	return id, true, nil
}

// All implements Store.
func (s *PostgresStore) All(ctx context.Context) ([]Mapping, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, mappingListSQL)
	if err != nil {
		return nil, errs.New("secmap", errs.CodeConnection,
			errs.WithMessage("list security mappings"),
			errs.WithCause(err))
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.SecurityID.Code, &m.SecurityID.Board, &m.NativeID); err != nil {
			return nil, errs.New("secmap", errs.CodeConnection,
				errs.WithMessage("scan security mapping"),
				errs.WithCause(err))
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
