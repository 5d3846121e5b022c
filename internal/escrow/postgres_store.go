package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/mbd888/escrowd/internal/escrowerr"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			address, transaction_id, agent, api, amount, status, bump,
			created_at_ts, expires_at_ts, quality_score, refund_percentage, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)`,
		e.Address, e.TransactionID, e.Agent, e.API, int64(e.Amount), string(e.Status), int16(e.Bump),
		e.CreatedAt, e.ExpiresAt, nullUint8(e.QualityScore), nullUint8(e.RefundPercentage), e.UpdatedAt,
	)
	return err
}

const escrowColumns = `address, transaction_id, agent, api, amount, status, bump,
		       created_at_ts, expires_at_ts, quality_score, refund_percentage, updated_at`

func (p *PostgresStore) Get(ctx context.Context, addr string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE address = $1`, addr)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, escrowerr.ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, quality_score = $2, refund_percentage = $3, updated_at = $4
		WHERE address = $5`,
		string(e.Status), nullUint8(e.QualityScore), nullUint8(e.RefundPercentage), e.UpdatedAt,
		e.Address,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return escrowerr.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agent string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE agent = $1
		ORDER BY created_at_ts DESC
		LIMIT $2`, agent, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpiredActive(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		  AND expires_at_ts < $2
		LIMIT $3`, string(StatusActive), before.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		amount           int64
		bump             int16
		status           string
		qualityScore     sql.NullInt16
		refundPercentage sql.NullInt16
	)

	err := s.Scan(
		&e.Address, &e.TransactionID, &e.Agent, &e.API, &amount, &status, &bump,
		&e.CreatedAt, &e.ExpiresAt, &qualityScore, &refundPercentage, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Amount = uint64(amount)
	e.Bump = byte(bump)
	e.Status = Status(status)
	if qualityScore.Valid {
		v := uint8(qualityScore.Int16)
		e.QualityScore = &v
	}
	if refundPercentage.Valid {
		v := uint8(refundPercentage.Int16)
		e.RefundPercentage = &v
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullUint8 converts a *uint8 to sql.NullInt16.
func nullUint8(v *uint8) sql.NullInt16 {
	if v == nil {
		return sql.NullInt16{}
	}
	return sql.NullInt16{Int16: int16(*v), Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
