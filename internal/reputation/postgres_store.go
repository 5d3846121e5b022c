package reputation

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists reputation records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reputation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, entity string, entityType EntityType) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT entity, entity_type, total_transactions, disputes_filed,
		       disputes_won, disputes_partial, disputes_lost,
		       quality_sum, quality_sample_count, created_at, last_updated
		FROM reputation_records WHERE entity = $1`, entity)

	var rec Record
	err := row.Scan(
		&rec.Entity, &rec.EntityType, &rec.Counters.TotalTransactions,
		&rec.Counters.DisputesFiled, &rec.Counters.DisputesWon,
		&rec.Counters.DisputesPartial, &rec.Counters.DisputesLost,
		&rec.Counters.QualitySum, &rec.Counters.QualitySampleCount,
		&rec.CreatedAt, &rec.LastUpdated,
	)
	if err == sql.ErrNoRows {
		now := time.Now()
		return &Record{Entity: entity, EntityType: entityType, CreatedAt: now, LastUpdated: now}, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) Update(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reputation_records (
			entity, entity_type, total_transactions, disputes_filed,
			disputes_won, disputes_partial, disputes_lost,
			quality_sum, quality_sample_count, created_at, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (entity) DO UPDATE SET
			total_transactions = EXCLUDED.total_transactions,
			disputes_filed = EXCLUDED.disputes_filed,
			disputes_won = EXCLUDED.disputes_won,
			disputes_partial = EXCLUDED.disputes_partial,
			disputes_lost = EXCLUDED.disputes_lost,
			quality_sum = EXCLUDED.quality_sum,
			quality_sample_count = EXCLUDED.quality_sample_count,
			last_updated = NOW()`,
		rec.Entity, rec.EntityType, rec.Counters.TotalTransactions,
		rec.Counters.DisputesFiled, rec.Counters.DisputesWon,
		rec.Counters.DisputesPartial, rec.Counters.DisputesLost,
		rec.Counters.QualitySum, rec.Counters.QualitySampleCount,
		rec.CreatedAt,
	)
	return err
}
