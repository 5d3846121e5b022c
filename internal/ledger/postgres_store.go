package ledger

import (
	"context"
	"database/sql"

	"github.com/mbd888/escrowd/internal/escrowerr"
)

// PostgresStore persists ledger balances in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, entity string) (uint64, error) {
	var bal int64
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM ledger_balances WHERE entity = $1`, entity).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(bal), nil
}

func (p *PostgresStore) Credit(ctx context.Context, entity string, amount uint64, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (entity, balance) VALUES ($1, $2)
		ON CONFLICT (entity) DO UPDATE SET balance = ledger_balances.balance + EXCLUDED.balance`,
		entity, int64(amount)); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, entity, int64(amount), reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) LockEscrow(ctx context.Context, agent, escrowAddr string, principal, reserve uint64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var agentBal int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM ledger_balances WHERE entity = $1 FOR UPDATE`, agent).Scan(&agentBal)
	if err == sql.ErrNoRows {
		agentBal = 0
	} else if err != nil {
		return err
	}
	if uint64(agentBal) < principal+reserve {
		return escrowerr.ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (entity, balance) VALUES ($1, $2)
		ON CONFLICT (entity) DO UPDATE SET balance = ledger_balances.balance - $3`,
		agent, agentBal-int64(principal+reserve), int64(principal+reserve)); err != nil {
		return err
	}

	custodyKey := custodyPrefix + escrowAddr
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (entity, balance) VALUES ($1, $2)
		ON CONFLICT (entity) DO UPDATE SET balance = ledger_balances.balance + $2`,
		custodyKey, int64(principal+reserve)); err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, agent, -int64(principal+reserve), escrowAddr); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, custodyKey, int64(principal+reserve), agent); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SettleEscrow(ctx context.Context, escrowAddr string, transfers []Transfer, reserveMinimum uint64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	custodyKey := custodyPrefix + escrowAddr
	var custody int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM ledger_balances WHERE entity = $1 FOR UPDATE`, custodyKey).Scan(&custody)
	if err == sql.ErrNoRows {
		custody = 0
	} else if err != nil {
		return err
	}

	var total uint64
	for _, t := range transfers {
		total += t.Amount
	}
	if total > uint64(custody) {
		return escrowerr.New(escrowerr.ArithmeticOverflow)
	}
	remaining := uint64(custody) - total
	if remaining < reserveMinimum {
		return escrowerr.New(escrowerr.InsufficientRentReserve)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE ledger_balances SET balance = $1 WHERE entity = $2`, int64(remaining), custodyKey); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, custodyKey, -int64(total), escrowAddr); err != nil {
		return err
	}

	for _, t := range transfers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_balances (entity, balance) VALUES ($1, $2)
			ON CONFLICT (entity) DO UPDATE SET balance = ledger_balances.balance + $2`,
			t.To, int64(t.Amount)); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, t.To, int64(t.Amount), escrowAddr); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) CustodyBalance(ctx context.Context, escrowAddr string) (uint64, error) {
	return p.GetBalance(ctx, custodyPrefix+escrowAddr)
}

func insertEntry(ctx context.Context, tx *sql.Tx, account string, delta int64, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account, delta, reference, created_at)
		VALUES ($1, $2, $3, NOW())`, account, delta, reference)
	return err
}
