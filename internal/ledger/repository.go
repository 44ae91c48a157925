package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBPool matches the methods from *pgxpool.Pool that we use.
// This allows us to mock the database in tests.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Repository interface {
	Get(ctx context.Context, productID string) (StockRecord, error)
	SetStock(ctx context.Context, productID, name string, stock int) error
	Reserve(ctx context.Context, lines []Line) error
	Release(ctx context.Context, lines []Line) error
	Deduct(ctx context.Context, lines []Line) error
}

// TransactionalRepository exposes the ledger writes on a caller-owned
// transaction, so event consumers can commit them together with their
// dedup checkpoint.
type TransactionalRepository interface {
	Repository
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	ReserveTx(ctx context.Context, tx pgx.Tx, lines []Line) error
	ReleaseTx(ctx context.Context, tx pgx.Tx, lines []Line) error
	DeductTx(ctx context.Context, tx pgx.Tx, lines []Line) error
}

type PostgresRepository struct {
	pool    DBPool
	metrics *Metrics
}

func NewPostgresRepository(pool DBPool, metrics *Metrics) *PostgresRepository {
	return &PostgresRepository{pool: pool, metrics: metrics}
}

func (r *PostgresRepository) Get(ctx context.Context, productID string) (StockRecord, error) {
	var rec StockRecord
	row := r.pool.QueryRow(ctx, `SELECT id, name, stock, reserved_stock, updated_at FROM stock_records WHERE id=$1`, productID)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Stock, &rec.Reserved, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockRecord{}, ErrNotFound
		}
		return StockRecord{}, err
	}
	return rec, nil
}

// SetStock upserts a record's display name and physical stock count.
// It never touches reserved_stock; a recount below the current reservation
// level is rejected by the schema check.
func (r *PostgresRepository) SetStock(ctx context.Context, productID, name string, stock int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO stock_records(id, name, stock)
		VALUES($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, stock=EXCLUDED.stock, updated_at=now()
	`, productID, name, stock)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" { // check_violation
			return ErrStockBelowReserved
		}
		return fmt.Errorf("set stock %s: %w", productID, err)
	}
	return nil
}

// Reserve places a hold on every line or on none of them. Each line is a
// single conditional update: the availability check and the increment are
// one statement, so two orders can never both win the last unit. The first
// line that comes back with zero rows affected aborts the transaction and
// is reported as *InsufficientStockError.
func (r *PostgresRepository) Reserve(ctx context.Context, lines []Line) error {
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		return r.reserveLines(ctx, tx, lines)
	})
	r.metrics.observe("reserve", err)
	return err
}

// Release gives holds back. Only reserved_stock moves, floored at zero;
// lines for unknown products are no-ops.
func (r *PostgresRepository) Release(ctx context.Context, lines []Line) error {
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		return r.releaseLines(ctx, tx, lines)
	})
	r.metrics.observe("release", err)
	return err
}

// Deduct records fulfillment: stock and reserved_stock both drop, each
// floored at zero. It never fails for lack of stock.
func (r *PostgresRepository) Deduct(ctx context.Context, lines []Line) error {
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		return r.deductLines(ctx, tx, lines)
	})
	r.metrics.observe("deduct", err)
	return err
}

func (r *PostgresRepository) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return r.pool.BeginTx(ctx, txOptions)
}

func (r *PostgresRepository) ReserveTx(ctx context.Context, tx pgx.Tx, lines []Line) error {
	err := r.reserveLines(ctx, tx, lines)
	r.metrics.observe("reserve", err)
	return err
}

func (r *PostgresRepository) ReleaseTx(ctx context.Context, tx pgx.Tx, lines []Line) error {
	err := r.releaseLines(ctx, tx, lines)
	r.metrics.observe("release", err)
	return err
}

func (r *PostgresRepository) DeductTx(ctx context.Context, tx pgx.Tx, lines []Line) error {
	err := r.deductLines(ctx, tx, lines)
	r.metrics.observe("deduct", err)
	return err
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PostgresRepository) reserveLines(ctx context.Context, tx pgx.Tx, lines []Line) error {
	for _, line := range sortedByProduct(lines) {
		tag, err := tx.Exec(ctx, `
			UPDATE stock_records
			SET reserved_stock = reserved_stock + $2, updated_at=now()
			WHERE id=$1 AND stock - reserved_stock >= $2
		`, line.ProductID, line.Quantity)
		if err != nil {
			return fmt.Errorf("reserve %s: %w", line.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return r.shortage(ctx, tx, line)
		}
	}
	return nil
}

func (r *PostgresRepository) releaseLines(ctx context.Context, tx pgx.Tx, lines []Line) error {
	for _, line := range sortedByProduct(lines) {
		_, err := tx.Exec(ctx, `
			UPDATE stock_records
			SET reserved_stock = GREATEST(reserved_stock - $2, 0), updated_at=now()
			WHERE id=$1
		`, line.ProductID, line.Quantity)
		if err != nil {
			return fmt.Errorf("release %s: %w", line.ProductID, err)
		}
	}
	return nil
}

func (r *PostgresRepository) deductLines(ctx context.Context, tx pgx.Tx, lines []Line) error {
	for _, line := range sortedByProduct(lines) {
		_, err := tx.Exec(ctx, `
			UPDATE stock_records
			SET stock = GREATEST(stock - $2, 0), reserved_stock = GREATEST(reserved_stock - $2, 0), updated_at=now()
			WHERE id=$1
		`, line.ProductID, line.Quantity)
		if err != nil {
			return fmt.Errorf("deduct %s: %w", line.ProductID, err)
		}
	}
	return nil
}

// shortage builds the diagnostic error for a line the conditional update
// refused. The read is best-effort: this transaction never wrote the row,
// so it sees the latest committed values. A failed read still reports the
// product id and requested quantity.
func (r *PostgresRepository) shortage(ctx context.Context, tx pgx.Tx, line Line) error {
	insufficient := &InsufficientStockError{ProductID: line.ProductID, Requested: line.Quantity}
	var stock, reserved int
	err := tx.QueryRow(ctx, `SELECT name, stock, reserved_stock FROM stock_records WHERE id=$1`, line.ProductID).
		Scan(&insufficient.Name, &stock, &reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			insufficient.Unknown = true
		}
		return insufficient
	}
	insufficient.Available = stock - reserved
	return insufficient
}

// sortedByProduct copies the lines in one global order. Every writer locks
// rows in this order, so concurrent multi-line operations cannot deadlock.
func sortedByProduct(lines []Line) []Line {
	out := make([]Line, len(lines))
	copy(out, lines)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
