package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same SQL
// methods serve pooled and transactional stores.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool // nil when this store is a transactional view
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts (account_id, balance) VALUES ($1, $2::NUMERIC)`,
		a.AccountID, a.Balance.String(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.AccountID)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.getAccount(ctx, accountID, false)
}

func (s *PostgresStore) GetAccountForUpdate(ctx context.Context, accountID string) (*model.Account, error) {
	return s.getAccount(ctx, accountID, true)
}

func (s *PostgresStore) getAccount(ctx context.Context, accountID string, forUpdate bool) (*model.Account, error) {
	q := `SELECT account_id, balance::TEXT FROM accounts WHERE account_id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	var a model.Account
	var balance string
	err := s.db.QueryRow(ctx, q, accountID).Scan(&a.AccountID, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) UpdateAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE account_id = $1`,
		accountID, balance.String(),
	)
	if err != nil {
		return fmt.Errorf("update balance for %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return nil
}

// --- Symbols ---

func (s *PostgresStore) CreateSymbol(ctx context.Context, sym string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO symbols (symbol) VALUES ($1)`, sym)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrSymbolExists, sym)
	}
	return err
}

func (s *PostgresStore) SymbolExists(ctx context.Context, sym string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM symbols WHERE symbol = $1)`, sym).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("symbol exists %s: %w", sym, err)
	}
	return exists, nil
}

func (s *PostgresStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT symbol FROM symbols ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, sym string) (*model.Position, error) {
	return s.getPosition(ctx, accountID, sym, false)
}

func (s *PostgresStore) GetPositionForUpdate(ctx context.Context, accountID, sym string) (*model.Position, error) {
	return s.getPosition(ctx, accountID, sym, true)
}

func (s *PostgresStore) getPosition(ctx context.Context, accountID, sym string, forUpdate bool) (*model.Position, error) {
	q := `SELECT amount::TEXT FROM positions WHERE account_id = $1 AND symbol = $2`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	var amount string
	err := s.db.QueryRow(ctx, q, accountID, sym).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing row reads as a zero holding.
		return &model.Position{AccountID: accountID, Symbol: sym, Amount: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", accountID, sym, err)
	}

	p := model.Position{AccountID: accountID, Symbol: sym}
	p.Amount, _ = decimal.NewFromString(amount)
	return &p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, accountID, sym string, amount decimal.Decimal) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO positions (account_id, symbol, amount)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (account_id, symbol) DO UPDATE SET amount = EXCLUDED.amount`,
		accountID, sym, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", accountID, sym, err)
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT symbol, amount::TEXT FROM positions
		 WHERE account_id = $1 AND amount <> 0 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p := model.Position{AccountID: accountID}
		var amount string
		if err := rows.Scan(&p.Symbol, &amount); err != nil {
			return nil, err
		}
		p.Amount, _ = decimal.NewFromString(amount)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Orders ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO orders (account_id, symbol, side, amount, limit_price, remaining_amount, status)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 RETURNING order_id, time_created`,
		o.AccountID, o.Symbol, string(o.Side),
		o.Amount.String(), o.LimitPrice.String(), o.RemainingAmount.String(),
		string(o.Status),
	).Scan(&o.OrderID, &o.TimeCreated)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

const orderColumns = `order_id, account_id, symbol, side,
	amount::TEXT, limit_price::TEXT, remaining_amount::TEXT,
	time_created, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var side, status string
	var amount, limitPrice, remaining string

	if err := row.Scan(&o.OrderID, &o.AccountID, &o.Symbol, &side,
		&amount, &limitPrice, &remaining,
		&o.TimeCreated, &status); err != nil {
		return nil, err
	}

	o.Side = model.Side(side)
	o.Status = model.OrderStatus(status)
	o.Amount, _ = decimal.NewFromString(amount)
	o.LimitPrice, _ = decimal.NewFromString(limitPrice)
	o.RemainingAmount, _ = decimal.NewFromString(remaining)
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", orderID, err)
	}
	return o, nil
}

func (s *PostgresStore) listOrders(ctx context.Context, q string, args ...any) ([]model.Order, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'open' ORDER BY time_created, order_id`)
}

func (s *PostgresStore) ListOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE account_id = $1 ORDER BY time_created DESC, order_id DESC`, accountID)
}

func (s *PostgresStore) UpdateOrderFill(ctx context.Context, orderID int64, remaining decimal.Decimal, status model.OrderStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE orders SET remaining_amount = $2::NUMERIC, status = $3 WHERE order_id = $1`,
		orderID, remaining.String(), string(status),
	)
	if err != nil {
		return fmt.Errorf("update fill for order %d: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	return nil
}

func (s *PostgresStore) CancelOrderIfOpen(ctx context.Context, orderID int64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE orders SET status = 'cancelled' WHERE order_id = $1 AND status = 'open'`,
		orderID,
	)
	if err != nil {
		return false, fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	return false, nil
}

// --- Executions ---

func (s *PostgresStore) InsertExecution(ctx context.Context, e *model.Execution) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO executions (order_id, shares, price)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 RETURNING execution_id, time_executed`,
		e.OrderID, e.Shares.String(), e.Price.String(),
	).Scan(&e.ExecutionID, &e.TimeExecuted)
	if err != nil {
		return fmt.Errorf("insert execution for order %d: %w", e.OrderID, err)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, orderID int64) ([]model.Execution, error) {
	rows, err := s.db.Query(ctx,
		`SELECT execution_id, order_id, shares::TEXT, price::TEXT, time_executed
		 FROM executions WHERE order_id = $1 ORDER BY execution_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []model.Execution
	for rows.Next() {
		var e model.Execution
		var shares, price string
		if err := rows.Scan(&e.ExecutionID, &e.OrderID, &shares, &price, &e.TimeExecuted); err != nil {
			return nil, err
		}
		e.Shares, _ = decimal.NewFromString(shares)
		e.Price, _ = decimal.NewFromString(price)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- Transactions ---

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		// Already transactional; run in the same transaction.
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
