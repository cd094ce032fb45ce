package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/equities-sim/internal/model"
)

// Schema is the DDL for every table the PostgresStore uses.
//
//go:embed schema.sql
var Schema string

const pgUniqueViolation = "23505"

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Market audit trail ---

func (s *PostgresStore) InsertTick(ctx context.Context, q *model.Quote) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ticks (symbol, price, bid, ask, change, change_percent, volume, volatility, ts)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)`,
		q.Symbol, q.Price.String(), q.Bid.String(), q.Ask.String(), q.Change.String(),
		q.ChangePercent, q.Volume, q.Volatility, q.Timestamp,
	)
	return wrapErr(err)
}

const tickColumns = `symbol, price::TEXT, bid::TEXT, ask::TEXT, change::TEXT,
		        change_percent, volume, volatility, ts`

func (s *PostgresStore) GetTicks(ctx context.Context, symbol string, since time.Time, limit int) ([]model.Quote, error) {
	query := `SELECT ` + tickColumns + `
		 FROM ticks WHERE symbol = $1 AND ts >= $2 ORDER BY ts, id`
	args := []any{symbol, since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanQuotes(rows)
}

func (s *PostgresStore) GetLatestQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	query := `SELECT DISTINCT ON (symbol) ` + tickColumns + `
		 FROM ticks`
	var args []any
	if len(symbols) > 0 {
		query += ` WHERE symbol = ANY($1)`
		args = append(args, symbols)
	}
	query += ` ORDER BY symbol, ts DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	quotes, err := scanQuotes(rows)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]model.Quote, len(quotes))
	for _, q := range quotes {
		latest[q.Symbol] = q
	}
	return latest, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *model.MarketEvent) error {
	var payload []byte
	if ev.Payload != nil {
		var err error
		if payload, err = json.Marshal(ev.Payload); err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_events (id, type, title, description, affected_symbols, impact, magnitude,
		                            sentiment, duration_minutes, created_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.Type, ev.Title, ev.Description, ev.AffectedSymbols, ev.Impact, ev.Magnitude,
		ev.Sentiment, ev.DurationMinutes, ev.CreatedAt, payload,
	)
	return wrapErr(err)
}

func (s *PostgresStore) ListEvents(ctx context.Context, since time.Time) ([]model.MarketEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, title, description, affected_symbols, impact, magnitude,
		        sentiment, duration_minutes, created_at, payload
		 FROM market_events WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var events []model.MarketEvent
	for rows.Next() {
		var ev model.MarketEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Title, &ev.Description, &ev.AffectedSymbols,
			&ev.Impact, &ev.Magnitude, &ev.Sentiment, &ev.DurationMinutes, &ev.CreatedAt, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if ev.Payload, err = model.DecodePayload(ev.Type, payload); err != nil {
				return nil, fmt.Errorf("event %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Portfolios ---

func (s *PostgresStore) GetPortfolio(ctx context.Context, userRef, sessionDate string) (*model.Portfolio, error) {
	return s.getPortfolio(ctx,
		`SELECT user_ref, session_date, cash::TEXT, reserved_cash::TEXT, starting_cash::TEXT,
		        total_value::TEXT, opening_cash::TEXT, opening_holdings, version, updated_at
		 FROM portfolios WHERE user_ref = $1 AND session_date = $2`, userRef, sessionDate)
}

func (s *PostgresStore) GetLatestPortfolio(ctx context.Context, userRef string) (*model.Portfolio, error) {
	return s.getPortfolio(ctx,
		`SELECT user_ref, session_date, cash::TEXT, reserved_cash::TEXT, starting_cash::TEXT,
		        total_value::TEXT, opening_cash::TEXT, opening_holdings, version, updated_at
		 FROM portfolios WHERE user_ref = $1 ORDER BY session_date DESC LIMIT 1`, userRef)
}

func (s *PostgresStore) getPortfolio(ctx context.Context, query string, args ...any) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash, reserved, starting, total, opening string

	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&p.UserRef, &p.SessionDate, &cash, &reserved, &starting, &total, &opening,
			&p.OpeningHoldings, &p.Version, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get portfolio %v: %w", args, wrapErr(err))
	}
	p.Cash, _ = decimal.NewFromString(cash)
	p.ReservedCash, _ = decimal.NewFromString(reserved)
	p.StartingCash, _ = decimal.NewFromString(starting)
	p.TotalValue, _ = decimal.NewFromString(total)
	p.OpeningCash, _ = decimal.NewFromString(opening)

	rows, err := s.pool.Query(ctx,
		`SELECT symbol, quantity, reserved, average_cost::TEXT
		 FROM holdings WHERE user_ref = $1 AND session_date = $2`, p.UserRef, p.SessionDate)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	p.Holdings = make(map[string]model.Holding)
	for rows.Next() {
		var h model.Holding
		var avg string
		if err := rows.Scan(&h.Symbol, &h.Quantity, &h.Reserved, &avg); err != nil {
			return nil, err
		}
		h.AverageCost, _ = decimal.NewFromString(avg)
		p.Holdings[h.Symbol] = h
	}
	return &p, rows.Err()
}

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO portfolios (user_ref, session_date, cash, reserved_cash, starting_cash, total_value,
		                         opening_cash, opening_holdings, version, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		p.UserRef, p.SessionDate, p.Cash.String(), p.ReservedCash.String(),
		p.StartingCash.String(), p.TotalValue.String(), p.OpeningCash.String(), openingHoldings(p),
		p.Version, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create portfolio %s/%s: %w", p.UserRef, p.SessionDate, wrapErr(err))
	}
	for _, h := range p.Holdings {
		if err := upsertHolding(ctx, tx, p.UserRef, p.SessionDate, h); err != nil {
			return err
		}
	}
	return wrapErr(tx.Commit(ctx))
}

func (s *PostgresStore) UpdatePortfolio(ctx context.Context, userRef, sessionDate string, totals model.PortfolioTotals) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE portfolios SET total_value = $3::NUMERIC, updated_at = $4
		 WHERE user_ref = $1 AND session_date = $2`,
		userRef, sessionDate, totals.TotalValue.String(), totals.ValuedAt,
	)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio %s/%s: %w", userRef, sessionDate, ErrNotFound)
	}
	return nil
}

// ApplyExecution runs the whole change in one transaction. The portfolio
// row is locked with FOR UPDATE and its version compared before anything
// is written.
func (s *PostgresStore) ApplyExecution(ctx context.Context, exec *model.Execution) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var cashS, reservedS string
	var version int64
	err = tx.QueryRow(ctx,
		`SELECT cash::TEXT, reserved_cash::TEXT, version FROM portfolios
		 WHERE user_ref = $1 AND session_date = $2 FOR UPDATE`,
		exec.UserRef, exec.SessionDate).Scan(&cashS, &reservedS, &version)
	if err != nil {
		return fmt.Errorf("lock portfolio %s/%s: %w", exec.UserRef, exec.SessionDate, wrapErr(err))
	}
	if version != exec.ExpectedVersion {
		return fmt.Errorf("portfolio %s/%s at version %d, expected %d: %w",
			exec.UserRef, exec.SessionDate, version, exec.ExpectedVersion, ErrVersionConflict)
	}

	cash, _ := decimal.NewFromString(cashS)
	reserved, _ := decimal.NewFromString(reservedS)
	cash = cash.Add(exec.CashDelta)
	reserved = reserved.Add(exec.ReservedCashDelta)
	if cash.IsNegative() || reserved.IsNegative() {
		return ErrInvalidExecution
	}

	if touchesHolding(exec) {
		var cur model.Holding
		var avg string
		err := tx.QueryRow(ctx,
			`SELECT quantity, reserved, average_cost::TEXT FROM holdings
			 WHERE user_ref = $1 AND session_date = $2 AND symbol = $3 FOR UPDATE`,
			exec.UserRef, exec.SessionDate, exec.Symbol).Scan(&cur.Quantity, &cur.Reserved, &avg)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return wrapErr(err)
		default:
			cur.AverageCost, _ = decimal.NewFromString(avg)
		}

		h, keep, err := nextHolding(cur, exec)
		if err != nil {
			return err
		}
		if keep {
			err = upsertHolding(ctx, tx, exec.UserRef, exec.SessionDate, h)
		} else {
			_, err = tx.Exec(ctx,
				`DELETE FROM holdings WHERE user_ref = $1 AND session_date = $2 AND symbol = $3`,
				exec.UserRef, exec.SessionDate, exec.Symbol)
		}
		if err != nil {
			return wrapErr(err)
		}
	}

	updatedAt := time.Now().UTC()
	if exec.Order != nil {
		updatedAt = exec.Order.UpdatedAt
	}
	if _, err := tx.Exec(ctx,
		`UPDATE portfolios SET cash = $3::NUMERIC, reserved_cash = $4::NUMERIC,
		        version = version + 1, updated_at = $5
		 WHERE user_ref = $1 AND session_date = $2`,
		exec.UserRef, exec.SessionDate, cash.String(), reserved.String(), updatedAt); err != nil {
		return wrapErr(err)
	}

	if o := exec.Order; o != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO orders (id, user_ref, symbol, side, kind, quantity, limit_price, status,
			                     fill_price, session_date, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9::NUMERIC, $10, $11, $12)
			 ON CONFLICT (id) DO UPDATE
			 SET status = EXCLUDED.status, fill_price = EXCLUDED.fill_price, updated_at = EXCLUDED.updated_at`,
			o.ID, o.UserRef, o.Symbol, o.Side, o.Kind, o.Quantity, decimalPtr(o.LimitPrice), o.Status,
			decimalPtr(o.FillPrice), o.SessionDate, o.CreatedAt, o.UpdatedAt); err != nil {
			return wrapErr(err)
		}
	}

	if f := exec.Fill; f != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO fills (id, order_id, user_ref, symbol, side, quantity, price, notional, session_date, ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
			f.ID, f.OrderID, f.UserRef, f.Symbol, f.Side, f.Quantity,
			f.Price.String(), f.Notional.String(), f.SessionDate, f.Timestamp); err != nil {
			return wrapErr(err)
		}
	}

	return wrapErr(tx.Commit(ctx))
}

// --- Orders and fills ---

const orderColumns = `id, user_ref, symbol, side, kind, quantity, limit_price::TEXT, status,
		        fill_price::TEXT, session_date, created_at, updated_at`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &orders[0], nil
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = 'open'`
	var args []any
	if symbol != "" {
		query += ` AND symbol = $1`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userRef string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_ref = $1 ORDER BY created_at DESC`, userRef)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListFills(ctx context.Context, userRef, sessionDate string) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, user_ref, symbol, side, quantity, price::TEXT, notional::TEXT, session_date, ts
		 FROM fills WHERE user_ref = $1 AND session_date = $2 ORDER BY ts`, userRef, sessionDate)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var price, notional string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.UserRef, &f.Symbol, &f.Side, &f.Quantity,
			&price, &notional, &f.SessionDate, &f.Timestamp); err != nil {
			return nil, err
		}
		f.Price, _ = decimal.NewFromString(price)
		f.Notional, _ = decimal.NewFromString(notional)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// --- helpers ---

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanQuotes(rows pgxRows) ([]model.Quote, error) {
	var quotes []model.Quote
	for rows.Next() {
		var q model.Quote
		var price, bid, ask, change string
		if err := rows.Scan(&q.Symbol, &price, &bid, &ask, &change,
			&q.ChangePercent, &q.Volume, &q.Volatility, &q.Timestamp); err != nil {
			return nil, err
		}
		q.Price, _ = decimal.NewFromString(price)
		q.Bid, _ = decimal.NewFromString(bid)
		q.Ask, _ = decimal.NewFromString(ask)
		q.Change, _ = decimal.NewFromString(change)
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var limit, fill *string
		if err := rows.Scan(&o.ID, &o.UserRef, &o.Symbol, &o.Side, &o.Kind, &o.Quantity, &limit,
			&o.Status, &fill, &o.SessionDate, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.LimitPrice = parseDecimalPtr(limit)
		o.FillPrice = parseDecimalPtr(fill)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func upsertHolding(ctx context.Context, tx pgx.Tx, userRef, sessionDate string, h model.Holding) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO holdings (user_ref, session_date, symbol, quantity, reserved, average_cost)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC)
		 ON CONFLICT (user_ref, session_date, symbol) DO UPDATE
		 SET quantity = EXCLUDED.quantity, reserved = EXCLUDED.reserved, average_cost = EXCLUDED.average_cost`,
		userRef, sessionDate, h.Symbol, h.Quantity, h.Reserved, h.AverageCost.String(),
	)
	return wrapErr(err)
}

func openingHoldings(p *model.Portfolio) map[string]int64 {
	if p.OpeningHoldings == nil {
		return map[string]int64{}
	}
	return p.OpeningHoldings
}

func decimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimalPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

// wrapErr maps driver errors onto the store sentinels.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
