package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/atmx/arena/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS portfolio_types (
	position INTEGER PRIMARY KEY,
	name     TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS authorized_callers (
	address TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS settings (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	fee_token     TEXT NOT NULL,
	creation_fee  TEXT NOT NULL,
	max_assets    INTEGER NOT NULL,
	max_price_age INTEGER NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rounds (
	id               INTEGER PRIMARY KEY,
	status           TEXT NOT NULL,
	fee_token        TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	started_at       TEXT NOT NULL DEFAULT '',
	ended_at         TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	prize_pool       TEXT NOT NULL DEFAULT '0',
	entries          INTEGER NOT NULL DEFAULT 0,
	start_prices     TEXT NOT NULL DEFAULT '{}',
	end_prices       TEXT NOT NULL DEFAULT '{}',
	standings        TEXT NOT NULL DEFAULT '[]',
	winners          TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS portfolios (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	round_id       INTEGER NOT NULL REFERENCES rounds(id),
	participant    TEXT NOT NULL,
	portfolio_type TEXT NOT NULL,
	type_index     INTEGER NOT NULL,
	allocation     TEXT NOT NULL,
	fee            TEXT NOT NULL,
	fee_token      TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	UNIQUE (round_id, portfolio_type, participant)
);

CREATE TABLE IF NOT EXISTS withdrawals (
	round_id     INTEGER NOT NULL REFERENCES rounds(id),
	participant  TEXT NOT NULL,
	amount       TEXT NOT NULL,
	withdrawn_at TEXT NOT NULL,
	PRIMARY KEY (round_id, participant)
);
`

// SQLiteStore implements Store on a single SQLite file. Amounts are kept as
// decimal strings and timestamps as RFC 3339 text, so values round-trip
// exactly. Prize pool arithmetic happens in Go inside a transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" is
	// per-connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AddPortfolioType(ctx context.Context, name string) (int, error) {
	var position int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO portfolio_types (position, name)
		 VALUES ((SELECT COUNT(*) FROM portfolio_types), ?)
		 RETURNING position`, name).Scan(&position)
	if isSQLiteUnique(err) {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateType, name)
	}
	if err != nil {
		return 0, fmt.Errorf("add portfolio type %s: %w", name, err)
	}
	return position, nil
}

func (s *SQLiteStore) ListPortfolioTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM portfolio_types ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) AddAuthorizedCaller(ctx context.Context, addr string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO authorized_callers (address) VALUES (?)`, addr)
	return err
}

func (s *SQLiteStore) IsAuthorizedCaller(ctx context.Context, addr string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM authorized_callers WHERE address = ?)`, addr).Scan(&ok)
	return ok, err
}

func (s *SQLiteStore) GetSettings(ctx context.Context) (*model.Settings, error) {
	var st model.Settings
	var fee, updatedAt string
	var maxAge int64

	err := s.db.QueryRowContext(ctx,
		`SELECT fee_token, creation_fee, max_assets, max_price_age, updated_at FROM settings WHERE id = 1`).
		Scan(&st.FeeToken, &fee, &st.MaxAssets, &maxAge, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: settings", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	st.CreationFee, _ = decimal.NewFromString(fee)
	st.MaxPriceAge = time.Duration(maxAge)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, st *model.Settings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (id, fee_token, creation_fee, max_assets, max_price_age, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET fee_token = excluded.fee_token,
		     creation_fee = excluded.creation_fee,
		     max_assets = excluded.max_assets,
		     max_price_age = excluded.max_price_age,
		     updated_at = excluded.updated_at`,
		st.FeeToken, st.CreationFee.String(), st.MaxAssets, int64(st.MaxPriceAge), formatTime(st.UpdatedAt),
	)
	return err
}

// sqliteExecer is satisfied by both *sql.DB and *sql.Tx.
type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) CreateRound(ctx context.Context, r *model.Round) error {
	return createSQLiteRound(ctx, s.db, r)
}

func createSQLiteRound(ctx context.Context, q sqliteExecer, r *model.Round) error {
	docs, err := encodeRoundDocs(r)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO rounds (id, status, fee_token, created_at, started_at, ended_at, duration_seconds,
		                     prize_pool, entries, start_prices, end_prices, standings, winners)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Status), r.FeeToken, formatTime(r.CreatedAt), formatTime(r.StartedAt), formatTime(r.EndedAt),
		r.DurationSeconds, r.PrizePool.String(), r.Entries,
		docs.startPrices, docs.endPrices, docs.standings, docs.winners,
	)
	if isSQLiteUnique(err) {
		return fmt.Errorf("%w: %d", ErrDuplicateRound, r.ID)
	}
	return err
}

const sqliteSelectRound = `
	SELECT id, status, fee_token, created_at, started_at, ended_at, duration_seconds,
	       prize_pool, entries, start_prices, end_prices, standings, winners
	FROM rounds`

func (s *SQLiteStore) GetRound(ctx context.Context, id int64) (*model.Round, error) {
	r, err := scanSQLiteRound(s.db.QueryRowContext(ctx, sqliteSelectRound+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: round %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get round %d: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) LatestRound(ctx context.Context) (*model.Round, error) {
	r, err := scanSQLiteRound(s.db.QueryRowContext(ctx, sqliteSelectRound+` ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no rounds", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest round: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRounds(ctx context.Context) ([]model.Round, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectRound+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []model.Round
	for rows.Next() {
		r, err := scanSQLiteRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	return rounds, rows.Err()
}

func (s *SQLiteStore) UpdateRound(ctx context.Context, r *model.Round) error {
	docs, err := encodeRoundDocs(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rounds
		 SET status = ?, fee_token = ?, started_at = ?, ended_at = ?, duration_seconds = ?,
		     start_prices = ?, end_prices = ?, standings = ?, winners = ?
		 WHERE id = ?`,
		string(r.Status), r.FeeToken, formatTime(r.StartedAt), formatTime(r.EndedAt), r.DurationSeconds,
		docs.startPrices, docs.endPrices, docs.standings, docs.winners, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update round %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: round %d", ErrNotFound, r.ID)
	}
	return nil
}

func (s *SQLiteStore) InsertPortfolio(ctx context.Context, p *model.Portfolio) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertSQLitePortfolio(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateRoundWithPortfolio(ctx context.Context, r *model.Round, p *model.Portfolio) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := createSQLiteRound(ctx, tx, r); err != nil {
		return err
	}
	if err := insertSQLitePortfolio(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSQLitePortfolio(ctx context.Context, tx *sql.Tx, p *model.Portfolio) error {
	alloc, err := json.Marshal(p.Allocation)
	if err != nil {
		return fmt.Errorf("encode allocation: %w", err)
	}

	var poolStr string
	err = tx.QueryRowContext(ctx, `SELECT prize_pool FROM rounds WHERE id = ?`, p.RoundID).Scan(&poolStr)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: round %d", ErrNotFound, p.RoundID)
	}
	if err != nil {
		return fmt.Errorf("read prize pool: %w", err)
	}
	pool, err := decimal.NewFromString(poolStr)
	if err != nil {
		return fmt.Errorf("round %d prize pool %q: %w", p.RoundID, poolStr, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO portfolios (id, round_id, participant, portfolio_type, type_index, allocation, fee, fee_token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RoundID, p.Participant, p.Type, p.TypeIndex, string(alloc), p.Fee.String(), p.FeeToken, formatTime(p.CreatedAt),
	)
	if isSQLiteUnique(err) {
		return fmt.Errorf("%w: round %d, %s, %s", ErrDuplicatePortfolio, p.RoundID, p.Type, p.Participant)
	}
	if err != nil {
		return fmt.Errorf("insert portfolio: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rounds SET prize_pool = ?, entries = entries + 1 WHERE id = ?`,
		pool.Add(p.Fee).String(), p.RoundID); err != nil {
		return fmt.Errorf("update prize pool: %w", err)
	}
	return nil
}

const sqliteSelectPortfolio = `
	SELECT id, round_id, participant, portfolio_type, type_index, allocation, fee, fee_token, created_at
	FROM portfolios`

func (s *SQLiteStore) GetPortfolio(ctx context.Context, roundID int64, portfolioType, participant string) (*model.Portfolio, error) {
	p, err := scanSQLitePortfolio(s.db.QueryRowContext(ctx,
		sqliteSelectPortfolio+` WHERE round_id = ? AND portfolio_type = ? AND participant = ?`,
		roundID, portfolioType, participant))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: portfolio round %d, %s, %s", ErrNotFound, roundID, portfolioType, participant)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPortfolios(ctx context.Context, roundID int64) ([]model.Portfolio, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectPortfolio+` WHERE round_id = ? ORDER BY seq`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		p, err := scanSQLitePortfolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO withdrawals (round_id, participant, amount, withdrawn_at) VALUES (?, ?, ?, ?)`,
		w.RoundID, w.Participant, w.Amount.String(), formatTime(w.WithdrawnAt))
	if isSQLiteUnique(err) {
		return fmt.Errorf("%w: round %d, %s", ErrAlreadyWithdrawn, w.RoundID, w.Participant)
	}
	return err
}

func (s *SQLiteStore) DeleteWithdrawal(ctx context.Context, roundID int64, participant string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM withdrawals WHERE round_id = ? AND participant = ?`, roundID, participant)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: withdrawal round %d, %s", ErrNotFound, roundID, participant)
	}
	return nil
}

func (s *SQLiteStore) ListWithdrawals(ctx context.Context, roundID int64) ([]model.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT round_id, participant, amount, withdrawn_at
		 FROM withdrawals WHERE round_id = ? ORDER BY withdrawn_at, participant`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Withdrawal
	for rows.Next() {
		var w model.Withdrawal
		var amount, at string
		if err := rows.Scan(&w.RoundID, &w.Participant, &amount, &at); err != nil {
			return nil, err
		}
		w.Amount, _ = decimal.NewFromString(amount)
		w.WithdrawnAt = parseTime(at)
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanSQLiteRound(row rowScanner) (*model.Round, error) {
	var r model.Round
	var status, createdAt, startedAt, endedAt, pool string
	var docs roundDocs

	if err := row.Scan(&r.ID, &status, &r.FeeToken, &createdAt, &startedAt, &endedAt, &r.DurationSeconds,
		&pool, &r.Entries, &docs.startPrices, &docs.endPrices, &docs.standings, &docs.winners); err != nil {
		return nil, err
	}

	r.Status = model.RoundStatus(status)
	r.CreatedAt = parseTime(createdAt)
	r.StartedAt = parseTime(startedAt)
	r.EndedAt = parseTime(endedAt)
	r.PrizePool, _ = decimal.NewFromString(pool)
	if err := docs.decode(&r); err != nil {
		return nil, fmt.Errorf("round %d: %w", r.ID, err)
	}
	return &r, nil
}

func scanSQLitePortfolio(row rowScanner) (*model.Portfolio, error) {
	var p model.Portfolio
	var alloc, fee, createdAt string

	if err := row.Scan(&p.ID, &p.RoundID, &p.Participant, &p.Type, &p.TypeIndex,
		&alloc, &fee, &p.FeeToken, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(alloc), &p.Allocation); err != nil {
		return nil, fmt.Errorf("decode allocation of %s: %w", p.ID, err)
	}
	p.Fee, _ = decimal.NewFromString(fee)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// formatTime renders t for a TEXT column; the zero time is stored as "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
