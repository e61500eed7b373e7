package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/arena/internal/model"
)

// postgresSchema is applied by Migrate. Statements are idempotent.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS portfolio_types (
	position INTEGER PRIMARY KEY,
	name     TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS authorized_callers (
	address    TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS settings (
	id            SMALLINT PRIMARY KEY CHECK (id = 1),
	fee_token     TEXT NOT NULL,
	creation_fee  NUMERIC NOT NULL,
	max_assets    INTEGER NOT NULL,
	max_price_age BIGINT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS rounds (
	id               BIGINT PRIMARY KEY,
	status           TEXT NOT NULL,
	fee_token        TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	duration_seconds BIGINT NOT NULL DEFAULT 0,
	prize_pool       NUMERIC NOT NULL DEFAULT 0,
	entries          INTEGER NOT NULL DEFAULT 0,
	start_prices     JSONB NOT NULL DEFAULT '{}',
	end_prices       JSONB NOT NULL DEFAULT '{}',
	standings        JSONB NOT NULL DEFAULT '[]',
	winners          JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS portfolios (
	seq            BIGSERIAL PRIMARY KEY,
	id             TEXT NOT NULL UNIQUE,
	round_id       BIGINT NOT NULL REFERENCES rounds(id),
	participant    TEXT NOT NULL,
	portfolio_type TEXT NOT NULL,
	type_index     INTEGER NOT NULL,
	allocation     JSONB NOT NULL,
	fee            NUMERIC NOT NULL,
	fee_token      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (round_id, portfolio_type, participant)
);

CREATE TABLE IF NOT EXISTS withdrawals (
	round_id     BIGINT NOT NULL REFERENCES rounds(id),
	participant  TEXT NOT NULL,
	amount       NUMERIC NOT NULL,
	withdrawn_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (round_id, participant)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// snapshots and standings are JSONB documents.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddPortfolioType(ctx context.Context, name string) (int, error) {
	var position int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO portfolio_types (position, name)
		 VALUES ((SELECT COUNT(*) FROM portfolio_types), $1)
		 RETURNING position`, name).Scan(&position)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateType, name)
	}
	if err != nil {
		return 0, fmt.Errorf("add portfolio type %s: %w", name, err)
	}
	return position, nil
}

func (s *PostgresStore) ListPortfolioTypes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM portfolio_types ORDER BY position`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) AddAuthorizedCaller(ctx context.Context, addr string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO authorized_callers (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, addr)
	return err
}

func (s *PostgresStore) IsAuthorizedCaller(ctx context.Context, addr string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM authorized_callers WHERE address = $1)`, addr).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) GetSettings(ctx context.Context) (*model.Settings, error) {
	var st model.Settings
	var fee string
	var maxAge int64

	err := s.pool.QueryRow(ctx,
		`SELECT fee_token, creation_fee::TEXT, max_assets, max_price_age, updated_at
		 FROM settings WHERE id = 1`).
		Scan(&st.FeeToken, &fee, &st.MaxAssets, &maxAge, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: settings", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	st.CreationFee, _ = decimal.NewFromString(fee)
	st.MaxPriceAge = time.Duration(maxAge)
	return &st, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, st *model.Settings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (id, fee_token, creation_fee, max_assets, max_price_age, updated_at)
		 VALUES (1, $1, $2::NUMERIC, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET fee_token = EXCLUDED.fee_token,
		     creation_fee = EXCLUDED.creation_fee,
		     max_assets = EXCLUDED.max_assets,
		     max_price_age = EXCLUDED.max_price_age,
		     updated_at = EXCLUDED.updated_at`,
		st.FeeToken, st.CreationFee.String(), st.MaxAssets, int64(st.MaxPriceAge), st.UpdatedAt,
	)
	return err
}

// pgExecer is satisfied by both the pool and a transaction.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) CreateRound(ctx context.Context, r *model.Round) error {
	return createRound(ctx, s.pool, r)
}

func createRound(ctx context.Context, q pgExecer, r *model.Round) error {
	docs, err := encodeRoundDocs(r)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO rounds (id, status, fee_token, created_at, started_at, ended_at, duration_seconds,
		                     prize_pool, entries, start_prices, end_prices, standings, winners)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10::JSONB, $11::JSONB, $12::JSONB, $13::JSONB)`,
		r.ID, r.Status, r.FeeToken, r.CreatedAt, nullTime(r.StartedAt), nullTime(r.EndedAt), r.DurationSeconds,
		r.PrizePool.String(), r.Entries, docs.startPrices, docs.endPrices, docs.standings, docs.winners,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %d", ErrDuplicateRound, r.ID)
	}
	return err
}

const selectRound = `
	SELECT id, status, fee_token, created_at, started_at, ended_at, duration_seconds,
	       prize_pool::TEXT, entries, start_prices::TEXT, end_prices::TEXT, standings::TEXT, winners::TEXT
	FROM rounds`

func (s *PostgresStore) GetRound(ctx context.Context, id int64) (*model.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx, selectRound+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: round %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get round %d: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) LatestRound(ctx context.Context) (*model.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx, selectRound+` ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no rounds", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest round: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRounds(ctx context.Context) ([]model.Round, error) {
	rows, err := s.pool.Query(ctx, selectRound+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	return rounds, rows.Err()
}

func (s *PostgresStore) UpdateRound(ctx context.Context, r *model.Round) error {
	docs, err := encodeRoundDocs(r)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds
		 SET status = $2, fee_token = $3, started_at = $4, ended_at = $5, duration_seconds = $6,
		     start_prices = $7::JSONB, end_prices = $8::JSONB, standings = $9::JSONB, winners = $10::JSONB
		 WHERE id = $1`,
		r.ID, r.Status, r.FeeToken, nullTime(r.StartedAt), nullTime(r.EndedAt), r.DurationSeconds,
		docs.startPrices, docs.endPrices, docs.standings, docs.winners,
	)
	if err != nil {
		return fmt.Errorf("update round %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: round %d", ErrNotFound, r.ID)
	}
	return nil
}

// InsertPortfolio writes the portfolio and bumps the round's pool inside one
// transaction.
func (s *PostgresStore) InsertPortfolio(ctx context.Context, p *model.Portfolio) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertPortfolio(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CreateRoundWithPortfolio(ctx context.Context, r *model.Round, p *model.Portfolio) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := createRound(ctx, tx, r); err != nil {
		return err
	}
	if err := insertPortfolio(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertPortfolio(ctx context.Context, tx pgx.Tx, p *model.Portfolio) error {
	alloc, err := json.Marshal(p.Allocation)
	if err != nil {
		return fmt.Errorf("encode allocation: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE rounds SET prize_pool = prize_pool + $2::NUMERIC, entries = entries + 1 WHERE id = $1`,
		p.RoundID, p.Fee.String())
	if err != nil {
		return fmt.Errorf("update prize pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: round %d", ErrNotFound, p.RoundID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO portfolios (id, round_id, participant, portfolio_type, type_index, allocation, fee, fee_token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::NUMERIC, $8, $9)`,
		p.ID, p.RoundID, p.Participant, p.Type, p.TypeIndex, string(alloc), p.Fee.String(), p.FeeToken, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: round %d, %s, %s", ErrDuplicatePortfolio, p.RoundID, p.Type, p.Participant)
	}
	if err != nil {
		return fmt.Errorf("insert portfolio: %w", err)
	}
	return nil
}

const selectPortfolio = `
	SELECT id, round_id, participant, portfolio_type, type_index, allocation::TEXT, fee::TEXT, fee_token, created_at
	FROM portfolios`

func (s *PostgresStore) GetPortfolio(ctx context.Context, roundID int64, portfolioType, participant string) (*model.Portfolio, error) {
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		selectPortfolio+` WHERE round_id = $1 AND portfolio_type = $2 AND participant = $3`,
		roundID, portfolioType, participant))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: portfolio round %d, %s, %s", ErrNotFound, roundID, portfolioType, participant)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPortfolios(ctx context.Context, roundID int64) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx, selectPortfolio+` WHERE round_id = $1 ORDER BY seq`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO withdrawals (round_id, participant, amount, withdrawn_at) VALUES ($1, $2, $3::NUMERIC, $4)`,
		w.RoundID, w.Participant, w.Amount.String(), w.WithdrawnAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: round %d, %s", ErrAlreadyWithdrawn, w.RoundID, w.Participant)
	}
	return err
}

func (s *PostgresStore) DeleteWithdrawal(ctx context.Context, roundID int64, participant string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM withdrawals WHERE round_id = $1 AND participant = $2`, roundID, participant)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: withdrawal round %d, %s", ErrNotFound, roundID, participant)
	}
	return nil
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, roundID int64) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT round_id, participant, amount::TEXT, withdrawn_at
		 FROM withdrawals WHERE round_id = $1 ORDER BY withdrawn_at, participant`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Withdrawal
	for rows.Next() {
		var w model.Withdrawal
		var amount string
		if err := rows.Scan(&w.RoundID, &w.Participant, &amount, &w.WithdrawnAt); err != nil {
			return nil, err
		}
		w.Amount, _ = decimal.NewFromString(amount)
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- Row helpers ---

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Row / *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*model.Round, error) {
	var r model.Round
	var startedAt, endedAt *time.Time
	var pool string
	var docs roundDocs

	if err := row.Scan(&r.ID, &r.Status, &r.FeeToken, &r.CreatedAt, &startedAt, &endedAt, &r.DurationSeconds,
		&pool, &r.Entries, &docs.startPrices, &docs.endPrices, &docs.standings, &docs.winners); err != nil {
		return nil, err
	}

	r.PrizePool, _ = decimal.NewFromString(pool)
	if startedAt != nil {
		r.StartedAt = *startedAt
	}
	if endedAt != nil {
		r.EndedAt = *endedAt
	}
	if err := docs.decode(&r); err != nil {
		return nil, fmt.Errorf("round %d: %w", r.ID, err)
	}
	return &r, nil
}

func scanPortfolio(row rowScanner) (*model.Portfolio, error) {
	var p model.Portfolio
	var alloc, fee string

	if err := row.Scan(&p.ID, &p.RoundID, &p.Participant, &p.Type, &p.TypeIndex,
		&alloc, &fee, &p.FeeToken, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(alloc), &p.Allocation); err != nil {
		return nil, fmt.Errorf("decode allocation of %s: %w", p.ID, err)
	}
	p.Fee, _ = decimal.NewFromString(fee)
	return &p, nil
}

// roundDocs holds the JSON-encoded document columns of a round.
type roundDocs struct {
	startPrices string
	endPrices   string
	standings   string
	winners     string
}

func encodeRoundDocs(r *model.Round) (roundDocs, error) {
	var docs roundDocs
	for _, f := range []struct {
		dst   *string
		v     any
		empty string
	}{
		{&docs.startPrices, r.StartPrices, "{}"},
		{&docs.endPrices, r.EndPrices, "{}"},
		{&docs.standings, r.Standings, "[]"},
		{&docs.winners, r.Winners, "[]"},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return docs, fmt.Errorf("encode round %d: %w", r.ID, err)
		}
		if string(b) == "null" {
			b = []byte(f.empty)
		}
		*f.dst = string(b)
	}
	return docs, nil
}

func (d roundDocs) decode(r *model.Round) error {
	if err := json.Unmarshal([]byte(d.startPrices), &r.StartPrices); err != nil {
		return fmt.Errorf("decode start prices: %w", err)
	}
	if err := json.Unmarshal([]byte(d.endPrices), &r.EndPrices); err != nil {
		return fmt.Errorf("decode end prices: %w", err)
	}
	if err := json.Unmarshal([]byte(d.standings), &r.Standings); err != nil {
		return fmt.Errorf("decode standings: %w", err)
	}
	if err := json.Unmarshal([]byte(d.winners), &r.Winners); err != nil {
		return fmt.Errorf("decode winners: %w", err)
	}
	if len(r.StartPrices) == 0 {
		r.StartPrices = nil
	}
	if len(r.EndPrices) == 0 {
		r.EndPrices = nil
	}
	if len(r.Standings) == 0 {
		r.Standings = nil
	}
	if len(r.Winners) == 0 {
		r.Winners = nil
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
