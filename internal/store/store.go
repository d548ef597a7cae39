package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "pgx"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a profile changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
)

// Brand is a scored brand, keyed by its search keyword.
type Brand struct {
	ID          int64     `db:"id" json:"id"`
	ExternalKey string    `db:"external_key" json:"external_key"`
	Name        string    `db:"name" json:"name"`
	Sector      string    `db:"sector" json:"sector"`
	Tribe       string    `db:"tribe" json:"tribe"`
	Volume      float64   `db:"volume" json:"volume"`
	GrowthPoP   float64   `db:"growth_pop" json:"growth_pop"`
	GrowthYoY   float64   `db:"growth_yoy" json:"growth_yoy"`
	BESScore    float64   `db:"bes_score" json:"bes_score"`
	Spotlight   bool      `db:"spotlight" json:"spotlight"`
	LastUpdated time.Time `db:"last_updated" json:"last_updated"`
}

// Profile is a player account.
type Profile struct {
	ID            string    `db:"id" json:"id"`
	Username      string    `db:"username" json:"username"`
	PointsBalance int64     `db:"points_balance" json:"points_balance"`
	RankTitle     string    `db:"rank_title" json:"rank_title"`
	Version       int64     `db:"version" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

// Entry is one append-only ledger row. Stakes are positive, liquidations negative.
type Entry struct {
	ID            int64     `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	BrandID       int64     `db:"brand_id" json:"brand_id"`
	AmountStaked  int64     `db:"amount_staked" json:"amount_staked"`
	EntryBES      float64   `db:"entry_bes" json:"entry_bes"`
	ThesisTag     string    `db:"thesis_tag" json:"thesis_tag"`
	Status        Status    `db:"status" json:"status"`
	SettledPoints int64     `db:"settled_points" json:"settled_points"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// PortfolioRow is a ledger entry joined with its brand's current state.
type PortfolioRow struct {
	Entry
	BrandName   string  `db:"brand_name"`
	ExternalKey string  `db:"external_key"`
	CurrentBES  float64 `db:"current_bes"`
}

// BrandListOpts controls brand listing.
type BrandListOpts struct {
	Sector string
	Limit  int
}

// Tx is the set of reads and writes available inside a ledger transaction.
type Tx interface {
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetBrand(ctx context.Context, id int64) (*Brand, error)
	ListEntries(ctx context.Context, userID string, brandID int64) ([]Entry, error)
	InsertEntry(ctx context.Context, e *Entry) error
	CloseEntries(ctx context.Context, ids []int64) error
	// UpdateBalance writes balance only if the profile is still at version,
	// returning ErrVersionConflict otherwise.
	UpdateBalance(ctx context.Context, userID string, balance, version int64) error
}

// Store is the persistence interface.
type Store interface {
	UpsertBrands(ctx context.Context, brands []Brand) error
	GetBrand(ctx context.Context, id int64) (*Brand, error)
	GetBrandByKey(ctx context.Context, key string) (*Brand, error)
	ListBrands(ctx context.Context, opts BrandListOpts) ([]Brand, error)

	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*Profile, error)
	ListProfiles(ctx context.Context, limit int) ([]Profile, error)

	ListEntries(ctx context.Context, userID string, brandID int64) ([]Entry, error)
	ListPortfolio(ctx context.Context, userID string) ([]PortfolioRow, error)

	// InTx runs fn in one transaction, committing only if fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db *sqlx.DB
	queries
}

// New opens the database for driver ("sqlite" or "postgres") and runs migrations.
func New(driver, dsn string) (*SQLStore, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case "", driverSQLite:
		db, err = sqlx.Open(driverSQLite, dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
		if err == nil {
			// One connection keeps write transactions from interleaving.
			db.SetMaxOpenConns(1)
		}
	case "postgres", driverPostgres:
		db, err = sqlx.Open(driverPostgres, dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", driver, dsn, err)
	}

	return NewWithDB(db)
}

// NewWithDB wraps an open connection and runs migrations.
func NewWithDB(db *sqlx.DB) (*SQLStore, error) {
	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLStore{db: db, queries: queries{q: db}}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpsertBrands writes brands keyed by external_key in one transaction.
// A row is only overwritten by data at least as new as what it holds, so
// replaying the same batch converges on the same state.
func (s *SQLStore) UpsertBrands(ctx context.Context, brands []Brand) error {
	if len(brands) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO brands (external_key, name, sector, tribe, volume, growth_pop, growth_yoy, bes_score, spotlight, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_key) DO UPDATE SET
			name = excluded.name,
			sector = excluded.sector,
			tribe = excluded.tribe,
			volume = excluded.volume,
			growth_pop = excluded.growth_pop,
			growth_yoy = excluded.growth_yoy,
			bes_score = excluded.bes_score,
			spotlight = excluded.spotlight,
			last_updated = excluded.last_updated
		WHERE excluded.last_updated >= brands.last_updated
	`)
	for _, b := range brands {
		_, err := tx.ExecContext(ctx, query,
			b.ExternalKey, b.Name, b.Sector, b.Tribe, b.Volume,
			b.GrowthPoP, b.GrowthYoY, b.BESScore, b.Spotlight, b.LastUpdated.UTC())
		if err != nil {
			return fmt.Errorf("upsert brand %s: %w", b.ExternalKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit brands: %w", err)
	}
	return nil
}

func (s *SQLStore) GetBrandByKey(ctx context.Context, key string) (*Brand, error) {
	var b Brand
	err := s.db.GetContext(ctx, &b, s.db.Rebind("SELECT * FROM brands WHERE external_key = ?"), key)
	if err != nil {
		return nil, notFound(fmt.Sprintf("brand %q", key), err)
	}
	return &b, nil
}

func (s *SQLStore) ListBrands(ctx context.Context, opts BrandListOpts) ([]Brand, error) {
	query := "SELECT * FROM brands WHERE 1=1"
	var args []any

	if opts.Sector != "" {
		query += " AND sector = ?"
		args = append(args, opts.Sector)
	}

	query += " ORDER BY bes_score DESC, name"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var brands []Brand
	if err := s.db.SelectContext(ctx, &brands, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list brands: %w", err)
	}
	return brands, nil
}

func (s *SQLStore) CreateProfile(ctx context.Context, p *Profile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO profiles (id, username, points_balance, rank_title, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), p.ID, p.Username, p.PointsBalance, p.RankTitle, p.Version, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create profile %s: %w", p.Username, err)
	}
	return nil
}

func (s *SQLStore) GetProfileByUsername(ctx context.Context, username string) (*Profile, error) {
	var p Profile
	err := s.db.GetContext(ctx, &p, s.db.Rebind("SELECT * FROM profiles WHERE username = ?"), username)
	if err != nil {
		return nil, notFound(fmt.Sprintf("profile %q", username), err)
	}
	return &p, nil
}

func (s *SQLStore) ListProfiles(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 10
	}
	var profiles []Profile
	err := s.db.SelectContext(ctx, &profiles,
		s.db.Rebind("SELECT * FROM profiles ORDER BY points_balance DESC, username LIMIT ?"), limit)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return profiles, nil
}

func (s *SQLStore) ListPortfolio(ctx context.Context, userID string) ([]PortfolioRow, error) {
	var rows []PortfolioRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT l.id, l.user_id, l.brand_id, l.amount_staked, l.entry_bes, l.thesis_tag,
		       l.status, l.settled_points, l.created_at,
		       b.name AS brand_name, b.external_key, b.bes_score AS current_bes
		FROM ledger l
		JOIN brands b ON b.id = l.brand_id
		WHERE l.user_id = ?
		ORDER BY l.brand_id, l.id
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("list portfolio %s: %w", userID, err)
	}
	return rows, nil
}

// queries holds the statements shared by the store and its transactions.
type queries struct {
	q sqlx.ExtContext
}

func (s queries) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	err := sqlx.GetContext(ctx, s.q, &p, s.q.Rebind("SELECT * FROM profiles WHERE id = ?"), id)
	if err != nil {
		return nil, notFound(fmt.Sprintf("profile %s", id), err)
	}
	return &p, nil
}

func (s queries) GetBrand(ctx context.Context, id int64) (*Brand, error) {
	var b Brand
	err := sqlx.GetContext(ctx, s.q, &b, s.q.Rebind("SELECT * FROM brands WHERE id = ?"), id)
	if err != nil {
		return nil, notFound(fmt.Sprintf("brand %d", id), err)
	}
	return &b, nil
}

// ListEntries returns a user's entries oldest first. brandID 0 lists all brands.
func (s queries) ListEntries(ctx context.Context, userID string, brandID int64) ([]Entry, error) {
	query := "SELECT * FROM ledger WHERE user_id = ?"
	args := []any{userID}
	if brandID != 0 {
		query += " AND brand_id = ?"
		args = append(args, brandID)
	}
	query += " ORDER BY id"

	var entries []Entry
	if err := sqlx.SelectContext(ctx, s.q, &entries, s.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list entries %s: %w", userID, err)
	}
	return entries, nil
}

func (s queries) InsertEntry(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := s.q.QueryRowxContext(ctx, s.q.Rebind(`
		INSERT INTO ledger (user_id, brand_id, amount_staked, entry_bes, thesis_tag, status, settled_points, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), e.UserID, e.BrandID, e.AmountStaked, e.EntryBES, e.ThesisTag, e.Status, e.SettledPoints, e.CreatedAt).
		Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// CloseEntries flips ACTIVE entries to CLOSED. Amounts are never touched.
func (s queries) CloseEntries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("UPDATE ledger SET status = ? WHERE status = ? AND id IN (?)",
		StatusClosed, StatusActive, ids)
	if err != nil {
		return fmt.Errorf("build close query: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, s.q.Rebind(query), args...); err != nil {
		return fmt.Errorf("close entries: %w", err)
	}
	return nil
}

func (s queries) UpdateBalance(ctx context.Context, userID string, balance, version int64) error {
	res, err := s.q.ExecContext(ctx, s.q.Rebind(`
		UPDATE profiles SET points_balance = ?, version = version + 1
		WHERE id = ? AND version = ?
	`), balance, userID, version)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update balance %s: %w", userID, err)
	}
	if n == 0 {
		return fmt.Errorf("update balance %s at version %d: %w", userID, version, ErrVersionConflict)
	}
	return nil
}

func notFound(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}
