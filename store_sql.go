package memocache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqlIdentRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// sqlDialect holds the per-database statement differences.
type sqlDialect struct {
	positional bool
	lockRows   bool
	createDDL  string
	upsertTmpl string
}

var sqlDialects = map[string]sqlDialect{
	"sqlite": {
		createDDL:  "CREATE TABLE IF NOT EXISTS %s (k TEXT PRIMARY KEY, v BLOB NOT NULL, ea INTEGER NOT NULL)",
		upsertTmpl: "INSERT INTO %s (k, v, ea) VALUES (?, ?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v, ea = excluded.ea",
	},
	"pgx": {
		positional: true,
		lockRows:   true,
		createDDL:  "CREATE TABLE IF NOT EXISTS %s (k TEXT PRIMARY KEY, v BYTEA NOT NULL, ea BIGINT NOT NULL)",
		upsertTmpl: "INSERT INTO %s (k, v, ea) VALUES ($1, $2, $3) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, ea = EXCLUDED.ea",
	},
	"mysql": {
		lockRows:   true,
		createDDL:  "CREATE TABLE IF NOT EXISTS %s (k VARBINARY(255) PRIMARY KEY, v LONGBLOB NOT NULL, ea BIGINT NOT NULL) ENGINE=InnoDB",
		upsertTmpl: "INSERT INTO %s (k, v, ea) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v), ea = VALUES(ea)",
	},
}

func lookupSQLDialect(driverName string) (sqlDialect, error) {
	if driverName == "postgres" {
		driverName = "pgx"
	}
	d, ok := sqlDialects[driverName]
	if !ok {
		return sqlDialect{}, fmt.Errorf("unsupported sql driver %q", driverName)
	}
	return d, nil
}

// sqlStore keeps entries in a single table (k, v, ea) where ea is the expiry in
// unix milliseconds. Rows past ea are treated as absent and lazily removed.
type sqlStore struct {
	db         *sql.DB
	dialect    sqlDialect
	table      string
	prefix     string
	defaultTTL time.Duration

	get       *sql.Stmt
	upsert    *sql.Stmt
	insert    *sql.Stmt
	reclaim   *sql.Stmt
	remove    *sql.Stmt
	removeAll *sql.Stmt
}

func newSQLStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if cfg.SQLDriverName == "" || cfg.SQLDSN == "" {
		return nil, errors.New("sql store needs a driver name and a dsn")
	}
	dialect, err := lookupSQLDialect(cfg.SQLDriverName)
	if err != nil {
		return nil, err
	}
	if err := validateSQLTableName(cfg.SQLTable); err != nil {
		return nil, err
	}
	driverName := cfg.SQLDriverName
	if driverName == "postgres" {
		driverName = "pgx"
	}
	db, err := sql.Open(driverName, cfg.SQLDSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &sqlStore{
		db:         db,
		dialect:    dialect,
		table:      cfg.SQLTable,
		prefix:     cfg.Prefix,
		defaultTTL: cfg.DefaultTTL,
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = defaultCacheTTL
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(dialect.createDDL, s.table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create table %s: %w", s.table, err)
	}
	if err := s.prepare(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) prepare(ctx context.Context) error {
	statements := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.get, fmt.Sprintf("SELECT v, ea FROM %s WHERE k = %s", s.table, s.ph(1))},
		{&s.upsert, fmt.Sprintf(s.dialect.upsertTmpl, s.table)},
		{&s.insert, fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s)", s.table, s.ph(1), s.ph(2), s.ph(3))},
		{&s.reclaim, fmt.Sprintf("UPDATE %s SET v = %s, ea = %s WHERE k = %s AND ea < %s", s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4))},
		{&s.remove, fmt.Sprintf("DELETE FROM %s WHERE k = %s", s.table, s.ph(1))},
		{&s.removeAll, fmt.Sprintf("DELETE FROM %s WHERE k LIKE %s", s.table, s.ph(1))},
	}
	for _, st := range statements {
		stmt, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", st.query, err)
		}
		*st.dst = stmt
	}
	return nil
}

func (s *sqlStore) Driver() Driver { return DriverSQL }

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		body      []byte
		expiresAt int64
	)
	err := s.get.QueryRowContext(ctx, s.rowKey(key)).Scan(&body, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Now().UnixMilli() >= expiresAt {
		return nil, false, nil
	}
	return cloneBytes(body), true, nil
}

func (s *sqlStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.upsert.ExecContext(ctx, s.rowKey(key), value, s.expiresAt(time.Now(), ttl))
	return err
}

// Add inserts the row; on a primary key conflict it takes over the row only
// when the existing one has expired. Both statements are single-row atomic.
func (s *sqlStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	rowKey := s.rowKey(key)
	expiresAt := s.expiresAt(now, ttl)
	_, err := s.insert.ExecContext(ctx, rowKey, value, expiresAt)
	if err == nil {
		return true, nil
	}
	if !isDuplicateKey(err) {
		return false, err
	}
	res, err := s.reclaim.ExecContext(ctx, value, expiresAt, rowKey, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf("SELECT v, ea FROM %s WHERE k = %s", s.table, s.ph(1))
	if s.dialect.lockRows {
		query += " FOR UPDATE"
	}
	rowKey := s.rowKey(key)
	now := time.Now()

	var (
		body      []byte
		expiresAt int64
		current   int64
	)
	err = tx.QueryRowContext(ctx, query, rowKey).Scan(&body, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, err
	case now.UnixMilli() < expiresAt:
		if current, err = strconv.ParseInt(string(body), 10, 64); err != nil {
			return 0, fmt.Errorf("cache key %q does not contain a numeric value", key)
		}
	}

	next := current + delta
	if _, err := tx.StmtContext(ctx, s.upsert).ExecContext(ctx, rowKey, []byte(strconv.FormatInt(next, 10)), s.expiresAt(now, ttl)); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

func (s *sqlStore) Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.Increment(ctx, key, -delta, ttl)
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	_, err := s.remove.ExecContext(ctx, s.rowKey(key))
	return err
}

func (s *sqlStore) DeleteMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	marks := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		marks[i] = s.ph(i + 1)
		args[i] = s.rowKey(key)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE k IN (%s)", s.table, strings.Join(marks, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Flush removes the rows under this store's prefix.
func (s *sqlStore) Flush(ctx context.Context) error {
	_, err := s.removeAll.ExecContext(ctx, s.rowKey("%"))
	return err
}

// Close releases the prepared statements and the pool.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) rowKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *sqlStore) expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return now.Add(ttl).UnixMilli()
}

func (s *sqlStore) ph(i int) string {
	if s.dialect.positional {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

// isDuplicateKey reports a primary key violation from any supported driver.
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func validateSQLTableName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("sql table name is required")
	}
	for _, part := range strings.Split(name, ".") {
		if !sqlIdentRE.MatchString(part) {
			return fmt.Errorf("invalid sql table name %q", name)
		}
	}
	return nil
}
