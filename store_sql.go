package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/layercache/cache/cachecore"
)

// sqlStore keeps entries in a single table (k, v, ea) where ea is the expiry in unix
// milliseconds and zero means no expiry.
type sqlStore struct {
	db         *sql.DB
	table      string
	driverName string
	prefix     string
	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
	deleteStmt *sql.Stmt
	scanStmt   *sql.Stmt

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var sqlIdentPartRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const sqlLikeEscape = "!"

func newSQLStore(ctx context.Context, driverName, dsn, table, prefix string) (*sqlStore, error) {
	if driverName == "" || dsn == "" {
		return nil, errors.New("sql fallback requires driver name and dsn")
	}
	if table == "" {
		table = defaultSQLTable
	}
	if err := validateSQLTableName(table); err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s := &sqlStore{
		db:         db,
		table:      table,
		driverName: driverName,
		prefix:     prefix,
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepareStatements(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) Kind() Kind { return KindSQL }

func (s *sqlStore) ensureSchema(ctx context.Context) error {
	var stmt string
	switch s.driverName {
	case "postgres", "pgx":
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BYTEA NOT NULL,
			ea BIGINT NOT NULL
		);`, s.table)
	case "mysql":
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k VARBINARY(255) PRIMARY KEY,
			v LONGBLOB NOT NULL,
			ea BIGINT NOT NULL
		) ENGINE=InnoDB;`, s.table)
	default: // sqlite
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL,
			ea INTEGER NOT NULL
		);`, s.table)
	}
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, cachecore.Unavailable(KindSQL, "get", ErrClosed)
	}
	var v []byte
	var exp int64
	err := s.getStmt.QueryRowContext(ctx, s.cacheKey(key)).Scan(&v, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cachecore.Unavailable(KindSQL, "get", err)
	}
	if sqlRowExpired(exp) {
		_, _ = s.deleteStmt.ExecContext(ctx, s.cacheKey(key))
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (s *sqlStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s.closed.Load() {
		return false, cachecore.Unavailable(KindSQL, "set", ErrClosed)
	}
	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixMilli()
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := s.upsertStmt.ExecContext(ctx, s.cacheKey(key), value, exp, value, exp); err != nil {
		return false, cachecore.Unavailable(KindSQL, "set", err)
	}
	return true, nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return cachecore.Unavailable(KindSQL, "delete", ErrClosed)
	}
	_, err := s.deleteStmt.ExecContext(ctx, s.cacheKey(key))
	return cachecore.Unavailable(KindSQL, "delete", err)
}

func (s *sqlStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, cachecore.Unavailable(KindSQL, "scan", ErrClosed)
	}
	rows, err := s.scanStmt.QueryContext(ctx, escapeSQLLike(s.cacheKey(prefix))+"%")
	if err != nil {
		return nil, cachecore.Unavailable(KindSQL, "scan", err)
	}
	defer rows.Close()

	// sqlite LIKE ignores ASCII case.
	want := s.cacheKey(prefix)
	var keys []string
	for rows.Next() {
		var k string
		var exp int64
		if err := rows.Scan(&k, &exp); err != nil {
			return nil, cachecore.Unavailable(KindSQL, "scan", err)
		}
		if sqlRowExpired(exp) || !strings.HasPrefix(k, want) {
			continue
		}
		keys = append(keys, s.logicalKey(k))
	}
	if err := rows.Err(); err != nil {
		return nil, cachecore.Unavailable(KindSQL, "scan", err)
	}
	return keys, nil
}

func (s *sqlStore) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		for _, stmt := range []*sql.Stmt{s.getStmt, s.upsertStmt, s.deleteStmt, s.scanStmt} {
			if stmt != nil {
				_ = stmt.Close()
			}
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *sqlStore) cacheKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *sqlStore) logicalKey(k string) string {
	if s.prefix == "" {
		return k
	}
	return strings.TrimPrefix(k, s.prefix+":")
}

func (s *sqlStore) upsertSQL() string {
	// Placeholders must be positional for postgres/pgx.
	p1, p2, p3, p4, p5 := s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5)
	switch s.driverName {
	case "postgres", "pgx":
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON CONFLICT (k) DO UPDATE SET v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	case "mysql":
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON DUPLICATE KEY UPDATE v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	default: // sqlite
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON CONFLICT(k) DO UPDATE SET v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	}
}

func (s *sqlStore) getSQL() string {
	return fmt.Sprintf("SELECT v, ea FROM %s WHERE k = %s", s.table, s.ph(1))
}

func (s *sqlStore) deleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE k = %s", s.table, s.ph(1))
}

func (s *sqlStore) scanSQL() string {
	return fmt.Sprintf("SELECT k, ea FROM %s WHERE k LIKE %s ESCAPE '%s'", s.table, s.ph(1), sqlLikeEscape)
}

func (s *sqlStore) prepareStatements(ctx context.Context) error {
	var err error
	if s.getStmt, err = s.db.PrepareContext(ctx, s.getSQL()); err != nil {
		return err
	}
	if s.upsertStmt, err = s.db.PrepareContext(ctx, s.upsertSQL()); err != nil {
		return err
	}
	if s.deleteStmt, err = s.db.PrepareContext(ctx, s.deleteSQL()); err != nil {
		return err
	}
	if s.scanStmt, err = s.db.PrepareContext(ctx, s.scanSQL()); err != nil {
		return err
	}
	return nil
}

func (s *sqlStore) ph(i int) string {
	if s.driverName == "postgres" || s.driverName == "pgx" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func sqlRowExpired(exp int64) bool {
	return exp > 0 && time.Now().UnixMilli() > exp
}

var sqlLikeReplacer = strings.NewReplacer(
	sqlLikeEscape, sqlLikeEscape+sqlLikeEscape,
	"%", sqlLikeEscape+"%",
	"_", sqlLikeEscape+"_",
)

func escapeSQLLike(s string) string {
	return sqlLikeReplacer.Replace(s)
}

func validateSQLTableName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("sql table name is required")
	}
	for _, part := range strings.Split(name, ".") {
		if !sqlIdentPartRE.MatchString(part) {
			return fmt.Errorf("invalid sql table name %q", name)
		}
	}
	return nil
}
