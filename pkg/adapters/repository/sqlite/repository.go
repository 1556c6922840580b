package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql" // Turso driver
	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
	"github.com/wadjakorntonsri/visitor-map/pkg/ports"
	_ "modernc.org/sqlite" // Local SQLite driver
)

// timeLayout is fixed width so that lexical order of the stored text is
// chronological order. Always written in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens dbURL. libsql:// and wss:// URLs go to Turso,
// everything else to the embedded driver. authToken is appended to remote
// URLs that don't already carry one.
func NewSQLiteRepository(dbURL, authToken string) (*SQLiteRepository, error) {
	driverName := "sqlite"
	if strings.Contains(dbURL, "libsql://") || strings.Contains(dbURL, "wss://") {
		driverName = "libsql"
		dbURL = withAuthToken(dbURL, authToken)
	}

	db, err := sql.Open(driverName, dbURL)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite" {
		// one writer; also keeps a shared in-memory database alive
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteRepository{db: db}, nil
}

func withAuthToken(dbURL, token string) string {
	if token == "" {
		return dbURL
	}
	u, err := url.Parse(dbURL)
	if err != nil {
		return dbURL
	}
	q := u.Query()
	if q.Get("authToken") != "" {
		return dbURL
	}
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func migrate(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS visitor_locations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		city TEXT NOT NULL,
		country TEXT NOT NULL,
		country_code TEXT NOT NULL,
		latitude REAL NOT NULL DEFAULT 0,
		longitude REAL NOT NULL DEFAULT 0,
		region TEXT,
		timezone TEXT,
		ip_hash TEXT NOT NULL,
		user_agent TEXT,
		visited_at TEXT NOT NULL,
		visit_count INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_visitor_locations_ip_hash ON visitor_locations(ip_hash, visited_at);
	CREATE INDEX IF NOT EXISTS idx_visitor_locations_visited_at ON visitor_locations(visited_at);
	`
	_, err := db.Exec(query)
	return err
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const selectColumns = `id, city, country, country_code, latitude, longitude, region, timezone,
	ip_hash, user_agent, visited_at, visit_count`

func (r *SQLiteRepository) FindRecentByOrigin(ctx context.Context, originHash string, since time.Time) (*domain.VisitRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM visitor_locations
			  WHERE ip_hash = ? AND visited_at >= ?
			  ORDER BY visited_at DESC, id DESC LIMIT 1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, originHash, formatTime(since)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, record *domain.VisitRecord) error {
	query := `INSERT INTO visitor_locations
			  (city, country, country_code, latitude, longitude, region, timezone, ip_hash, user_agent, visited_at, visit_count)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, query,
		record.City, record.Country, record.CountryCode, record.Latitude, record.Longitude,
		record.Region, record.Timezone, record.OriginHash, record.UserAgent,
		formatTime(record.VisitedAt), record.EffectiveCount(),
	)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	record.ID = id
	return nil
}

func (r *SQLiteRepository) UpdateVisit(ctx context.Context, id int64, visitedAt time.Time, visitCount int64) error {
	query := `UPDATE visitor_locations SET visited_at = ?, visit_count = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, formatTime(visitedAt), visitCount, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("visit %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (r *SQLiteRepository) ListVisits(ctx context.Context) ([]domain.VisitRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM visitor_locations ORDER BY visited_at DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.VisitRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Exists is used by import to skip rows already present.
func (r *SQLiteRepository) Exists(ctx context.Context, originHash string, visitedAt time.Time) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM visitor_locations WHERE ip_hash = ? AND visited_at = ?`,
		originHash, formatTime(visitedAt),
	).Scan(&n)
	return n > 0, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.VisitRecord, error) {
	var (
		rec       domain.VisitRecord
		region    sql.NullString
		timezone  sql.NullString
		userAgent sql.NullString
		visitedAt string
	)
	if err := s.Scan(&rec.ID, &rec.City, &rec.Country, &rec.CountryCode, &rec.Latitude, &rec.Longitude,
		&region, &timezone, &rec.OriginHash, &userAgent, &visitedAt, &rec.VisitCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedRecord, err)
	}
	rec.Region = region.String
	rec.Timezone = timezone.String
	rec.UserAgent = userAgent.String

	t, err := time.Parse(timeLayout, visitedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: visit %d: bad visited_at %q: %w", domain.ErrMalformedRecord, rec.ID, visitedAt, err)
	}
	rec.VisitedAt = t
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Ensure interface compliance
var _ ports.VisitRepository = (*SQLiteRepository)(nil)
