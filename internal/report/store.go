// Package report archives abuse reports to PostgreSQL. The chat server keeps
// its own volatile report list; this archive is written only by the auditor
// process from the moderation event feed and is never read back by the
// server.
package report

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tiktalk/chat-app/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Report kinds stored in the kind column.
const (
	KindGlobal   = "global"
	KindDM       = "dm"
	KindStranger = "stranger"
)

// KindOf classifies a report by the surface it came from.
func KindOf(r protocol.Report) string {
	switch {
	case r.IsStranger:
		return KindStranger
	case r.IsDM:
		return KindDM
	default:
		return KindGlobal
	}
}

// Archive manages archived reports in PostgreSQL.
type Archive struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("report: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: connect database: %w", err)
	}
	return &Archive{db: db}, nil
}

// NewArchive wraps an existing database handle.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// Migrate applies all pending embedded schema migrations.
func (a *Archive) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("report: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(a.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("report: create migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("report: create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("report: apply migrations: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Insert archives a report received from server.
func (a *Archive) Insert(ctx context.Context, server string, r protocol.Report) error {
	const query = `
		INSERT INTO moderation_reports
			(report_id, server, kind, reporter_nick, reporter_ip, target_nick,
			 target_campus, target_ip, message, reason, source, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := a.db.ExecContext(ctx, query,
		r.ID,
		server,
		KindOf(r),
		r.ReporterNick,
		r.ReporterIP,
		r.TargetNick,
		r.TargetCampus,
		r.IP,
		r.Message,
		r.Reason,
		r.Source,
		time.UnixMilli(r.Timestamp).UTC(),
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of archived reports whose resolved target
// address is ip within the given window. Reports with an unknown address are
// never counted.
func (a *Archive) CountRecent(ctx context.Context, ip string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM moderation_reports
		WHERE target_ip = $1
		  AND reported_at >= $2`

	var count int
	err := a.db.QueryRowContext(ctx, query, ip, time.Now().Add(-window).UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
