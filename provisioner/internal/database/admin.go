// Package database manages per-branch databases on the shared PostgreSQL flexible server.
package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

// maintenanceDatabase is where administrative statements run.
const maintenanceDatabase = "postgres"

// Settings locate the server and the administrator login.
type Settings struct {
	Host     string
	Port     int
	User     string
	Password string
	SSLMode  string
}

// DSN renders the administrator connection string against the maintenance database.
func (s Settings) DSN() string {
	port := s.Port
	if port <= 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.User, s.Password),
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(port)),
		Path:   "/" + maintenanceDatabase,
	}
	q := u.Query()
	if s.SSLMode != "" {
		q.Set("sslmode", s.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Admin runs administrative statements using a short-lived connection per operation.
type Admin struct {
	settings Settings
}

// NewAdmin validates settings and returns an Admin.
func NewAdmin(settings Settings) (*Admin, error) {
	if strings.TrimSpace(settings.Password) == "" {
		return nil, fmt.Errorf("%w: POSTGRES_ADMIN_PASSWORD environment variable is required", domain.ErrConfiguration)
	}
	if strings.TrimSpace(settings.Host) == "" || strings.TrimSpace(settings.User) == "" {
		return nil, fmt.Errorf("%w: postgres host and admin user are required", domain.ErrConfiguration)
	}
	return &Admin{settings: settings}, nil
}

func (a *Admin) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, a.settings.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres %s: %w", a.settings.Host, err)
	}
	return conn, nil
}

// Create creates database name. An existing database yields domain.ErrAlreadyExists.
func (a *Admin) Create(ctx context.Context, name string) error {
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		if hasCode(err, pgerrcode.DuplicateDatabase) {
			return fmt.Errorf("create database %s: %w", name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

// Drop terminates open sessions and drops database name. It reports whether the database
// existed; a missing database is not an error.
func (a *Admin) Drop(ctx context.Context, name string) (bool, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close(context.Background())

	var one int
	err = conn.QueryRow(ctx, `SELECT 1 FROM pg_database WHERE datname = $1`, name).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup database %s: %w", name, err)
	}

	const terminate = `SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`
	if _, err := conn.Exec(ctx, terminate, name); err != nil {
		return true, fmt.Errorf("terminate sessions on %s: %w", name, err)
	}

	if _, err := conn.Exec(ctx, "DROP DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		if hasCode(err, pgerrcode.InvalidCatalogName) {
			return false, nil
		}
		return true, fmt.Errorf("drop database %s: %w", name, err)
	}
	return true, nil
}

// Ping verifies the administrator login works.
func (a *Admin) Ping(ctx context.Context) error {
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	return conn.Ping(ctx)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
