// Package migrations embeds the SQL schema and applies it at startup.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var fs embed.FS

// Up applies all pending migrations. An already up-to-date schema is not an
// error.
func Up(databaseURL string) error {
	src, err := iofs.New(fs, "sql")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	// Route through the pgx/v5 driver rather than lib/pq.
	url := strings.Replace(databaseURL, "postgres://", "pgx5://", 1)
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
