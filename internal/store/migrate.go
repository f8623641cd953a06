package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// findProjectRoot walks up from the working directory looking for go.mod,
// grounded on the teacher's pkg/db/config.go.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (go.mod)")
		}
		dir = parent
	}
}

// RunMigrations applies the SQL DDL under migrations/. The DDL itself is
// out of core scope; the gateway only needs it applied before issuing
// typed operations against it.
func RunMigrations(logger *logrus.Logger, migrationsURL string) error {
	root, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("finding project root: %w", err)
	}

	migrationsPath := fmt.Sprintf("file://%s", filepath.Join(root, "migrations"))
	logger.WithField("migrations_path", migrationsPath).Debug("running database migrations")

	m, err := migrate.New(migrationsPath, migrationsURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
