package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/example/booker-api/internal/db"
)

//go:embed *.sql
var files embed.FS

// Files lists the embedded migrations in apply order.
func Files() ([]string, error) {
	return list(files)
}

func list(fsys fs.ReadDirFS) ([]string, error) {
	entries, err := fsys.ReadDir(".")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Up applies every migration not yet recorded in schema_migrations. Each file
// runs in its own transaction together with its bookkeeping row.
func Up(ctx context.Context, d *db.DB, logger *slog.Logger) error {
	names, err := Files()
	if err != nil {
		return err
	}

	if err := d.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY);`); err != nil {
		return err
	}

	for _, name := range names {
		var applied bool
		if err := d.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, name).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}

		b, err := files.ReadFile(name)
		if err != nil {
			return err
		}

		err = d.InTx(ctx, func(tx db.Tx) error {
			if err := tx.Exec(ctx, string(b)); err != nil {
				return err
			}
			return tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, name)
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		logger.Info("migration applied", "version", name)
	}

	return nil
}
