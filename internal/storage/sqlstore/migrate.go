package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

//go:embed migrations
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// Migrate applies the embedded migrations of the store's dialect, each at
// most once.
func (s *Store) Migrate(ctx context.Context) error {
	root := path.Join("migrations", string(s.dialect))
	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, applied_at TEXT NOT NULL)", migrationTable,
	)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		applied, err := s.isApplied(ctx, file)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied {
			continue
		}
		content, err := fs.ReadFile(migrationFS, path.Join(root, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		up := upSection(string(content))
		err = s.inTx(ctx, func(ctx context.Context) error {
			if _, err := s.conn(ctx).ExecContext(ctx, up); err != nil {
				return fmt.Errorf("exec migration %s: %w", file, err)
			}
			_, err := s.exec(ctx, s.sb.Insert(migrationTable).
				Columns("name", "applied_at").
				Values(file, time.Now().UTC().Format(time.RFC3339)))
			return err
		})
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "applied migration", "dialect", s.dialect, "file", file)
	}
	return nil
}

func (s *Store) isApplied(ctx context.Context, file string) (bool, error) {
	row, err := s.queryRow(ctx, s.sb.Select("COUNT(*)").From(migrationTable).Where(sq.Eq{"name": file}))
	if err != nil {
		return false, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// upSection returns the SQL between "-- +migrate Up" and "-- +migrate Down".
func upSection(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"
	if i := strings.Index(content, upMarker); i >= 0 {
		content = content[i+len(upMarker):]
	}
	if i := strings.Index(content, downMarker); i >= 0 {
		content = content[:i]
	}
	return content
}
