package store

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const migrationTable = "schema_migrations"

type migrationFile struct {
	name string
	up   string
}

// loadMigrations reads the .sql files under dir in lexical order and keeps their Up sections.
func loadMigrations(fsys fs.FS, dir string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	files := make([]migrationFile, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		up := extractUpMigration(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}
		files = append(files, migrationFile{name: name, up: up})
	}
	return files, nil
}

// extractUpMigration returns the SQL in the -- +migrate Up section.
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}
