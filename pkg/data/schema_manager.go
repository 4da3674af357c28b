package data

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed sql/schema/*.sql
var schemaFS embed.FS

// Beginner starts a transaction. Satisfied by *pgx.Conn and *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type SchemaManager struct {
	db    Beginner
	files fs.FS
}

func NewSchemaManager(db Beginner) *SchemaManager {
	sub, _ := fs.Sub(schemaFS, "sql/schema")
	return &SchemaManager{
		db:    db,
		files: sub,
	}
}

// InitializeSchema applies every .sql file in name order inside one transaction
func (sm *SchemaManager) InitializeSchema(ctx context.Context) error {
	entries, err := fs.ReadDir(sm.files, ".")
	if err != nil {
		return fmt.Errorf("reading schema directory: %w", err)
	}

	fileNames := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			fileNames = append(fileNames, e.Name())
		}
	}
	sort.Strings(fileNames)

	tx, err := sm.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, fileName := range fileNames {
		content, err := fs.ReadFile(sm.files, fileName)
		if err != nil {
			return fmt.Errorf("reading schema file %s: %w", fileName, err)
		}

		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("executing schema file %s: %w", fileName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}

	return nil
}

// Files lists the embedded schema files in apply order
func (sm *SchemaManager) Files() []string {
	entries, err := fs.ReadDir(sm.files, ".")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
