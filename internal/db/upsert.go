package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertSpec describes a bulk upsert target.
type UpsertSpec struct {
	Table        string   // schema-qualified target, e.g. "geo.zcta_population"
	Columns      []string // columns supplied in every row
	ConflictKeys []string // unique constraint columns
	UpdateCols   []string // columns replaced on conflict; nil means every non-key column
}

// Upsert stages rows in a transaction-scoped temp table with COPY, then
// merges them into the target with INSERT ... ON CONFLICT DO UPDATE.
func Upsert(ctx context.Context, pool Pool, spec UpsertSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(spec.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(spec.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	staging := stagingTable(spec.Table)
	createSQL := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{staging}.Sanitize(), Identifier(spec.Table).Sanitize())
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create staging table for %s", spec.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, spec.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into staging table for %s", spec.Table)
	}

	tag, err := tx.Exec(ctx, upsertSQL(spec, staging))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", spec.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func stagingTable(table string) string {
	return "_stage_" + strings.ReplaceAll(table, ".", "_")
}

func upsertSQL(spec UpsertSpec, staging string) string {
	update := spec.UpdateCols
	if update == nil {
		keys := make(map[string]bool, len(spec.ConflictKeys))
		for _, k := range spec.ConflictKeys {
			keys[k] = true
		}
		for _, c := range spec.Columns {
			if !keys[c] {
				update = append(update, c)
			}
		}
	}

	cols := joinIdents(spec.Columns)
	action := "DO NOTHING"
	if len(update) > 0 {
		sets := make([]string, len(update))
		for i, c := range update {
			id := pgx.Identifier{c}.Sanitize()
			sets[i] = id + " = EXCLUDED." + id
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		Identifier(spec.Table).Sanitize(), cols, cols,
		pgx.Identifier{staging}.Sanitize(), joinIdents(spec.ConflictKeys), action)
}

func joinIdents(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
