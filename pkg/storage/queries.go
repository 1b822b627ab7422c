package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/leadfactory/leadshard/pkg/models/business"
)

const createBusinessesSQL = `
CREATE TABLE IF NOT EXISTS businesses (
	id         TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT '',
	address    TEXT NOT NULL DEFAULT '',
	city       TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL DEFAULT '',
	zip        TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	website    TEXT NOT NULL DEFAULT '',
	category   TEXT NOT NULL DEFAULT '',
	score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

var createIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS businesses_source_idx ON businesses (source)`,
	`CREATE INDEX IF NOT EXISTS businesses_state_idx ON businesses (state)`,
	`CREATE INDEX IF NOT EXISTS businesses_created_at_idx ON businesses (created_at DESC)`,
}

const insertBusinessSQL = `
INSERT INTO businesses
	(id, source_id, source, name, address, city, state, zip,
	 phone, email, website, category, score, created_at, updated_at)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

const selectBusinessByIDSQL = `
SELECT id, source_id, source, name, address, city, state, zip,
	phone, email, website, category, score, created_at, updated_at
FROM businesses WHERE id = $1`

const selectStatisticsSQL = `
SELECT source, count(*) AS cnt FROM businesses GROUP BY source`

// updatableColumns is the allowlist for UpdateBusiness SET clauses. Update
// keys come from pipeline code as plain strings, so they never reach the
// SQL text unchecked.
var updatableColumns = map[string]struct{}{
	"source_id": {},
	"source":    {},
	"name":      {},
	"address":   {},
	"city":      {},
	"state":     {},
	"zip":       {},
	"phone":     {},
	"email":     {},
	"website":   {},
	"category":  {},
	"score":     {},
}

// buildSearchQuery renders the filtered select with positional parameters
// and a pushed-down LIMIT, so a shard never returns more rows than the
// caller could use.
func buildSearchQuery(c business.FilterCriteria, limit int) (string, []any) {
	var conds []string
	var args []any

	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(c.States) > 0 {
		var ph []string
		for _, st := range c.States {
			ph = append(ph, next(strings.ToUpper(st)))
		}
		conds = append(conds, fmt.Sprintf("state IN (%s)", strings.Join(ph, ", ")))
	}
	if len(c.Cities) > 0 {
		var ph []string
		for _, city := range c.Cities {
			ph = append(ph, next(strings.ToLower(city)))
		}
		conds = append(conds, fmt.Sprintf("lower(city) IN (%s)", strings.Join(ph, ", ")))
	}
	if len(c.ZipPrefixes) > 0 {
		var ph []string
		for _, pref := range c.ZipPrefixes {
			ph = append(ph, fmt.Sprintf("zip LIKE %s", next(pref+"%")))
		}
		conds = append(conds, "("+strings.Join(ph, " OR ")+")")
	}
	if len(c.Sources) > 0 {
		var ph []string
		for _, src := range c.Sources {
			ph = append(ph, next(strings.ToLower(src)))
		}
		conds = append(conds, fmt.Sprintf("lower(source) IN (%s)", strings.Join(ph, ", ")))
	}
	if c.Category != "" {
		conds = append(conds, fmt.Sprintf("category = %s", next(c.Category)))
	}
	if c.MinScore > 0 {
		conds = append(conds, fmt.Sprintf("score >= %s", next(c.MinScore)))
	}
	if c.HasEmail {
		conds = append(conds, "email <> ''")
	}

	sql := `SELECT id, source_id, source, name, address, city, state, zip,
	phone, email, website, category, score, created_at, updated_at
FROM businesses`
	if len(conds) > 0 {
		sql += "\nWHERE " + strings.Join(conds, " AND ")
	}
	sql += fmt.Sprintf("\nORDER BY created_at DESC LIMIT %s", next(limit))

	return sql, args
}

// buildUpdateQuery renders the SET clause from the update map in sorted
// key order, so the statement text is deterministic for identical input.
func buildUpdateQuery(id string, updates map[string]any) (string, []any, error) {
	keys := make([]string, 0, len(updates))
	for k := range updates {
		if _, ok := updatableColumns[k]; !ok {
			return "", nil, fmt.Errorf("column '%s' is not updatable", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sets []string
	var args []any
	for _, k := range keys {
		args = append(args, updates[k])
		sets = append(sets, fmt.Sprintf("%s = $%d", k, len(args)))
	}
	sets = append(sets, "updated_at = now()")

	args = append(args, id)
	sql := fmt.Sprintf("UPDATE businesses SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	return sql, args, nil
}
