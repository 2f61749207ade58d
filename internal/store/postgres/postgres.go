// Package postgres is the production store.Adapter, backing the
// document-store contract with Postgres JSONB columns. The schema
// bootstrap and connection handling follow the same shape as
// apps/annotations-sink's initDB and apps/csv-ingestion-worker's
// initDatabase: CREATE TABLE IF NOT EXISTS, a ping on startup, and a
// pooled *sql.DB shared across requests rather than one client per
// request (spec.md §9, "thread-bound client reuse" is an anti-pattern).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/goldfish-inc/oceanid/annotation-dispatcher/internal/store"
)

// Adapter implements store.Adapter over a Postgres connection pool.
// Each (index, type) pair maps to one table named "<index>_<type>".
type Adapter struct {
	db *sql.DB
}

// Open connects to dsn, configures the pool the way
// csv-ingestion-worker's initDatabase does (bounded open/idle conns,
// bounded lifetime), and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string) (*Adapter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Adapter{db: db}, nil
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error {
	return a.db.Close()
}

var _ store.Adapter = (*Adapter)(nil)

func tableName(index, typ string) string {
	return pq.QuoteIdentifier(index + "_" + typ)
}

// EnsureSchema creates the backing table and the indexes that support
// the two fixed query shapes the dispatcher issues (spec.md §6): the
// unannotated fetch (no annotations, no invalid, ordered by doc_id) and
// the partial scan (numValidAnnotations < N, annotations present, no
// invalid).
func (a *Adapter) EnsureSchema(ctx context.Context, index, typ string) error {
	table := tableName(index, typ)
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id   TEXT PRIMARY KEY,
			body JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %s_doc_id_idx
			ON %s (( (body->>'docId') ));
		CREATE INDEX IF NOT EXISTS %s_unannotated_idx
			ON %s ((body ? 'annotations'), (body ? 'invalid'), (body->>'docId'));
		CREATE INDEX IF NOT EXISTS %s_partial_idx
			ON %s (((body->>'numValidAnnotations')::int)) WHERE body ? 'annotations';
	`, table,
		safeSuffix(index, typ, "doc_id"), table,
		safeSuffix(index, typ, "unannotated"), table,
		safeSuffix(index, typ, "partial"), table,
	)
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: ensure schema %s: %w", table, classifyPostgresErr(err))
	}
	return nil
}

func safeSuffix(index, typ, name string) string {
	return strings.ReplaceAll(fmt.Sprintf("%s_%s_%s", index, typ, name), "-", "_")
}

func (a *Adapter) Get(ctx context.Context, index, typ, id string) (store.Record, error) {
	table := tableName(index, typ)
	var raw []byte
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT body FROM %s WHERE id = $1`, table), id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("postgres: get %s/%s: %w", table, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get %s/%s: %w", table, id, classifyPostgresErr(err))
	}
	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("postgres: decode %s/%s: %w", table, id, err)
	}
	rec["id"] = id
	return rec, nil
}

func (a *Adapter) Put(ctx context.Context, index, typ, id string, body store.Record) error {
	table := tableName(index, typ)
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("postgres: encode %s/%s: %w", table, id, err)
	}
	_, err = a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, body) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`, table),
		id, raw)
	if err != nil {
		return fmt.Errorf("postgres: put %s/%s: %w", table, id, classifyPostgresErr(err))
	}
	return nil
}

// Update performs the shallow top-level merge spec.md §4.1 requires:
// read-modify-write inside a transaction, keyed by id, so two
// concurrent updates to disjoint fields don't clobber each other.
func (a *Adapter) Update(ctx context.Context, index, typ, id string, patch store.Record) error {
	table := tableName(index, typ)
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: update %s/%s: begin: %w", table, id, classifyPostgresErr(err))
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT body FROM %s WHERE id = $1 FOR UPDATE`, table), id).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("postgres: update %s/%s: %w", table, id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: update %s/%s: select: %w", table, id, classifyPostgresErr(err))
	}

	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("postgres: update %s/%s: decode: %w", table, id, err)
	}
	for field, value := range patch {
		rec[field] = value
	}
	merged, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres: update %s/%s: encode: %w", table, id, err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET body = $2 WHERE id = $1`, table), id, merged); err != nil {
		return fmt.Errorf("postgres: update %s/%s: write: %w", table, id, classifyPostgresErr(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: update %s/%s: commit: %w", table, id, classifyPostgresErr(err))
	}
	return nil
}

func (a *Adapter) Search(ctx context.Context, index, typ string, q store.Query, from, size int) (store.Page, error) {
	table := tableName(index, typ)
	where, args := buildWhere(q)
	order := ""
	if q.SortByAsc != "" {
		order = fmt.Sprintf(" ORDER BY body->>%s ASC", pq.QuoteLiteral(q.SortByAsc))
	}
	sqlStr := fmt.Sprintf(`SELECT id, body FROM %s%s%s OFFSET %d LIMIT %d`, table, where, order, from, size)
	rows, err := a.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return store.Page{}, fmt.Errorf("postgres: search %s: %w", table, classifyPostgresErr(err))
	}
	defer rows.Close()

	var recs []store.Record
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return store.Page{}, fmt.Errorf("postgres: search %s: scan: %w", table, err)
		}
		var rec store.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return store.Page{}, fmt.Errorf("postgres: search %s: decode: %w", table, err)
		}
		rec["id"] = id
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, fmt.Errorf("postgres: search %s: %w", table, classifyPostgresErr(err))
	}
	return store.Page{Records: recs, Total: -1}, nil
}

// Scan streams all matches of q via a server-side cursor (DECLARE ...
// CURSOR), keeping results stable within the scan the way spec.md §4.1
// requires without loading the whole match set into memory.
func (a *Adapter) Scan(ctx context.Context, index, typ string, q store.Query) (store.Cursor, error) {
	table := tableName(index, typ)
	where, args := buildWhere(q)
	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s: begin: %w", table, classifyPostgresErr(err))
	}

	cursorName := pq.QuoteIdentifier(fmt.Sprintf("scan_%s", strings.ReplaceAll(table, `"`, "")))
	declare := fmt.Sprintf(`DECLARE %s NO SCROLL CURSOR FOR SELECT id, body FROM %s%s`, cursorName, table, where)
	if _, err := tx.ExecContext(ctx, declare, args...); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("postgres: scan %s: declare: %w", table, classifyPostgresErr(err))
	}
	return &pgCursor{tx: tx, cursorName: cursorName}, nil
}

type pgCursor struct {
	tx         *sql.Tx
	cursorName string
	buf        []store.Record
	pos        int
	err        error
	done       bool
}

const scanFetchSize = 200

func (c *pgCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.pos < len(c.buf) {
		c.pos++
		return c.pos <= len(c.buf) && c.pos-1 < len(c.buf)
	}
	if c.done {
		return false
	}
	rows, err := c.tx.QueryContext(ctx, fmt.Sprintf(`FETCH FORWARD %d FROM %s`, scanFetchSize, c.cursorName))
	if err != nil {
		c.err = fmt.Errorf("postgres: scan: fetch: %w", classifyPostgresErr(err))
		return false
	}
	defer rows.Close()

	c.buf = c.buf[:0]
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			c.err = fmt.Errorf("postgres: scan: scan row: %w", err)
			return false
		}
		var rec store.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			c.err = fmt.Errorf("postgres: scan: decode: %w", err)
			return false
		}
		rec["id"] = id
		c.buf = append(c.buf, rec)
	}
	if err := rows.Err(); err != nil {
		c.err = fmt.Errorf("postgres: scan: %w", classifyPostgresErr(err))
		return false
	}
	c.pos = 0
	if len(c.buf) == 0 {
		c.done = true
		return false
	}
	c.pos = 1
	return true
}

func (c *pgCursor) Record() store.Record {
	return c.buf[c.pos-1]
}

func (c *pgCursor) Err() error {
	return c.err
}

func (c *pgCursor) Close() error {
	return c.tx.Rollback()
}

// BulkIndex batch-inserts records for the Task Seeder in one
// multi-valued INSERT, the way outbox.go's claimBatch groups work
// per-transaction rather than issuing one round trip per record.
func (a *Adapter) BulkIndex(ctx context.Context, index, typ string, records map[string]store.Record) error {
	if len(records) == 0 {
		return nil
	}
	table := tableName(index, typ)
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: bulk index %s: begin: %w", table, classifyPostgresErr(err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, body) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`, table))
	if err != nil {
		return fmt.Errorf("postgres: bulk index %s: prepare: %w", table, classifyPostgresErr(err))
	}
	defer stmt.Close()

	for id, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("postgres: bulk index %s/%s: encode: %w", table, id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, raw); err != nil {
			return fmt.Errorf("postgres: bulk index %s/%s: %w", table, id, classifyPostgresErr(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: bulk index %s: commit: %w", table, classifyPostgresErr(err))
	}
	return nil
}

func buildWhere(q store.Query) (string, []any) {
	var clauses []string
	var args []any
	i := 1
	for field, value := range q.Equals {
		clauses = append(clauses, fmt.Sprintf("body->>%s = $%d", pq.QuoteLiteral(field), i))
		args = append(args, fmt.Sprint(value))
		i++
	}
	for _, field := range q.MustNotExist {
		clauses = append(clauses, fmt.Sprintf("NOT (body ? %s)", pq.QuoteLiteral(field)))
	}
	for _, field := range q.MustExist {
		clauses = append(clauses, fmt.Sprintf("body ? %s", pq.QuoteLiteral(field)))
	}
	for field, bound := range q.LessThan {
		clauses = append(clauses, fmt.Sprintf("(body->>%s)::numeric < $%d", pq.QuoteLiteral(field), i))
		args = append(args, bound)
		i++
	}
	for field, bound := range q.GreaterThan {
		clauses = append(clauses, fmt.Sprintf("(body->>%s)::numeric > $%d", pq.QuoteLiteral(field), i))
		args = append(args, bound)
		i++
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// classifyPostgresErr maps a driver error to the store error taxonomy
// spec.md §4.1 names, the way annotations-sink logs but does not
// reclassify driver errors today — here we make that classification
// explicit so the dispatcher's retry policy (§7, StoreTransient) can
// act on it.
func classifyPostgresErr(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code.Class() {
		case "08", "53", "40": // connection exception, insufficient resources, transaction rollback
			return fmt.Errorf("%w: %v", store.ErrTransient, err)
		case "23": // integrity constraint violation
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", store.ErrFatal, err)
}
