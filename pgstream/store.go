// Package pgstream provides a Postgres pondsync backend. Rows are read and written with plain
// SQL through lib/pq, and changes are pushed by a notify_event trigger over LISTEN/NOTIFY.
// Postgres has no presence primitive, so this backend does not implement PresenceBackend.
package pgstream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eleven-am/pondsync"
	json "github.com/goccy/go-json"
	"github.com/lib/pq"
)

// Store implements pondsync.Store over a Postgres database. Rows cross the boundary as JSON
// produced by row_to_json, so any table shape is supported.
type Store struct {
	db *sql.DB
}

// Open connects to dsn with the lib/pq driver and pings the server.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// whereClause renders filter with columns cast to text, so string values compare against any
// column type. Placeholders start at $start.
func whereClause(filter pondsync.Filter, start int) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(filter))
	args := make([]interface{}, 0, len(filter))
	n := start
	for _, c := range filter {
		column := pq.QuoteIdentifier(c.Column) + "::text"
		switch c.Op {
		case pondsync.OpEq:
			parts = append(parts, fmt.Sprintf("%s = $%d", column, n))
			args = append(args, c.Value)
		case pondsync.OpNeq:
			parts = append(parts, fmt.Sprintf("%s IS DISTINCT FROM $%d", column, n))
			args = append(args, c.Value)
		case pondsync.OpIn:
			parts = append(parts, fmt.Sprintf("%s = ANY($%d)", column, n))
			args = append(args, pq.Array(strings.Split(c.Value, ",")))
		default:
			continue
		}
		n++
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func buildSelect(table string, filter pondsync.Filter) (string, []interface{}) {
	where, args := whereClause(filter, 1)
	return "SELECT row_to_json(t)::text FROM " + pq.QuoteIdentifier(table) + " AS t" + where, args
}

func buildInsert(table string, row pondsync.Row) (string, []interface{}, error) {
	columns := sortedColumns(row)
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		quoted[i] = pq.QuoteIdentifier(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		v, err := sqlValue(row[col])
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", col, err)
		}
		args[i] = v
	}
	query := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) RETURNING row_to_json(t)::text",
		pq.QuoteIdentifier(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	return query, args, nil
}

func buildUpdate(table string, filter pondsync.Filter, patch pondsync.Row) (string, []interface{}, error) {
	columns := sortedColumns(patch)
	sets := make([]string, len(columns))
	args := make([]interface{}, 0, len(columns)+len(filter))
	for i, col := range columns {
		sets[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(col), i+1)
		v, err := sqlValue(patch[col])
		if err != nil {
			return "", nil, fmt.Errorf("column %s: %w", col, err)
		}
		args = append(args, v)
	}
	where, whereArgs := whereClause(filter, len(columns)+1)
	args = append(args, whereArgs...)
	query := "UPDATE " + pq.QuoteIdentifier(table) + " SET " + strings.Join(sets, ", ") + where
	return query, args, nil
}

func sortedColumns(row pondsync.Row) []string {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

// sqlValue maps row values onto driver values. Composite values are stored as JSON.
func sqlValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, string, bool, int, int32, int64, float64, time.Time, []byte:
		return val, nil
	case []string:
		return pq.Array(val), nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

func (s *Store) Query(ctx context.Context, collection string, filter pondsync.Filter) ([]pondsync.Row, error) {
	query, args := buildSelect(collection, filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []pondsync.Row
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
		}
		var row pondsync.Row
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("failed to decode %s row: %w", collection, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", collection, err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time("created_at").Before(out[j].Time("created_at"))
	})
	return out, nil
}

func (s *Store) Insert(ctx context.Context, collection string, row pondsync.Row) (pondsync.Row, error) {
	query, args, err := buildInsert(collection, row)
	if err != nil {
		return nil, fmt.Errorf("failed to build insert into %s: %w", collection, err)
	}
	var raw string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	var stored pondsync.Row
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode inserted %s row: %w", collection, err)
	}
	return stored, nil
}

func (s *Store) Update(ctx context.Context, collection string, filter pondsync.Filter, patch pondsync.Row) (int, error) {
	if len(patch) == 0 {
		return 0, nil
	}
	query, args, err := buildUpdate(collection, filter, patch)
	if err != nil {
		return 0, fmt.Errorf("failed to build update of %s: %w", collection, err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count updated %s rows: %w", collection, err)
	}
	return int(n), nil
}

// EnsureTriggers installs the trigger function publishing on channel when missing and attaches
// it to every listed table that lacks it. An empty channel means DefaultChannel; use the same
// value as the Listener.
func (s *Store) EnsureTriggers(ctx context.Context, channel string, tables ...string) error {
	if channel == "" {
		channel = DefaultChannel
	}
	function := notifyFunctionName(channel)

	var installed bool
	err := s.db.QueryRowContext(ctx, `select to_regprocedure($1) is not null`, pq.QuoteIdentifier(function)+"()").Scan(&installed)
	if err != nil {
		return fmt.Errorf("failed to look up event function: %w", err)
	}
	if !installed {
		if _, err := s.db.ExecContext(ctx, notifyFunctionQuery(channel)); err != nil {
			return fmt.Errorf("failed when create event function: %w", err)
		}
	}

	for _, table := range tables {
		trigger := table + "_" + function
		var found string
		err := s.db.QueryRowContext(ctx, `select trigger_name
			from information_schema.triggers
			where event_object_table=$1 and trigger_name=$2
			limit 1`, table, trigger).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up trigger for table %s: %w", table, err)
		}
		if _, err := s.db.ExecContext(ctx, createTriggerQuery(table, function)); err != nil {
			return fmt.Errorf("failed when create trigger for table %s: %w", table, err)
		}
	}
	return nil
}

func createTriggerQuery(table, function string) string {
	return fmt.Sprintf(`CREATE TRIGGER %s
		AFTER INSERT OR UPDATE OR DELETE ON %s
		FOR EACH ROW EXECUTE PROCEDURE %s();`,
		pq.QuoteIdentifier(table+"_"+function), pq.QuoteIdentifier(table), pq.QuoteIdentifier(function))
}

// rowByID loads one row by id, used to resolve truncated notifications.
func (s *Store) rowByID(ctx context.Context, table, id string) (pondsync.Row, error) {
	rows, err := s.Query(ctx, table, pondsync.Eq("id", id))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return rows[0], nil
}
