package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/mathopoulos/hkextract"
)

// MaxParams is PostgreSQL's limit on bind parameters per statement.
const MaxParams = 65535

// schema creates the series table. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS health_series (
		user_id     TEXT NOT NULL,
		metric      TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		day         TEXT NOT NULL,
		value       DOUBLE PRECISION NOT NULL,
		source_name TEXT NOT NULL DEFAULT '',
		unit        TEXT NOT NULL DEFAULT '',
		start_time  TEXT NOT NULL DEFAULT '',
		end_time    TEXT NOT NULL DEFAULT '',
		activity    TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, metric, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS health_series_day_idx ON health_series (user_id, metric, day)`,
}

var columns = []string{"user_id", "metric", "seq", "day", "value", "source_name", "unit", "start_time", "end_time", "activity"}

// Migrate applies the schema used by Postgres.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}

// Postgres stores series in the health_series table, one row per point in
// series order. A write replaces every row of its key in one transaction.
type Postgres struct {
	db      *sqlx.DB
	batcher hkextract.Batcher[hkextract.DataPoint]
}

// PostgresOption configures a Postgres sink.
type PostgresOption func(*Postgres)

// WithMaxParams caps the bind parameters of each INSERT. Values less than the
// column count are ignored.
func WithMaxParams(n int) PostgresOption {
	return func(p *Postgres) {
		if n >= len(columns) {
			p.batcher = pointBatcher(n)
		}
	}
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		db:      sqlx.NewDb(db, "postgres"),
		batcher: pointBatcher(MaxParams),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OpenPostgres connects to the database at dsn.
func OpenPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgres(db.DB, opts...), nil
}

func pointBatcher(maxParams int) hkextract.Batcher[hkextract.DataPoint] {
	return hkextract.WeightedBatcher(func(hkextract.DataPoint) int { return len(columns) }, maxParams)
}

// DB returns the underlying handle.
func (p *Postgres) DB() *sql.DB { return p.db.DB }

// Close closes the database handle.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Write(ctx context.Context, key hkextract.Key, series hkextract.Series) (err error) {
	if err := validateKey(key); err != nil {
		return err
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM health_series WHERE user_id = $1 AND metric = $2`, key.User, key.Metric); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	seq := 0
	for _, batch := range p.batcher.Batch(series) {
		query, args := insertStatement(key, seq, batch)
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}
		seq += len(batch)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func insertStatement(key hkextract.Key, seq int, batch []hkextract.DataPoint) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO health_series (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(batch)*len(columns))
	for i, p := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c+1)
		}
		b.WriteByte(')')
		args = append(args, key.User, key.Metric, seq+i, p.Date, p.Value, p.SourceName, p.Unit, p.StartTime, p.EndTime, p.Activity)
	}
	return b.String(), args
}

type seriesRow struct {
	Day        string  `db:"day"`
	Value      float64 `db:"value"`
	SourceName string  `db:"source_name"`
	Unit       string  `db:"unit"`
	StartTime  string  `db:"start_time"`
	EndTime    string  `db:"end_time"`
	Activity   string  `db:"activity"`
}

func (p *Postgres) Read(ctx context.Context, key hkextract.Key) (hkextract.Series, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var rows []seriesRow
	err := p.db.SelectContext(ctx, &rows, `SELECT day, value, source_name, unit, start_time, end_time, activity
		FROM health_series WHERE user_id = $1 AND metric = $2 ORDER BY seq`, key.User, key.Metric)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	series := make(hkextract.Series, len(rows))
	for i, r := range rows {
		series[i] = hkextract.DataPoint{
			Date:       r.Day,
			Value:      r.Value,
			SourceName: r.SourceName,
			Unit:       r.Unit,
			StartTime:  r.StartTime,
			EndTime:    r.EndTime,
			Activity:   r.Activity,
		}
	}
	return series, nil
}
