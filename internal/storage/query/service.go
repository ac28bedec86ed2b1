package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/config"
	"github.com/ashwin2k/tmrl-rnn/internal/training/checkpoint"
)

// Service inspects checkpoint files.
// It uses DuckDB to query the Parquet rows through a view named rows.
type Service struct {
	mu sync.RWMutex

	config config.QueryConfig
	db     *sql.DB

	path   string
	state  checkpoint.State
	layout checkpoint.Layout

	// Statistics
	stats ServiceStats

	logger *slog.Logger
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// Summary describes an opened checkpoint.
type Summary struct {
	Path   string
	State  checkpoint.State
	Layout checkpoint.Layout

	Rows       int64
	FirstIndex int64
	LastIndex  int64
	RewardSum  float64
	RewardMean float64
	Dones      int64
}

// Episode is a run of rows ending at a done flag. The last episode of a
// checkpoint may be unfinished.
type Episode struct {
	Number     int64
	FirstIndex int64
	LastIndex  int64
	Steps      int64
	Return     float64
	Finished   bool
}

// readOnlyPrefixes are the statements ExecuteSQL accepts.
var readOnlyPrefixes = []string{"select", "with", "describe", "show", "summarize", "explain", "from"}

// New creates a new query service.
func New(cfg config.QueryConfig) (*Service, error) {
	// Open in-memory DuckDB database
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.MemoryLimit != "" {
		_, err = db.Exec(fmt.Sprintf("SET memory_limit='%s'", quote(cfg.MemoryLimit)))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		config: cfg,
		db:     db,
		logger: logging.Component("query"),
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Open points the rows view at a checkpoint file, replacing any
// previously opened one.
func (s *Service) Open(ctx context.Context, path string) error {
	st, layout, err := checkpoint.Header(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	view := fmt.Sprintf("CREATE OR REPLACE VIEW rows AS SELECT * FROM read_parquet('%s')", quote(path))
	if _, err := s.db.ExecContext(ctx, view); err != nil {
		s.stats.Errors++
		return fmt.Errorf("open %s: %w", path, err)
	}

	s.path = path
	s.state = st
	s.layout = layout
	s.logger.Debug("checkpoint opened", "path", path, "run_id", st.RunID, "epoch", st.Epoch)
	return nil
}

// Path returns the opened checkpoint, or "" if none.
func (s *Service) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// Summary aggregates the opened checkpoint.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return Summary{}, fmt.Errorf("no checkpoint opened: %w", errors.ErrNotFound)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT
			COUNT(*),
			MIN("index"),
			MAX("index"),
			CAST(COALESCE(SUM(reward), 0) AS DOUBLE),
			CAST(COALESCE(SUM(CASE WHEN done THEN 1 ELSE 0 END), 0) AS BIGINT)
		FROM rows
	`

	out := Summary{Path: s.path, State: s.state, Layout: s.layout}
	var first, last sql.NullInt64
	err := s.db.QueryRowContext(ctx, query).Scan(&out.Rows, &first, &last, &out.RewardSum, &out.Dones)
	if err != nil {
		s.stats.Errors++
		return Summary{}, fmt.Errorf("summary: %w", err)
	}
	out.FirstIndex = first.Int64
	out.LastIndex = last.Int64
	if out.Rows > 0 {
		out.RewardMean = out.RewardSum / float64(out.Rows)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned++
	return out, nil
}

// Episodes groups the rows into episodes, oldest first. A limit of zero
// uses the configured maximum.
func (s *Service) Episodes(ctx context.Context, limit int) ([]Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil, fmt.Errorf("no checkpoint opened: %w", errors.ErrNotFound)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		WITH numbered AS (
			SELECT
				"index" AS idx,
				reward,
				done,
				CAST(COALESCE(SUM(CASE WHEN done THEN 1 ELSE 0 END) OVER (
					ORDER BY "index" ROWS BETWEEN UNBOUNDED PRECEDING AND 1 PRECEDING
				), 0) AS BIGINT) AS episode
			FROM rows
		)
		SELECT
			episode,
			MIN(idx),
			MAX(idx),
			COUNT(*),
			CAST(SUM(reward) AS DOUBLE),
			BOOL_OR(done)
		FROM numbered
		GROUP BY episode
		ORDER BY episode
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, s.limit(limit))
	if err != nil {
		s.stats.Errors++
		return nil, fmt.Errorf("episodes: %w", err)
	}
	defer rows.Close()

	var results []Episode
	for rows.Next() {
		var e Episode
		if err := rows.Scan(&e.Number, &e.FirstIndex, &e.LastIndex, &e.Steps, &e.Return, &e.Finished); err != nil {
			s.stats.Errors++
			return nil, fmt.Errorf("scan row: %w", err)
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors++
		return nil, err
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))
	return results, nil
}

// ExecuteSQL runs a read-only query and returns at most max_rows rows.
// This is useful for ad-hoc queries and debugging.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	if !readOnly(query) {
		return nil, errors.NewInvalidValue("query", firstWord(query), "only read-only statements are allowed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	maxRows := s.limit(0)
	var results []map[string]interface{}

	for len(results) < maxRows && rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			s.stats.Errors++
			return nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))

	return results, rows.Err()
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Timeout > 0 {
		return context.WithTimeout(ctx, s.config.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) limit(n int) int {
	if s.config.MaxRows > 0 && (n <= 0 || n > s.config.MaxRows) {
		return s.config.MaxRows
	}
	if n <= 0 {
		return int(^uint(0) >> 1)
	}
	return n
}

func readOnly(query string) bool {
	body := strings.TrimRight(strings.TrimSpace(query), "; \t\n")
	if strings.Contains(body, ";") {
		return false
	}
	word := strings.ToLower(firstWord(query))
	for _, p := range readOnlyPrefixes {
		if word == p {
			return true
		}
	}
	return false
}

func firstWord(query string) string {
	fields := strings.Fields(strings.TrimLeft(query, "( \t\n"))
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimRight(fields[0], ";")
}

func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
