package database

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gaborage/go-datalayer/logger"
)

const (
	dbMeterName = "go-datalayer/database"

	metricDBCalls    = "db.client.calls"
	metricDBDuration = "db.client.operation.duration"
	metricDBRows     = "db.rows.affected"

	attrQueryShape = "db.query.shape"
	attrErrored    = "db.query.errored"
)

var (
	meterOnce sync.Once

	dbCallsCounter      metric.Int64Counter
	dbDurationHistogram metric.Float64Histogram
	dbRowsCounter       metric.Int64Counter
)

// initMeter lazily creates the OpenTelemetry instruments. Instrument creation
// failures are non-fatal; the facade keeps its in-process stats regardless.
func initMeter() {
	meterOnce.Do(func() {
		meter := otel.Meter(dbMeterName)

		dbCallsCounter, _ = meter.Int64Counter(metricDBCalls,
			metric.WithDescription("Number of database calls issued through the facade"))
		dbDurationHistogram, _ = meter.Float64Histogram(metricDBDuration,
			metric.WithDescription("Database operation duration"),
			metric.WithUnit("ms"))
		dbRowsCounter, _ = meter.Int64Counter(metricDBRows,
			metric.WithDescription("Rows returned or affected by database calls"))
	})
}

// DefaultSlowQueryThreshold flags queries slower than this for logging.
const DefaultSlowQueryThreshold = 200 * time.Millisecond

// QueryStat accumulates per-shape statistics.
type QueryStat struct {
	Shape     string
	Calls     int64
	Errors    int64
	TotalTime time.Duration
	MaxTime   time.Duration
	LastSeen  time.Time
}

// QueryMetrics records per-shape query statistics and emits slow-query logs
// and OpenTelemetry measurements.
type QueryMetrics struct {
	mu     sync.Mutex
	shapes map[string]*QueryStat

	slowThreshold time.Duration
	log           logger.Logger
}

// NewQueryMetrics creates an empty registry.
func NewQueryMetrics(log logger.Logger) *QueryMetrics {
	initMeter()
	return &QueryMetrics{
		shapes:        make(map[string]*QueryStat),
		slowThreshold: DefaultSlowQueryThreshold,
		log:           logger.OrDisabled(log),
	}
}

// SetSlowQueryThreshold overrides the slow-query logging cutoff.
// A zero or negative threshold disables slow-query logging.
func (m *QueryMetrics) SetSlowQueryThreshold(d time.Duration) {
	m.mu.Lock()
	m.slowThreshold = d
	m.mu.Unlock()
}

// Record folds one operation into the registry.
func (m *QueryMetrics) Record(query string, elapsed time.Duration, rows int64, err error) {
	shape := NormalizeQuery(query)

	m.mu.Lock()
	stat, ok := m.shapes[shape]
	if !ok {
		stat = &QueryStat{Shape: shape}
		m.shapes[shape] = stat
	}
	stat.Calls++
	stat.TotalTime += elapsed
	if elapsed > stat.MaxTime {
		stat.MaxTime = elapsed
	}
	stat.LastSeen = time.Now()
	if err != nil {
		stat.Errors++
	}
	slow := m.slowThreshold > 0 && elapsed >= m.slowThreshold
	m.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String(attrQueryShape, shape),
		attribute.Bool(attrErrored, err != nil),
	)
	ctx := context.Background()
	if dbCallsCounter != nil {
		dbCallsCounter.Add(ctx, 1, attrs)
	}
	if dbDurationHistogram != nil {
		dbDurationHistogram.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
	if dbRowsCounter != nil && rows > 0 {
		dbRowsCounter.Add(ctx, rows, attrs)
	}

	if slow {
		m.log.Warn().
			Str("query_shape", shape).
			Dur("elapsed", elapsed).
			Int64("rows", rows).
			Msg("Slow query")
	}
}

// Snapshot returns a copy of all collected statistics.
func (m *QueryMetrics) Snapshot() []QueryStat {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueryStat, 0, len(m.shapes))
	for _, stat := range m.shapes {
		out = append(out, *stat)
	}
	return out
}

// TopByTotalTime returns the n shapes with the highest cumulative time.
func (m *QueryMetrics) TopByTotalTime(n int) []QueryStat {
	stats := m.Snapshot()
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].TotalTime > stats[j].TotalTime
	})
	if n > 0 && len(stats) > n {
		stats = stats[:n]
	}
	return stats
}

// Reset clears all collected statistics.
func (m *QueryMetrics) Reset() {
	m.mu.Lock()
	m.shapes = make(map[string]*QueryStat)
	m.mu.Unlock()
}

var (
	stringLiteralRe = regexp.MustCompile(`'(?:[^']|'')*'`)
	numberLiteralRe = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	placeholderRe   = regexp.MustCompile(`\$\d+`)
)

// NormalizeQuery reduces a statement to its shape: literals and positional
// placeholders become "?", whitespace collapses. Queries differing only in
// bound values aggregate under one shape.
func NormalizeQuery(query string) string {
	shape := stringLiteralRe.ReplaceAllString(query, "?")
	shape = placeholderRe.ReplaceAllString(shape, "?")
	shape = numberLiteralRe.ReplaceAllString(shape, "?")
	shape = strings.Join(strings.Fields(shape), " ")
	if len(shape) > 300 {
		shape = shape[:300]
	}
	return shape
}
