package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/gaborage/go-datalayer/store"
)

// QueryPlan is the store's execution plan for one statement, with a coarse
// full-scan flag extracted from the plan text.
type QueryPlan struct {
	Query         string
	Steps         []string
	FullTableScan bool
}

// Analyze asks the store to explain the statement. Useful for spotting
// missing indexes behind the shapes QueryMetrics ranks as most expensive.
func (db *DB) Analyze(ctx context.Context, query string, args ...any) (*QueryPlan, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Release(conn)

	explain := explainStatement(conn.Client().Vendor(), query)
	result, err := conn.Client().Execute(ctx, explain, args...)
	if err != nil {
		return nil, fmt.Errorf("database: explain failed: %w", err)
	}

	plan := &QueryPlan{Query: query}
	for _, row := range result.Rows {
		step := planStep(row)
		plan.Steps = append(plan.Steps, step)
		if isFullScan(step) {
			plan.FullTableScan = true
		}
	}
	return plan, nil
}

func explainStatement(vendor store.Vendor, query string) string {
	if vendor == store.SQLite {
		return "EXPLAIN QUERY PLAN " + query
	}
	return "EXPLAIN " + query
}

// planStep flattens one explain row into text. SQLite reports a "detail"
// column; PostgreSQL reports "QUERY PLAN".
func planStep(row store.Row) string {
	if detail, ok := row["detail"].(string); ok {
		return detail
	}
	if plan, ok := row["QUERY PLAN"].(string); ok {
		return plan
	}

	parts := make([]string, 0, len(row))
	for _, v := range row {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func isFullScan(step string) bool {
	upper := strings.ToUpper(step)
	// SQLite: "SCAN <table>" not served by an index (plain or covering);
	// PostgreSQL: "Seq Scan".
	if strings.Contains(upper, "SEQ SCAN") {
		return true
	}
	return strings.HasPrefix(upper, "SCAN ") && !strings.Contains(upper, "INDEX")
}
