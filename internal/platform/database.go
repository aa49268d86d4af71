package platform

import (
	"context"
	"fmt"
)

// databaseStore is the slice of internal/storage.Store the database
// platform depends on.
type databaseStore interface {
	Query(ctx context.Context, table string, columns []string, where string, limit, offset *int, orderBy string) ([]map[string]any, error)
	TableStats(ctx context.Context, table string) (rowCount int, err error)
}

// DatabasePlatform implements the "database.*" bot-command namespace,
// letting a narrative read back its own generated content tables the same
// way it would query a chat platform: database.query, database.get_stats.
type DatabasePlatform struct {
	store databaseStore
}

// NewDatabasePlatform wraps a storage backend.
func NewDatabasePlatform(store databaseStore) *DatabasePlatform {
	return &DatabasePlatform{store: store}
}

func (d *DatabasePlatform) Name() string { return "database" }

func (d *DatabasePlatform) Execute(ctx context.Context, command string, args map[string]any) (any, error) {
	switch command {
	case "query":
		return d.query(ctx, args)
	case "get_stats":
		return d.getStats(ctx, args)
	default:
		return nil, &UnknownCommandError{Platform: d.Name(), Command: command}
	}
}

func (d *DatabasePlatform) query(ctx context.Context, args map[string]any) (any, error) {
	table, err := platformStringArg("database", args, "table")
	if err != nil {
		return nil, err
	}
	var columns []string
	if raw, ok := args["columns"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				columns = append(columns, s)
			}
		}
	}
	where, _ := args["where"].(string)

	var limit, offset *int
	if v, ok := args["limit"]; ok {
		n := intArg(v, 0)
		limit = &n
	}
	if v, ok := args["offset"]; ok {
		n := intArg(v, 0)
		offset = &n
	}
	orderBy, _ := args["order_by"].(string)

	rows, err := d.store.Query(ctx, table, columns, where, limit, offset, orderBy)
	if err != nil {
		return nil, fmt.Errorf("database: query %s: %w", table, err)
	}
	return rows, nil
}

func (d *DatabasePlatform) getStats(ctx context.Context, args map[string]any) (any, error) {
	table, err := platformStringArg("database", args, "table")
	if err != nil {
		return nil, err
	}
	count, err := d.store.TableStats(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("database: stats for %s: %w", table, err)
	}
	return map[string]any{"table": table, "row_count": count}, nil
}
