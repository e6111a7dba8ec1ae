package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"hlledger/internal/domain"
)

// LatestTimestamp returns the time of the newest stored fill for address,
// or 0 when none are stored.
func (r *Repository) LatestTimestamp(ctx context.Context, address string) (int64, error) {
	var ts int64
	err := r.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(time_ms), 0) FROM fills WHERE address = $1",
		normalize(address),
	).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("latest timestamp: %w", err)
	}
	return ts, nil
}

// AppendFills stores fills for address, ignoring ones already stored.
// Returns the number of new rows.
func (r *Repository) AppendFills(ctx context.Context, address string, fills []domain.RawFill) (int, error) {
	if len(fills) == 0 {
		return 0, nil
	}
	address = normalize(address)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, f := range fills {
		raw, err := json.Marshal(f)
		if err != nil {
			return 0, fmt.Errorf("marshal fill %s: %w", f.Key(), err)
		}
		batch.Queue(`
			INSERT INTO fills (address, fill_key, coin, time_ms, builder, raw)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (address, fill_key) DO NOTHING
		`, address, f.Key(), f.Coin, f.Time, f.BuilderAddress(), raw)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for range fills {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("insert fill: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit fills: %w", err)
	}
	return inserted, nil
}

// AllFills returns every stored fill for address, oldest first.
func (r *Repository) AllFills(ctx context.Context, address string) ([]domain.RawFill, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT raw FROM fills
		WHERE address = $1
		ORDER BY time_ms ASC, fill_key ASC
	`, normalize(address))
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	fills := []domain.RawFill{}
	for rows.Next() {
		f, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fills: %w", err)
	}
	return fills, nil
}

// ListAddresses returns every address with stored fills.
func (r *Repository) ListAddresses(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, "SELECT DISTINCT address FROM fills ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	addresses := []string{}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		addresses = append(addresses, a)
	}
	return addresses, rows.Err()
}

// ListFills returns stored fills for address, newest first, one page at a time.
func (r *Repository) ListFills(ctx context.Context, address string, filter FillFilter) (*FillPage, error) {
	filter = filter.normalized()

	conditions := []string{"address = $1"}
	args := []interface{}{normalize(address)}
	argIdx := 2

	if filter.Coin != "" {
		conditions = append(conditions, fmt.Sprintf("coin = $%d", argIdx))
		args = append(args, filter.Coin)
		argIdx++
	}
	if filter.Builder != "" {
		conditions = append(conditions, fmt.Sprintf("builder = $%d", argIdx))
		args = append(args, normalize(filter.Builder))
		argIdx++
	}
	if filter.Cursor != "" {
		ts, key, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, fmt.Sprintf("(time_ms, fill_key) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, ts, key)
		argIdx += 2
	}

	query := fmt.Sprintf(`
		SELECT raw FROM fills
		WHERE %s
		ORDER BY time_ms DESC, fill_key DESC
		LIMIT $%d
	`, strings.Join(conditions, " AND "), argIdx)
	args = append(args, filter.Limit+1) // one extra to detect a next page

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.RawFill
	for rows.Next() {
		f, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fills: %w", err)
	}
	return newFillPage(fills, filter.Limit), nil
}

func scanRaw(rows pgx.Rows) (domain.RawFill, error) {
	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		return domain.RawFill{}, fmt.Errorf("scan fill: %w", err)
	}
	var f domain.RawFill
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.RawFill{}, fmt.Errorf("decode fill: %w", err)
	}
	return f, nil
}

func normalize(address string) string {
	return domain.NormalizeAddress(address)
}
