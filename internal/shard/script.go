package shard

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dreamware/shardsql/internal/directory"
)

// SplitScript splits a SQL script into batches on lines holding only GO
// (any case, surrounding whitespace ignored). Empty batches are dropped.
// Lines may be of any length.
func SplitScript(script string) []string {
	var (
		batches []string
		cur     strings.Builder
	)
	flush := func() {
		if b := strings.TrimSpace(cur.String()); b != "" {
			batches = append(batches, b)
		}
		cur.Reset()
	}

	for _, line := range strings.Split(script, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), "GO") {
			flush()
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()
	return batches
}

// ExecScript runs every batch of script on loc inside one transaction. Either
// all batches apply or none do.
func (c *Connector) ExecScript(ctx context.Context, loc directory.Location, script string) error {
	batches := SplitScript(script)
	return c.Exec(ctx, loc, func(ctx context.Context, tx *sql.Tx) error {
		for i, b := range batches {
			if _, err := tx.ExecContext(ctx, b); err != nil {
				return fmt.Errorf("batch %d of %d: %w", i+1, len(batches), err)
			}
		}
		return nil
	})
}
