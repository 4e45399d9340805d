package store

import (
	"context"
	"fmt"
)

// migrate applies the dialect's schema statements in order. Every statement
// is idempotent, so migrate runs on each open.
func (s *Store) migrate(ctx context.Context) error {
	for _, m := range s.dialect.migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
