package store

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested credential does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateHash is returned when an insert would reuse an existing secret
// hash. The row is never overwritten.
var ErrDuplicateHash = errors.New("duplicate secret hash")

// isUniqueViolation reports whether err is a unique-constraint failure on
// any of the supported engines.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
