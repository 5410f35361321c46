package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a concurrent writer won a lock or
// serialization race. The operation may be retried.
var ErrConflict = errors.New("concurrent update conflict")

// ErrUnavailable is returned when the database could not be reached or the
// call timed out. The operation may be retried.
var ErrUnavailable = errors.New("database unavailable")

// ErrCorrupt is returned when a stored value cannot be decoded. Writing the
// record back would persist the damage, so the operation must not proceed.
var ErrCorrupt = errors.New("stored record is corrupt")

// translate maps driver errors onto the package sentinels so callers never
// need to import lib/pq.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "23505":
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}
