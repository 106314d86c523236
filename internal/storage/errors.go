package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrUnavailable is returned when the database cannot be reached.
	ErrUnavailable = errors.New("storage: unavailable")

	// ErrIntegrity is returned when a write violates a foreign key or check
	// constraint, e.g. a summary whose step has not been written yet.
	ErrIntegrity = errors.New("storage: integrity violation")

	// ErrInvalidData is returned when Postgres rejects a value itself, e.g.
	// a count that overflows its column. Retrying cannot fix it.
	ErrInvalidData = errors.New("storage: invalid data")
)

// IsIntegrityViolation reports whether err is a Postgres integrity
// constraint violation (SQLSTATE class 23).
func IsIntegrityViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "23502", // not_null_violation
		"23503", // foreign_key_violation
		"23514": // check_violation
		return true
	}
	return false
}

// isDataException reports SQLSTATE class 22, such as 22003
// numeric_value_out_of_range.
func isDataException(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "22"
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08": // connection_exception
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03", // shutdown
			pgErr.Code == "53300": // too_many_connections
			return true
		}
		return false
	}
	if pgconn.Timeout(err) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify tags err with ErrIntegrity, ErrInvalidData or ErrUnavailable
// when it matches.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case IsIntegrityViolation(err):
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	case isDataException(err):
		return fmt.Errorf("%w: %w", ErrInvalidData, err)
	case isUnavailable(err):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
