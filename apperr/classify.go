package apperr

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Classification is the outcome of Classify.
type Classification struct {
	Category  Category
	Retryable bool
	// Message is the generic label for Category.
	Message string
	// Detail is the categorized error's own message with its package prefix
	// removed. Empty for uncategorized errors.
	Detail string
}

var jwtErrors = []error{
	jwt.ErrTokenMalformed,
	jwt.ErrTokenUnverifiable,
	jwt.ErrTokenSignatureInvalid,
	jwt.ErrTokenExpired,
	jwt.ErrTokenNotValidYet,
	jwt.ErrTokenInvalidClaims,
	jwt.ErrTokenUsedBeforeIssued,
}

// Classify buckets err. The first matching rule wins: categorized errors,
// transport failures, PostgreSQL error classes, token errors, cancellation,
// then server.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		c := classification(appErr.Category, appErr.Transient || appErr.Category == Network)
		c.Detail = stripPrefix(appErr.Msg)
		return c
	}

	if isTransport(err) {
		return classification(Network, true)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPG(pgErr)
	}

	for _, target := range jwtErrors {
		if errors.Is(err, target) {
			return classification(Auth, false)
		}
	}

	// A bare cancellation is the caller giving up, not a failed transport.
	if errors.Is(err, context.Canceled) {
		return classification(Network, false)
	}
	return classification(Server, true)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return err != nil && Classify(err).Retryable
}

func classification(c Category, retryable bool) Classification {
	return Classification{Category: c, Retryable: retryable, Message: Label(c)}
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func classifyPG(pgErr *pgconn.PgError) Classification {
	code := pgErr.Code
	switch {
	case strings.HasPrefix(code, "08"):
		return classification(Network, true)
	case code == "40001" || code == "40P01":
		return classification(Conflict, true)
	case code == "23505":
		return classification(Conflict, false)
	case code == "23503" || code == "23514" || strings.HasPrefix(code, "22"):
		return classification(Validation, false)
	case code == "42501":
		return classification(Permission, false)
	default:
		return classification(Server, false)
	}
}

func stripPrefix(msg string) string {
	if i := strings.Index(msg, ": "); i > 0 && !strings.Contains(msg[:i], " ") {
		return msg[i+2:]
	}
	return msg
}
