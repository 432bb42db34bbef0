package fanout

import (
	"errors"
	"strings"

	"github.com/memmcp/engram/pkg/types"
)

// errPoisonPayload marks a row whose stored payload no longer decodes.
// Retrying cannot fix it, so the worker fails the row terminally.
var errPoisonPayload = errors.New("undecodable outbox payload")

// poisonErr wraps a decode failure so settle can tell it apart from a
// delivery failure.
func poisonErr(err error) error {
	return errors.Join(errPoisonPayload, err)
}

func isPoison(err error) bool {
	return errors.Is(err, errPoisonPayload)
}

// archivalPermanentShape reports whether an archival delivery error can
// never succeed on retry: a permanent upstream status (400/404/422) or
// the service rejecting the request shape.
func archivalPermanentShape(err error) bool {
	if err == nil {
		return false
	}
	if types.IsPermanent(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "invalid argument")
}

// sqlCorruptionMarkers are the analytic-backend failure strings that
// mean its backing file is gone, not that the write was bad.
var sqlCorruptionMarkers = []string{
	"malformed",
	"file is not a database",
}

func sqlCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range sqlCorruptionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
