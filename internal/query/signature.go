package query

import (
	"strings"
	"time"

	"github.com/tidemark-io/tidemark/internal/ledger"
)

// Query signatures are the cache keys for resolved results. Two queries
// that must return the same answer produce byte-identical signatures:
// identifiers are NFC-normalized, instants are UTC RFC3339Nano, and
// valid-time points are calendar dates. Fields are joined with a unit
// separator so no identifier can collide with the frame around it.

const sigSep = "\x1f"

func currentStateSignature(entityID, fieldName string) string {
	return joinSignature("current_state", entityID, fieldName)
}

func asOfSignature(entityID, fieldName string, cutoff, validPoint time.Time) string {
	return joinSignature("as_of", entityID, fieldName,
		cutoff.UTC().Format(time.RFC3339Nano),
		ledger.FormatDate(validPoint))
}

func effectiveAtSignature(entityID, fieldName string, validPoint time.Time) string {
	return joinSignature("effective_at", entityID, fieldName,
		ledger.FormatDate(validPoint))
}

func joinSignature(op, entityID, fieldName string, rest ...string) string {
	parts := append([]string{
		op,
		ledger.CanonicalString(entityID),
		ledger.CanonicalString(fieldName),
	}, rest...)
	return strings.Join(parts, sigSep)
}
