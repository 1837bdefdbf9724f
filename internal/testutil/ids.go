package testutil

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/publishonce/internal/article"
)

// namespace scopes NameID so fixture IDs never collide with real UUIDv7s.
var namespace = uuid.MustParse("6f1c2b1e-7a52-4c1d-9b7e-0d3c5a9e1f00")

// NameID returns a stable article ID derived from a fixture name.
// The same name always yields the same ID.
func NameID(name string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(name))
}

// SeqID returns the n-th sequential fixture ID, e.g.
// 00000000-0000-7000-8000-000000000003 for n=3.
func SeqID(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-7000-8000-%012x", n))
}

// SeqIDs returns a generator yielding SeqID(1) .. SeqID(n).
func SeqIDs(n int) *article.FixedGenerator {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = SeqID(i + 1)
	}
	return article.NewFixedGenerator(ids...)
}
