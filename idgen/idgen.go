// Package idgen provides pluggable ID generation.
//
// Constructors that need identifiers (audit events, scan runs) accept a
// Generator, making the ID strategy a startup-time decision rather than a
// compile-time one.
package idgen

import "github.com/google/uuid"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable and globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Useful for type-scoped identifiers (e.g. "run_", "evt_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the repository-wide default strategy.
var Default = UUIDv7()

// New returns an ID from the Default generator.
func New() string { return Default() }
