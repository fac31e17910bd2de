// Package nanoid generates the 21-character URL-safe ids used as the
// primary key convention for every domain aggregate in this service.
package nanoid

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const defaultLength = 21

// New returns a fresh 21-character URL-safe id. Panics only if the
// underlying crypto/rand source is exhausted, which gonanoid itself never
// does under normal operation.
func New() string {
	id, err := gonanoid.New(defaultLength)
	if err != nil {
		// crypto/rand failure is unrecoverable for an id generator.
		panic("nanoid: " + err.Error())
	}
	return id
}

// MustGenerate returns n ids in one call, for batch-insert call sites.
func MustGenerate(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = New()
	}
	return ids
}
