// Package uuid issues run and record identifiers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// recordSpace namespaces name-based record ids.
var recordSpace = uuid.MustParse("6f1c8c2e-52a4-4d0b-9a51-0c5b3f7d2e91")

// Generator creates UUID v7 ids for runs and UUID v5 ids for records.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a time-ordered UUID v7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// RecordID derives a stable id from the parts, so re-extracting the same
// content yields the same record id.
func (Generator) RecordID(parts ...string) string {
	return uuid.NewSHA1(recordSpace, []byte(strings.Join(parts, "\x1f"))).String()
}
