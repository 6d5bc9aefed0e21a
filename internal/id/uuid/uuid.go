// Package uuid names per-crawl scratch directories.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator issues prefixed UUID v7 names. Being time ordered, names sort by
// creation within one process.
type Generator struct {
	prefix string
}

// New returns a Generator whose names start with prefix.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID implements crawler.IDGenerator.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
