package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceIDs(t *testing.T) {
	gen := NewSequenceIDs("q")

	assert.Equal(t, "q-0001", gen.Generate())
	assert.Equal(t, "q-0002", gen.Generate())

	gen.Reset()
	assert.Equal(t, "q-0001", gen.Generate())
}

func TestSequenceIDs_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "id-0001", NewSequenceIDs("").Generate())
}
