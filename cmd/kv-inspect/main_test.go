package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"attest-backend/internal/config"
)

func TestResolvePrefix(t *testing.T) {
	p := config.Default().Storage.Prefixes
	assert.Equal(t, "anchordead.", resolvePrefix(p, "dead"))
	assert.Equal(t, "anchorq.", resolvePrefix(p, "queue"))
	assert.Equal(t, "receipt.", resolvePrefix(p, "receipt"))
	assert.Equal(t, "custom.", resolvePrefix(p, "custom."))
}
