package ui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombolacan/tombola/internal/record"
	"github.com/tombolacan/tombola/internal/store"
)

func TestRenderStats(t *testing.T) {
	out := RenderStats(store.Stats{Total: 7, Pending: 3, Synced: 2, Error: 1, Conflict: 1})

	for _, status := range record.AllStatuses {
		assert.Contains(t, out, string(status))
	}
	assert.Contains(t, out, "total")
	assert.Contains(t, out, "7")
	assert.GreaterOrEqual(t, strings.Count(out, "\n"), len(record.AllStatuses))
}

func TestRenderStatus(t *testing.T) {
	for _, status := range record.AllStatuses {
		assert.Contains(t, RenderStatus(status), string(status))
	}
}
