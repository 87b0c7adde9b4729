package store

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestGCExpiredQuery_FiltersOnRevertExpiresAt pins the sweep's WHERE clause
// to spec.md §4.10's literal SQL: the revert window (24h), not the shorter
// approval poll window (2h), is what determines when a pending change is
// force-expired.
func TestGCExpiredQuery_FiltersOnRevertExpiresAt(t *testing.T) {
	assert.Contains(t, gcExpiredQuery, "revert_expires_at < NOW()")
	assert.False(t, regexp.MustCompile(`(^|[^_])expires_at < NOW\(\)`).MatchString(gcExpiredQuery),
		"must not filter on the bare 2h expires_at column")
}
