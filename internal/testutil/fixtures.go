// Package testutil provides shared fixtures and helpers for toolforge
// tests: sample tool requirements and in-memory stores wired the way
// the engine expects them.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toolforge/toolforge/internal/model"
	"github.com/toolforge/toolforge/internal/store"
)

// Requirements returns n distinct valid tool requirements.
func Requirements(n int) []model.Requirement {
	reqs := make([]model.Requirement, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, model.Requirement{
			Description: fmt.Sprintf("tool %d", i),
			Input:       "string",
			Output:      "string",
		})
	}
	return reqs
}

// FailingRequirement returns a requirement the mock agent fails on.
func FailingRequirement() model.Requirement {
	return model.Requirement{
		Description: "[fail] tool that cannot be generated",
		Input:       "string",
		Output:      "string",
	}
}

// NewStore creates a SQLite store in the test's temp directory and
// closes it on cleanup.
func NewStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "toolforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}
