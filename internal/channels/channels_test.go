package channels

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/basekick-labs/pvexport/internal/archive"
	"github.com/basekick-labs/pvexport/internal/archive/archivetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogOf(t *testing.T, names ...string) (archive.Catalog, *archivetest.Memory) {
	t.Helper()
	m := archivetest.NewMemory()
	m.Names = names
	cat, err := m.Catalog(context.Background())
	require.NoError(t, err)
	return cat, m
}

func TestList_EmptyPatternReturnsAllDistinctSorted(t *testing.T) {
	cat, _ := catalogOf(t, "TEMP:2", "PRESS:1", "TEMP:1", "PRESS:1", "FLOW")

	names, err := List(context.Background(), cat, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"FLOW", "PRESS:1", "TEMP:1", "TEMP:2"}, names)
}

func TestList_Pattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    []string
	}{
		{"prefix", "^TEMP", []string{"TEMP:1", "TEMP:2"}},
		{"unanchored", "MP:", []string{"TEMP:1", "TEMP:2"}},
		{"alternation", "FLOW|PRESS", []string{"FLOW", "PRESS:1"}},
		{"anchored both ends", "^TEMP:1$", []string{"TEMP:1"}},
		{"no match", "^NOPE$", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, _ := catalogOf(t, "TEMP:2", "PRESS:1", "TEMP:1", "TEMP:1", "FLOW")
			names, err := List(context.Background(), cat, tt.pattern)
			require.NoError(t, err)
			require.NotNil(t, names)
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestList_OutputIsStrictlyAscending(t *testing.T) {
	in := []string{"b", "a", "ab", "A", "b", "", "aa", "a:b", "a", "Z9", "z"}
	cat, _ := catalogOf(t, in...)

	names, err := List(context.Background(), cat, ".*")
	require.NoError(t, err)
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
	assert.True(t, sort.StringsAreSorted(names))
	assert.Len(t, names, 9)
}

func TestList_InvalidPattern(t *testing.T) {
	cat, _ := catalogOf(t, "TEMP:1")
	names, err := List(context.Background(), cat, "TEMP[")
	require.Error(t, err)
	assert.Nil(t, names)
	assert.True(t, errors.Is(err, archive.ErrInvalidPattern))
}

func TestList_CatalogFailure(t *testing.T) {
	cat, m := catalogOf(t, "A", "B", "C")
	m.FailCatalog = 2

	names, err := List(context.Background(), cat, "")
	require.Error(t, err)
	assert.Nil(t, names, "no partial list")
	assert.True(t, errors.Is(err, archive.ErrCatalogUnavailable))
}

func TestList_Canceled(t *testing.T) {
	cat, _ := catalogOf(t, "A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	names, err := List(ctx, cat, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, names)
}
