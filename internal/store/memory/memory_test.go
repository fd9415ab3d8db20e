package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/oikake/internal/store"
	"github.com/ashita-ai/oikake/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}

func TestScanPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	st := New()

	for _, id := range []string{"a", "b", "c"} {
		_, err := st.CreateSpan(ctx, storetest.NewSpan("t1", id, nil))
		require.NoError(t, err)
	}

	all, err := st.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].SpanID)
	assert.Equal(t, "b", all[1].SpanID)
	assert.Equal(t, "c", all[2].SpanID)
}

func TestCallerCannotMutateStoredSpan(t *testing.T) {
	ctx := context.Background()
	st := New()

	span := storetest.NewSpan("t1", "s1", nil)
	span.Attributes = map[string]any{"k": "v"}
	created, err := st.CreateSpan(ctx, span)
	require.NoError(t, err)

	// Mutating either the input or the returned copy must not leak
	// into the store.
	span.Attributes["k"] = "poisoned"
	created.Attributes["k"] = "also-poisoned"

	got, err := st.GetSpan(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Attributes["k"])
}
