// Package compliance holds the behavioral contract every archive backend
// must satisfy.
package compliance

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmflow/engine/internal/archive"
	"github.com/firmflow/engine/internal/domain"
)

// RunArchiveComplianceTest runs a standard set of tests against a Store
// implementation. setup returns a fresh store for each test; the returned
// cleanup is called afterwards.
func RunArchiveComplianceTest(t *testing.T, setup func() (archive.Store, func())) {
	t.Run("PutAndGet", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		key := archive.DefinitionKey(uuid.New().String(), "client-onboarding", 1)
		doc := []byte(`{"code":"client-onboarding","version":1}`)

		require.NoError(t, store.Put(ctx, key, doc))

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, doc, got)
	})

	t.Run("PutIsIdempotentPerKey", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		key := archive.DefinitionKey(uuid.New().String(), "client-onboarding", 1)
		doc := []byte(`{"code":"client-onboarding","version":1}`)

		// A failed archival is retried with the same content; the second
		// write must succeed and leave the same bytes.
		require.NoError(t, store.Put(ctx, key, doc))
		require.NoError(t, store.Put(ctx, key, doc))

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, doc, got)
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		tenant := uuid.New().String()
		v1 := archive.DefinitionKey(tenant, "client-onboarding", 1)
		v2 := archive.DefinitionKey(tenant, "client-onboarding", 2)
		other := archive.DefinitionKey(tenant, "year-end-close", 1)

		require.NoError(t, store.Put(ctx, v1, []byte(`{"version":1}`)))
		require.NoError(t, store.Put(ctx, v2, []byte(`{"version":2}`)))
		require.NoError(t, store.Put(ctx, other, []byte(`{"version":1}`)))

		keys, err := store.List(ctx, archive.DefinitionPrefix(tenant, "client-onboarding"))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{v1, v2}, keys)

		all, err := store.List(ctx, tenant+"/")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("GetMissingKey", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		_, err := store.Get(ctx, archive.DefinitionKey(uuid.New().String(), "nope", 1))
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
