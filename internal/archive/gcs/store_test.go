package gcs

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"

	"github.com/firmflow/engine/internal/archive"
	"github.com/firmflow/engine/internal/archive/compliance"
)

func TestGCSStore_Compliance(t *testing.T) {
	bucket := os.Getenv("ENGINE_TEST_GCS_BUCKET")
	if bucket == "" {
		t.Skip("ENGINE_TEST_GCS_BUCKET not set, skipping GCS tests")
	}

	compliance.RunArchiveComplianceTest(t, func() (archive.Store, func()) {
		// Assumes Application Default Credentials with access to the bucket.
		ctx := context.Background()

		store, err := NewStore(ctx, bucket)
		require.NoError(t, err)

		cleanup := func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			it := store.client.Bucket(bucket).Objects(cleanupCtx, nil)
			for {
				attrs, err := it.Next()
				if err == iterator.Done {
					break
				}
				if err != nil {
					t.Logf("warning: failed to list objects during cleanup: %v", err)
					break
				}
				if !strings.HasSuffix(attrs.Name, ".json") {
					continue
				}
				if err := store.client.Bucket(bucket).Object(attrs.Name).Delete(cleanupCtx); err != nil {
					t.Logf("warning: failed to delete object %s: %v", attrs.Name, err)
				}
			}
			_ = store.Close()
		}

		return store, cleanup
	})
}
