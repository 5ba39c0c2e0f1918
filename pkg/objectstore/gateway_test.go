package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quickform/orchestrator/pkg/config"
)

func newTestGateway(t *testing.T, kmsARN string) (*Gateway, *fakeS3, *fakePresign) {
	t.Helper()
	cfg := config.ObjectStoreConfig{Bucket: "quickform-assets"}
	cfg.SetDefaults()
	s3Client := newFakeS3()
	presign := newFakePresign()
	return New(cfg, s3Client, presign, kmsARN), s3Client, presign
}

func TestRequireTenantPrefixAcceptsAndRejects(t *testing.T) {
	require.NoError(t, RequireTenantPrefix("screenshots/tenant-1/proj-1/sess-1/step-3.png", "screenshots", "tenant-1"))

	err := RequireTenantPrefix("screenshots/tenant-2/proj-1/sess-1/step-3.png", "screenshots", "tenant-1")
	require.ErrorIs(t, err, ErrKeyOutsidePrefix)
}

func TestPresignPutCarriesKMSHeadersWhenByokConfigured(t *testing.T) {
	gw, _, presign := newTestGateway(t, "arn:aws:kms:eu-west-1:123:key/byok")
	ctx := context.Background()

	url, err := gw.PresignPut(ctx, "screenshots/tenant-1/proj-1/sess-1/step-3.png", "image/png", 15*time.Minute)
	require.NoError(t, err)
	require.Contains(t, url, "step-3.png")
	require.Equal(t, "arn:aws:kms:eu-west-1:123:key/byok", presign.sseSeen["screenshots/tenant-1/proj-1/sess-1/step-3.png"])
}

func TestPresignPutOmitsKMSHeadersWithoutByok(t *testing.T) {
	gw, _, presign := newTestGateway(t, "")
	ctx := context.Background()

	_, err := gw.PresignPut(ctx, "screenshots/tenant-1/proj-1/sess-1/step-1.png", "image/png", 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, "", presign.sseSeen["screenshots/tenant-1/proj-1/sess-1/step-1.png"])
}

func TestPresignPutBatchReturnsOneURLPerKey(t *testing.T) {
	gw, _, _ := newTestGateway(t, "")
	keys := []string{
		"screenshots/tenant-1/proj-1/sess-1/a.png",
		"screenshots/tenant-1/proj-1/sess-1/b.png",
		"screenshots/tenant-1/proj-1/sess-1/c.png",
	}

	urls, err := gw.PresignPutBatch(context.Background(), keys, "image/png", 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, urls, len(keys))
	for _, k := range keys {
		require.Contains(t, urls[k], k)
	}
}

// TestPresignPutThenFetchRoundTrips is the spec.md §8 round-trip law:
// an object uploaded via a presigned PUT URL is retrievable through the
// gateway within the TTL. The fake PUT is simulated directly against
// the fake S3 client (no real HTTP PUT happens against a presigned URL
// in-process), then Fetch reads it back.
func TestPresignPutThenFetchRoundTrips(t *testing.T) {
	gw, s3Client, _ := newTestGateway(t, "")
	key := "logbundles/tenant-1/proj-1/sess-1/batch.json"
	s3Client.objects[key] = []byte(`{"entries":[]}`)

	body, err := gw.Fetch(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, `{"entries":[]}`, string(body))
}

func TestDeletePrefixRemovesOnlyMatchingKeys(t *testing.T) {
	gw, s3Client, _ := newTestGateway(t, "")
	s3Client.objects["screenshots/tenant-1/proj-1/sess-1/a.png"] = []byte("a")
	s3Client.objects["screenshots/tenant-1/proj-1/sess-1/b.png"] = []byte("b")
	s3Client.objects["screenshots/tenant-2/proj-1/sess-9/a.png"] = []byte("c")

	count, err := gw.DeletePrefix(context.Background(), "screenshots/tenant-1/")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Len(t, s3Client.objects, 1)
	_, stillThere := s3Client.objects["screenshots/tenant-2/proj-1/sess-9/a.png"]
	require.True(t, stillThere)
}
