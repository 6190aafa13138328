//go:build cloudintegration

package s3store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gospawner/pkg/spawner"
	"github.com/3leaps/gospawner/pkg/statestore"
	"github.com/3leaps/gospawner/pkg/statestore/storetest"
	"github.com/3leaps/gospawner/test/cloudtest"
)

func TestStore_Moto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)

	storetest.Run(t, func(t *testing.T) statestore.Store {
		bucket := cloudtest.CreateBucket(t, context.Background())
		return NewWithClient(cloudtest.ClientT(t), bucket, "sessions/")
	})
}

func TestNew_Moto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	s, err := New(ctx, Config{
		Bucket:          bucket,
		Prefix:          "gs",
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, &statestore.Record{User: "alice", State: spawner.StateRunning}))
	cloudtest.PutObject(t, ctx, bucket, "gs/broken.json", []byte("{"))
	cloudtest.PutObject(t, ctx, bucket, "gs/nested/bob.json", []byte("{}"))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "alice", recs[0].User)
}

func TestLoad_MissingBucket(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)

	s := NewWithClient(cloudtest.ClientT(t), "does-not-exist-gospawner", "")
	_, err := s.Load(context.Background(), "alice")
	assert.Error(t, err)
}
