package localfs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beammedia/control-plane/internal/objectstore"
)

func TestStore_PutCopyPresignDelete(t *testing.T) {
	s, err := New(t.TempDir(), time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	key := objectstore.OutputKey("acct-1", "video_motion", "task-1", "clip.mp4")
	_, err = s.Put(ctx, key, strings.NewReader("fake video bytes"))
	require.NoError(t, err)

	dstKey := objectstore.InputKey("acct-1", "video_lipsync", "task-2", "clip.mp4")
	_, err = s.Copy(ctx, key, dstKey)
	require.NoError(t, err)

	u, err := s.Presign(ctx, dstKey)
	require.NoError(t, err)
	assert.Contains(t, u, "expires=")

	require.NoError(t, s.Delete(ctx, dstKey))
	_, err = s.Presign(ctx, dstKey)
	assert.Error(t, err)
}

func TestStore_DeleteMissingKeyIsNotError(t *testing.T) {
	s, err := New(t.TempDir(), time.Minute)
	require.NoError(t, err)

	assert.NoError(t, s.Delete(context.Background(), "temp/acct/upload/none.bin"))
}
