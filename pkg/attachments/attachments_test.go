package attachments

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2)
	require.NoError(t, c.Put(ctx, "a", "A"))
	require.NoError(t, c.Put(ctx, "b", "B"))

	// touch a so that b becomes the oldest
	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", v)

	require.NoError(t, c.Put(ctx, "c", "C"))
	assert.Equal(t, 2, c.Len())

	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestDiskCache_RoundTripAndEviction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := NewDiskCache(WithDirectory(dir), WithMaxEntries(1))
	require.NoError(t, err)
	assert.Equal(t, dir, c.Directory())

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "img-1", "data:image/png;base64,AAAA"))
	v, ok, err := c.Get(ctx, "img-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "data:image/png;base64,AAAA", v)

	require.NoError(t, c.Put(ctx, "img-2", "data:image/png;base64,BBBB"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, c.Clear())
	_, ok, err = c.Get(ctx, "img-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskCache_CorruptedEntryIsMissing(t *testing.T) {
	ctx := context.Background()
	c, err := NewDiskCache(WithDirectory(t.TempDir()))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(c.getCacheFilePath("bad"), []byte("{not json"), 0644))
	_, ok, err := c.Get(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskCache_ConcurrentGetAndEviction(t *testing.T) {
	ctx := context.Background()
	c, err := NewDiskCache(WithDirectory(t.TempDir()), WithMaxEntries(2))
	require.NoError(t, err)

	// every Put evicts, every Get touches a file that may be the one evicted
	eg := errgroup.Group{}
	for i := 0; i < 8; i++ {
		ref := fmt.Sprintf("img-%d", i)
		eg.Go(func() error {
			for j := 0; j < 50; j++ {
				if err := c.Put(ctx, ref, "payload"); err != nil {
					return err
				}
				if _, _, err := c.Get(ctx, ref); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	entries, err := os.ReadDir(c.Directory())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 2)
}

func TestChain_PopulatesFrontStores(t *testing.T) {
	ctx := context.Background()
	front := NewMemoryCache(4)
	backing := ResolverFunc(func(ctx context.Context, ref string) (string, bool, error) {
		if ref == "known" {
			return "payload", true, nil
		}
		return "", false, nil
	})
	chain := Chain{front, backing}

	v, ok, err := chain.Get(ctx, "known")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", v)

	v, ok, err = front.Get(ctx, "known")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", v)

	_, ok, err = chain.Get(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChain_ErrorOnlyWhenNothingHits(t *testing.T) {
	ctx := context.Background()
	failing := ResolverFunc(func(ctx context.Context, ref string) (string, bool, error) {
		return "", false, errors.New("boom")
	})
	ok := ResolverFunc(func(ctx context.Context, ref string) (string, bool, error) {
		return "p", true, nil
	})

	v, hit, err := Chain{failing, ok}.Get(ctx, "x")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "p", v)

	_, hit, err = Chain{failing}.Get(ctx, "x")
	require.Error(t, err)
	assert.False(t, hit)
}

func TestFileResolver(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	png := []byte("\x89PNG\r\n\x1a\n0000")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cat.png"), png, 0644))

	r := &FileResolver{BaseDir: dir}
	v, ok, err := r.Get(ctx, "cat.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(v, "data:image/png;base64,"))

	_, ok, err = r.Get(ctx, "dog.png")
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err = r.Get(ctx, "data:image/gif;base64,R0lG")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "data:image/gif;base64,R0lG", v)
}
