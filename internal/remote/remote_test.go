package remote

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joohw/deltasync-go/pkg/storage"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// newTestPair starts a server over a fresh memory adapter and dials it.
func newTestPair(t *testing.T) (*Client, *storage.MemoryAdapter) {
	t.Helper()

	backing := storage.NewMemoryAdapter()
	srv := httptest.NewServer(NewServer(backing, newTestLogger()))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, err := Dial(context.Background(), url, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, backing
}

func TestRecordOpsOverWebsocket(t *testing.T) {
	client, _ := newTestPair(t)
	ctx := context.Background()

	saved, err := client.PutBulk(ctx, "notes", []storage.Record{
		{storage.FieldID: "a", "text": "alpha"},
		{storage.FieldID: "b", "text": "beta"},
	})
	require.NoError(t, err)
	assert.Len(t, saved, 2)

	items, err := client.ReadBulk(ctx, "notes", []string{"a", "missing"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "alpha", items[0]["text"])

	page, hasMore, err := client.ReadStore(ctx, "notes", 1, 0)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.True(t, hasMore)

	stores, err := client.ListStores(ctx)
	require.NoError(t, err)
	assert.Contains(t, stores, "notes")

	require.NoError(t, client.DeleteBulk(ctx, "notes", []string{"a"}))

	existed, err := client.ClearStore(ctx, "notes")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = client.ClearStore(ctx, "notes")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestFileOpsOverWebsocket(t *testing.T) {
	client, backing := newTestPair(t)
	ctx := context.Background()

	atts, err := client.SaveFiles(ctx, []storage.FileData{{
		ID:       "f1",
		Filename: "blob.bin",
		Content:  []byte{0x00, 0x01, 0xff},
	}})
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, int64(3), atts[0].Size)

	// The blob landed in the backing adapter byte for byte.
	direct, err := backing.ReadFiles(ctx, []string{"f1"})
	require.NoError(t, err)
	require.NotNil(t, direct["f1"])
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, direct["f1"].Content)

	files, err := client.ReadFiles(ctx, []string{"f1", "ghost"})
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.NotNil(t, files["f1"])
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, files["f1"].Content)
	assert.Nil(t, files["ghost"], "missing blobs come back as explicit nils")

	result, err := client.DeleteFiles(ctx, []string{"f1"})
	require.NoError(t, err)
	assert.Contains(t, result.Deleted, "f1")
}

func TestServerReportsAdapterErrors(t *testing.T) {
	client, _ := newTestPair(t)

	// An unknown op never leaves the client, so provoke a server-side error
	// with a raw frame instead.
	resp, err := client.call(context.Background(), request{Op: "bogus"})
	assert.Error(t, err)
	assert.Nil(t, resp)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/", newTestLogger())
	assert.Error(t, err)
}
