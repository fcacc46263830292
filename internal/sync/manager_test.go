package sync

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joohw/deltasync-go/internal/coordinator"
	"github.com/joohw/deltasync-go/pkg/storage"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// newSyncPair builds a local and remote coordinator over fresh memory
// adapters plus a manager with short retry timings.
func newSyncPair(t *testing.T) (*Manager, *coordinator.Coordinator, *coordinator.Coordinator, *storage.MemoryAdapter, *storage.MemoryAdapter) {
	t.Helper()

	ctx := context.Background()
	localAdapter := storage.NewMemoryAdapter()
	remoteAdapter := storage.NewMemoryAdapter()

	local, err := coordinator.New(ctx, localAdapter, newTestLogger())
	require.NoError(t, err)

	remote, err := coordinator.New(ctx, remoteAdapter, newTestLogger())
	require.NoError(t, err)

	m := NewManager(local, remote, Options{
		MaxRetries: 1,
		RetryDelay: 10 * time.Millisecond,
		Timeout:    5 * time.Second,
	}, newTestLogger())

	return m, local, remote, localAdapter, remoteAdapter
}

func rec(id string, fields ...any) storage.Record {
	r := storage.Record{storage.FieldID: id}
	for i := 0; i+1 < len(fields); i += 2 {
		r[fields[i].(string)] = fields[i+1]
	}

	return r
}

// requireConverged asserts both coordinators report identical versions and
// payloads for every key either side knows.
func requireConverged(t *testing.T, local, remote *coordinator.Coordinator) {
	t.Helper()

	ctx := context.Background()

	assert.Equal(t, local.View().All(), remote.View().All())

	for _, store := range local.View().Stores() {
		for _, item := range local.View().ByStore(store, 0, 0) {
			l, err := local.ReadBulk(ctx, store, []string{item.ID})
			require.NoError(t, err)
			r, err := remote.ReadBulk(ctx, store, []string{item.ID})
			require.NoError(t, err)
			assert.Equal(t, l, r, "%s/%s", store, item.ID)
		}
	}
}

func TestSyncConvergesBothSides(t *testing.T) {
	m, local, remote, _, _ := newSyncPair(t)
	ctx := context.Background()

	_, err := local.PutBulk(ctx, "notes", []storage.Record{rec("l1", "text", "local"), rec("both", "v", "A")})
	require.NoError(t, err)

	_, err = remote.PutBulk(ctx, "notes", []storage.Record{rec("r1", "text", "remote")})
	require.NoError(t, err)

	report, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Pushed)
	assert.Equal(t, 1, report.Pulled)

	requireConverged(t, local, remote)

	// A second sync finds nothing to move.
	report, err = m.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Pushed)
	assert.Zero(t, report.Pulled)
}

func TestDeleteRoundTrip(t *testing.T) {
	m, local, remote, _, _ := newSyncPair(t)
	ctx := context.Background()

	_, err := local.PutBulk(ctx, "notes", []storage.Record{rec("x", "text", "hi")})
	require.NoError(t, err)

	_, err = m.Sync(ctx)
	require.NoError(t, err)

	items, err := remote.ReadBulk(ctx, "notes", []string{"x"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, local.DeleteBulk(ctx, "notes", []string{"x"}))

	_, err = m.Sync(ctx)
	require.NoError(t, err)

	// The record is gone remotely, the tombstone is known remotely.
	remoteItems, _, err := remote.Query(ctx, "notes", coordinator.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, remoteItems)

	stone, ok := remote.View().Get("notes", "x")
	require.True(t, ok)
	assert.True(t, stone.Deleted)

	requireConverged(t, local, remote)
}

func TestLastWriterWins(t *testing.T) {
	m, local, remote, _, _ := newSyncPair(t)
	ctx := context.Background()

	_, err := local.PutBulk(ctx, "notes", []storage.Record{rec("c", "v", "A")})
	require.NoError(t, err)

	// Remote writes later, so its version is higher.
	time.Sleep(2 * time.Millisecond)

	_, err = remote.PutBulk(ctx, "notes", []storage.Record{rec("c", "v", "B")})
	require.NoError(t, err)

	_, err = m.Sync(ctx)
	require.NoError(t, err)

	localItems, err := local.ReadBulk(ctx, "notes", []string{"c"})
	require.NoError(t, err)
	require.Len(t, localItems, 1)
	assert.Equal(t, "B", localItems[0]["v"])

	remoteItems, err := remote.ReadBulk(ctx, "notes", []string{"c"})
	require.NoError(t, err)
	require.Len(t, remoteItems, 1)
	assert.Equal(t, "B", remoteItems[0]["v"])

	requireConverged(t, local, remote)
}

func TestAttachmentTransfer(t *testing.T) {
	m, local, remote, _, _ := newSyncPair(t)
	ctx := context.Background()

	_, err := local.PutBulk(ctx, "notes", []storage.Record{rec("m1")})
	require.NoError(t, err)

	att, _, err := local.AttachFile(ctx, "notes", "m1", storage.FileData{
		Filename: "photo.jpg",
		MimeType: "image/jpeg",
		Content:  []byte("jpegbytes"),
	})
	require.NoError(t, err)

	report, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesPushed)

	files, err := remote.DownloadFiles(ctx, []string{att.ID})
	require.NoError(t, err)
	require.NotNil(t, files[att.ID])
	assert.Equal(t, []byte("jpegbytes"), files[att.ID].Content)

	requireConverged(t, local, remote)
}

func TestAttachmentDeleteTransfer(t *testing.T) {
	m, local, remote, _, _ := newSyncPair(t)
	ctx := context.Background()

	_, err := local.PutBulk(ctx, "notes", []storage.Record{rec("m1")})
	require.NoError(t, err)

	att, _, err := local.AttachFile(ctx, "notes", "m1", storage.FileData{Content: []byte("x")})
	require.NoError(t, err)

	_, err = m.Sync(ctx)
	require.NoError(t, err)

	_, err = local.DetachFile(ctx, "notes", "m1", att.ID)
	require.NoError(t, err)

	_, err = m.Sync(ctx)
	require.NoError(t, err)

	files, err := remote.DownloadFiles(ctx, []string{att.ID})
	require.NoError(t, err)
	assert.Nil(t, files[att.ID], "the blob deletion propagates")

	requireConverged(t, local, remote)
}

func TestMissingAttachmentFlaggedOnPush(t *testing.T) {
	m, local, remote, localAdapter, remoteAdapter := newSyncPair(t)
	ctx := context.Background()

	_, err := local.PutBulk(ctx, "notes", []storage.Record{rec("m1")})
	require.NoError(t, err)

	att, _, err := local.AttachFile(ctx, "notes", "m1", storage.FileData{Content: []byte("x")})
	require.NoError(t, err)

	// Corrupt local blob storage behind the coordinator's back.
	_, err = localAdapter.DeleteFiles(ctx, []string{att.ID})
	require.NoError(t, err)

	_, err = m.Push(ctx)
	require.NoError(t, err)

	// The record pushed, annotated; the blob did not.
	items, err := remote.ReadBulk(ctx, "notes", []string{"m1"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	atts, err := items[0].Attachments()
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Positive(t, atts[0].MissingAt)

	files, err := remoteAdapter.ReadFiles(ctx, []string{att.ID})
	require.NoError(t, err)
	assert.Nil(t, files[att.ID])
}

func TestConcurrentSyncSuppressed(t *testing.T) {
	m, local, _, _, _ := newSyncPair(t)
	ctx := context.Background()

	_, err := local.PutBulk(ctx, "notes", []storage.Record{rec("a")})
	require.NoError(t, err)

	// Hold the flag the way an in-flight round would.
	require.True(t, m.syncing.CompareAndSwap(false, true))

	report, err := m.Push(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	report, err = m.Pull(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	report, err = m.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	m.syncing.Store(false)

	report, err = m.Push(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped, "the flag clears once the first round finishes")
}

func TestPushCallbacks(t *testing.T) {
	m, local, _, _, _ := newSyncPair(t)
	ctx := context.Background()

	var pushed []*storage.DataChangeSet

	m.OnPushed = func(set *storage.DataChangeSet) { pushed = append(pushed, set) }

	_, err := local.PutBulk(ctx, "notes", []storage.Record{rec("a"), rec("b")})
	require.NoError(t, err)

	_, err = m.Push(ctx)
	require.NoError(t, err)

	require.Len(t, pushed, 1)
	assert.Equal(t, 2, pushed[0].Size())
}

func TestBatchedPush(t *testing.T) {
	m, local, remote, _, _ := newSyncPair(t)
	m.opts.BatchSize = 10
	ctx := context.Background()

	var all []storage.Record
	for i := 0; i < 35; i++ {
		all = append(all, rec(string(rune('a'+i%26))+string(rune('0'+i/26))))
	}

	_, err := local.PutBulk(ctx, "notes", all)
	require.NoError(t, err)

	var rounds int

	m.OnPushed = func(*storage.DataChangeSet) { rounds++ }

	report, err := m.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 35, report.Pushed)
	assert.Equal(t, 4, rounds)

	requireConverged(t, local, remote)
}

func TestPullIsSilentLocally(t *testing.T) {
	m, local, remote, _, _ := newSyncPair(t)
	ctx := context.Background()

	_, err := remote.PutBulk(ctx, "notes", []storage.Record{rec("r1")})
	require.NoError(t, err)

	var observed int

	local.OnDataChanged(func([]storage.DataChange) { observed++ })

	var pulled int

	m.OnPulled = func(set *storage.DataChangeSet) { pulled += set.Size() }

	_, err = m.Pull(ctx)
	require.NoError(t, err)

	assert.Zero(t, observed, "pulled changes must not echo as local data changes")
	assert.Equal(t, 1, pulled)
}
