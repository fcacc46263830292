package view

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffCases(t *testing.T) {
	local := New()
	remote := New()

	// Only local → upload.
	local.Upsert(Item{Store: "notes", ID: "only-local", Version: 1})
	// Only remote → download.
	remote.Upsert(Item{Store: "notes", ID: "only-remote", Version: 2})
	// Local newer → upload.
	local.Upsert(Item{Store: "notes", ID: "local-newer", Version: 10})
	remote.Upsert(Item{Store: "notes", ID: "local-newer", Version: 5})
	// Remote newer → download.
	local.Upsert(Item{Store: "notes", ID: "remote-newer", Version: 3})
	remote.Upsert(Item{Store: "notes", ID: "remote-newer", Version: 8})
	// Equal → nothing.
	local.Upsert(Item{Store: "notes", ID: "equal", Version: 4})
	remote.Upsert(Item{Store: "notes", ID: "equal", Version: 4})
	// Tombstone newer than live record → upload.
	local.Upsert(Item{Store: "notes", ID: "gone", Version: 9, Deleted: true})
	remote.Upsert(Item{Store: "notes", ID: "gone", Version: 6})

	d := Diff(local, remote)

	uploadIDs := ids(d.ToUpload)
	downloadIDs := ids(d.ToDownload)

	assert.Equal(t, []string{"gone", "local-newer", "only-local"}, uploadIDs)
	assert.Equal(t, []string{"only-remote", "remote-newer"}, downloadIDs)

	// The tombstone travels as a tombstone.
	for _, item := range d.ToUpload {
		if item.ID == "gone" {
			assert.True(t, item.Deleted)
		}
	}
}

func TestDiffSymmetry(t *testing.T) {
	a := New()
	b := New()

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("id-%02d", i)

		if i%3 != 0 {
			a.Upsert(Item{Store: "s", ID: id, Version: int64(i % 7)})
		}

		if i%4 != 0 {
			b.Upsert(Item{Store: "s", ID: id, Version: int64(i % 5)})
		}
	}

	ab := Diff(a, b)
	ba := Diff(b, a)

	assert.Equal(t, ab.ToUpload, ba.ToDownload)
	assert.Equal(t, ab.ToDownload, ba.ToUpload)
}

func TestDiffStableOrdering(t *testing.T) {
	local := New()
	remote := New()

	local.Upsert(Item{Store: "b", ID: "2", Version: 1})
	local.Upsert(Item{Store: "a", ID: "9", Version: 1})
	local.Upsert(Item{Store: "a", ID: "1", Version: 1})

	d := Diff(local, remote)
	require.Len(t, d.ToUpload, 3)
	assert.Equal(t, Item{Store: "a", ID: "1", Version: 1}, d.ToUpload[0])
	assert.Equal(t, Item{Store: "a", ID: "9", Version: 1}, d.ToUpload[1])
	assert.Equal(t, Item{Store: "b", ID: "2", Version: 1}, d.ToUpload[2])
}

func TestDiffEmptyViews(t *testing.T) {
	d := Diff(New(), New())
	assert.Empty(t, d.ToUpload)
	assert.Empty(t, d.ToDownload)
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}

	return out
}
