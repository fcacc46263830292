package view

// DiffResult lists what each side must send to converge. ToUpload holds
// local items the remote lacks or holds at a lower version; ToDownload the
// mirror image. Both slices are ordered by store then id.
type DiffResult struct {
	ToUpload   []Item
	ToDownload []Item
}

// Diff compares two views key by key. Equal versions mean no action; the
// higher version wins regardless of deletion state, which is what makes
// last-writer-wins hold at the record level. O(|local| + |remote|) before
// the stable output sort.
func Diff(local, remote *View) *DiffResult {
	result := &DiffResult{}

	for k, l := range local.items {
		r, ok := remote.items[k]
		if !ok {
			result.ToUpload = append(result.ToUpload, l)
			continue
		}

		switch {
		case l.Version > r.Version:
			result.ToUpload = append(result.ToUpload, l)
		case l.Version < r.Version:
			result.ToDownload = append(result.ToDownload, r)
		}
	}

	for k, r := range remote.items {
		if _, ok := local.items[k]; !ok {
			result.ToDownload = append(result.ToDownload, r)
		}
	}

	sortItems(result.ToUpload)
	sortItems(result.ToDownload)

	return result
}
