package storage

import (
	"encoding/json"
	"fmt"
)

// Record field names the coordinator interprets. Everything else in a record
// is opaque application payload.
const (
	FieldID          = "id"
	FieldVersion     = "_version"
	FieldAttachments = "attachments"
)

// Record is an application-level value keyed by a string id. Records are
// schemaless; the coordinator stamps FieldVersion into the stored payload so
// the view can be rebuilt without a snapshot.
type Record map[string]any

// ID returns the record's primary key, or "" when absent or not a string.
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// Version returns the stamped version, or 0 when the record never passed
// through a coordinator. JSON decoding turns integers into float64, so both
// shapes are accepted.
func (r Record) Version() int64 {
	switch v := r[FieldVersion].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

// SetVersion stamps the record's version field.
func (r Record) SetVersion(v int64) {
	r[FieldVersion] = v
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}

	return out
}

// Attachments decodes the record's attachment list. The list survives JSON
// round-trips through adapters as []any of maps, so decoding goes through
// json rather than type assertions.
func (r Record) Attachments() ([]Attachment, error) {
	raw, ok := r[FieldAttachments]
	if !ok || raw == nil {
		return nil, nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: encoding attachment list: %w", err)
	}

	var atts []Attachment
	if err := json.Unmarshal(b, &atts); err != nil {
		return nil, fmt.Errorf("storage: decoding attachment list: %w", err)
	}

	return atts, nil
}

// SetAttachments replaces the record's attachment list. An empty list clears
// the field.
func (r Record) SetAttachments(atts []Attachment) {
	if len(atts) == 0 {
		delete(r, FieldAttachments)
		return
	}

	r[FieldAttachments] = atts
}

// Attachment describes a binary blob referenced by one or more records.
// MissingAt is nonzero when the blob could not be located during a sync
// round; the metadata still propagates so peers learn the blob is gone.
type Attachment struct {
	ID        string            `json:"id"`
	Filename  string            `json:"filename"`
	MimeType  string            `json:"mimeType"`
	Size      int64             `json:"size"`
	CreatedAt int64             `json:"createdAt"`
	UpdatedAt int64             `json:"updatedAt"`
	MissingAt int64             `json:"missingAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// FileData is a blob on its way into or out of an adapter. CreatedAt and
// UpdatedAt are honored when nonzero so transfers between adapters preserve
// attachment versions; adapters stamp the current time otherwise.
type FileData struct {
	ID        string            `json:"id"`
	Filename  string            `json:"filename"`
	MimeType  string            `json:"mimeType"`
	Content   []byte            `json:"content"`
	CreatedAt int64             `json:"createdAt,omitempty"`
	UpdatedAt int64             `json:"updatedAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ChangeOp is the kind of mutation a DataChange describes.
type ChangeOp string

// Change operations as stored in the journal's op column.
const (
	OpPut    ChangeOp = "put"
	OpDelete ChangeOp = "delete"
)

// DataChange is one append-only journal entry: a single put or delete of a
// record at a specific version. Data holds the post-state snapshot for puts
// and is nil for deletes.
type DataChange struct {
	ID       string   `json:"id"`
	Store    string   `json:"store"`
	RecordID string   `json:"recordId"`
	Version  int64    `json:"version"`
	Op       ChangeOp `json:"op"`
	Data     Record   `json:"data,omitempty"`
}

// ChangeID builds the deterministic journal id for a mutation. Re-applying
// the same change set therefore rewrites the same journal rows instead of
// accumulating duplicates.
func ChangeID(store, id string, version int64) string {
	return fmt.Sprintf("%s:%s:%d", store, id, version)
}

// ChangeItem is one entry of a change set on the wire: a record payload plus
// its version for puts, an id plus version for deletes.
type ChangeItem struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Data    Record `json:"data,omitempty"`
}

// StoreChangeSet groups the change items of a single store.
type StoreChangeSet struct {
	Puts    []ChangeItem `json:"puts,omitempty"`
	Deletes []ChangeItem `json:"deletes,omitempty"`
}

// DataChangeSet is the unit the sync manager moves between coordinators:
// per-store puts and deletes plus the highest version contained.
type DataChangeSet struct {
	Version int64                      `json:"version"`
	Stores  map[string]*StoreChangeSet `json:"stores"`
}

// NewDataChangeSet returns an empty change set.
func NewDataChangeSet() *DataChangeSet {
	return &DataChangeSet{Stores: make(map[string]*StoreChangeSet)}
}

// Store returns the change group for a store, creating it on first use.
func (s *DataChangeSet) Store(name string) *StoreChangeSet {
	g, ok := s.Stores[name]
	if !ok {
		g = &StoreChangeSet{}
		s.Stores[name] = g
	}

	return g
}

// Observe bumps the set's high-water version.
func (s *DataChangeSet) Observe(version int64) {
	if version > s.Version {
		s.Version = version
	}
}

// Empty reports whether the set carries no changes.
func (s *DataChangeSet) Empty() bool {
	for _, g := range s.Stores {
		if len(g.Puts) > 0 || len(g.Deletes) > 0 {
			return false
		}
	}

	return true
}

// Size returns the total number of change items in the set.
func (s *DataChangeSet) Size() int {
	n := 0
	for _, g := range s.Stores {
		n += len(g.Puts) + len(g.Deletes)
	}

	return n
}
