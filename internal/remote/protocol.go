// Package remote exposes any storage adapter over a websocket, and provides
// a client adapter that talks to such a server. The frame format is JSON and
// opaque to the sync core; a remote coordinator wraps the client adapter the
// same way a local one wraps an in-process store.
package remote

import "github.com/joohw/deltasync-go/pkg/storage"

// Op names, one per Adapter method.
const (
	opReadStore   = "read_store"
	opReadBulk    = "read_bulk"
	opPutBulk     = "put_bulk"
	opDeleteBulk  = "delete_bulk"
	opClearStore  = "clear_store"
	opListStores  = "list_stores"
	opReadFiles   = "read_files"
	opSaveFiles   = "save_files"
	opDeleteFiles = "delete_files"
)

// request is one client→server frame. Fields beyond Op and ID are set per
// operation; blob contents ride as base64 via encoding/json's []byte rule.
type request struct {
	ID     string             `json:"id"`
	Op     string             `json:"op"`
	Store  string             `json:"store,omitempty"`
	IDs    []string           `json:"ids,omitempty"`
	Items  []storage.Record   `json:"items,omitempty"`
	Files  []storage.FileData `json:"files,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

// response is one server→client frame. Error is set instead of a payload
// when the adapter call failed.
type response struct {
	ID          string                       `json:"id"`
	Error       string                       `json:"error,omitempty"`
	Items       []storage.Record             `json:"items,omitempty"`
	HasMore     bool                         `json:"hasMore,omitempty"`
	Stores      []string                     `json:"stores,omitempty"`
	Existed     bool                         `json:"existed,omitempty"`
	Files       map[string]*storage.FileData `json:"files,omitempty"`
	Attachments []storage.Attachment         `json:"attachments,omitempty"`
	FileResult  *storage.FileResult          `json:"fileResult,omitempty"`
}
