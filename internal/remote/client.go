package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/joohw/deltasync-go/pkg/storage"
)

// Client is a storage adapter backed by a remote Server. Requests are
// serialized over a single connection; the sync manager's retry layer sits
// above this, so a broken connection surfaces as a failed call.
type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger *slog.Logger
	url    string
}

var _ storage.Adapter = (*Client)(nil)

// Dial connects to a remote adapter server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: dialing %s: %w", url, err)
	}

	conn.SetReadLimit(maxFrameBytes)

	logger.Info("connected to remote store", "url", url)

	return &Client{conn: conn, logger: logger, url: url}, nil
}

// Close implements Adapter.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// call sends one request and waits for its response. One request is in
// flight at a time; the server answers in order.
func (c *Client) call(ctx context.Context, req request) (*response, error) {
	req.ID = uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return nil, fmt.Errorf("remote: sending %s: %w", req.Op, err)
	}

	var resp response
	if err := wsjson.Read(ctx, c.conn, &resp); err != nil {
		return nil, fmt.Errorf("remote: receiving %s: %w", req.Op, err)
	}

	if resp.ID != req.ID {
		return nil, fmt.Errorf("remote: response id mismatch for %s", req.Op)
	}

	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}

	return &resp, nil
}

// ReadStore implements Adapter.
func (c *Client) ReadStore(ctx context.Context, store string, limit, offset int) ([]storage.Record, bool, error) {
	resp, err := c.call(ctx, request{Op: opReadStore, Store: store, Limit: limit, Offset: offset})
	if err != nil {
		return nil, false, err
	}

	return resp.Items, resp.HasMore, nil
}

// ReadBulk implements Adapter.
func (c *Client) ReadBulk(ctx context.Context, store string, ids []string) ([]storage.Record, error) {
	resp, err := c.call(ctx, request{Op: opReadBulk, Store: store, IDs: ids})
	if err != nil {
		return nil, err
	}

	return resp.Items, nil
}

// PutBulk implements Adapter.
func (c *Client) PutBulk(ctx context.Context, store string, items []storage.Record) ([]storage.Record, error) {
	resp, err := c.call(ctx, request{Op: opPutBulk, Store: store, Items: items})
	if err != nil {
		return nil, err
	}

	return resp.Items, nil
}

// DeleteBulk implements Adapter.
func (c *Client) DeleteBulk(ctx context.Context, store string, ids []string) error {
	_, err := c.call(ctx, request{Op: opDeleteBulk, Store: store, IDs: ids})
	return err
}

// ClearStore implements Adapter.
func (c *Client) ClearStore(ctx context.Context, store string) (bool, error) {
	resp, err := c.call(ctx, request{Op: opClearStore, Store: store})
	if err != nil {
		return false, err
	}

	return resp.Existed, nil
}

// ListStores implements Adapter.
func (c *Client) ListStores(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, request{Op: opListStores})
	if err != nil {
		return nil, err
	}

	return resp.Stores, nil
}

// ReadFiles implements Adapter.
func (c *Client) ReadFiles(ctx context.Context, ids []string) (map[string]*storage.FileData, error) {
	resp, err := c.call(ctx, request{Op: opReadFiles, IDs: ids})
	if err != nil {
		return nil, err
	}

	// Absent map entries mean the same as explicit nulls after JSON; restore
	// the one-entry-per-id contract.
	files := resp.Files
	if files == nil {
		files = make(map[string]*storage.FileData, len(ids))
	}

	for _, id := range ids {
		if _, ok := files[id]; !ok {
			files[id] = nil
		}
	}

	return files, nil
}

// SaveFiles implements Adapter.
func (c *Client) SaveFiles(ctx context.Context, files []storage.FileData) ([]storage.Attachment, error) {
	resp, err := c.call(ctx, request{Op: opSaveFiles, Files: files})
	if err != nil {
		return nil, err
	}

	return resp.Attachments, nil
}

// DeleteFiles implements Adapter.
func (c *Client) DeleteFiles(ctx context.Context, ids []string) (*storage.FileResult, error) {
	resp, err := c.call(ctx, request{Op: opDeleteFiles, IDs: ids})
	if err != nil {
		return nil, err
	}

	if resp.FileResult == nil {
		return &storage.FileResult{}, nil
	}

	return resp.FileResult, nil
}
