package remote

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/joohw/deltasync-go/pkg/storage"
)

// maxFrameBytes caps a single websocket frame. The sync manager bounds blob
// save batches by bytes, below this; blob reads are bounded by id count only.
const maxFrameBytes = 32 << 20

// Server serves a storage adapter over websocket connections. It implements
// http.Handler; mount it wherever the transport should live.
type Server struct {
	adapter storage.Adapter
	logger  *slog.Logger
}

// NewServer wraps an adapter.
func NewServer(adapter storage.Adapter, logger *slog.Logger) *Server {
	return &Server{adapter: adapter, logger: logger}
}

// ServeHTTP upgrades the connection and answers request frames until the
// peer disconnects. Connections are independent; the adapter serializes
// whatever needs serializing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	defer conn.Close(websocket.StatusInternalError, "server shutting down")

	ctx := r.Context()

	g, gctx := errgroup.WithContext(ctx)
	frames := make(chan request)

	g.Go(func() error {
		defer close(frames)

		for {
			var req request
			if err := wsjson.Read(gctx, conn, &req); err != nil {
				return err
			}

			select {
			case frames <- req:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		for req := range frames {
			resp := s.dispatch(gctx, req)
			if err := wsjson.Write(gctx, conn, resp); err != nil {
				return err
			}
		}

		return nil
	})

	err = g.Wait()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) != -1:
		s.logger.Debug("client disconnected", "status", websocket.CloseStatus(err))
	default:
		s.logger.Warn("connection failed", "error", err)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// dispatch runs one adapter call and shapes the result into a response.
func (s *Server) dispatch(ctx context.Context, req request) response {
	resp := response{ID: req.ID}

	var err error

	switch req.Op {
	case opReadStore:
		resp.Items, resp.HasMore, err = s.adapter.ReadStore(ctx, req.Store, req.Limit, req.Offset)
	case opReadBulk:
		resp.Items, err = s.adapter.ReadBulk(ctx, req.Store, req.IDs)
	case opPutBulk:
		resp.Items, err = s.adapter.PutBulk(ctx, req.Store, req.Items)
	case opDeleteBulk:
		err = s.adapter.DeleteBulk(ctx, req.Store, req.IDs)
	case opClearStore:
		resp.Existed, err = s.adapter.ClearStore(ctx, req.Store)
	case opListStores:
		resp.Stores, err = s.adapter.ListStores(ctx)
	case opReadFiles:
		resp.Files, err = s.adapter.ReadFiles(ctx, req.IDs)
	case opSaveFiles:
		resp.Attachments, err = s.adapter.SaveFiles(ctx, req.Files)
	case opDeleteFiles:
		resp.FileResult, err = s.adapter.DeleteFiles(ctx, req.IDs)
	default:
		err = errors.New("remote: unknown op " + req.Op)
	}

	if err != nil {
		s.logger.Warn("adapter call failed", "op", req.Op, "store", req.Store, "error", err)
		resp.Error = err.Error()
	}

	return resp
}
