package blob

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/leonardcser/image-proxy/internal/logger"
)

// Serve accepts connections on l and answers protocol requests from store
// until l is closed or ctx is cancelled.
func Serve(ctx context.Context, l net.Listener, store Store) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = nextAcceptDelay(delay)
			logger.Warnf("blob: accept error: %v; retrying in %v", err, delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		go handleConn(ctx, conn, store)
	}
}

// nextAcceptDelay backs off from 5ms up to one second between failed accepts.
func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func handleConn(ctx context.Context, conn net.Conn, store Store) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		_ = enc.Encode(dispatch(ctx, store, req))
	}
}

func dispatch(ctx context.Context, store Store, req Request) Response {
	switch req.Op {
	case OpRead:
		data, err := store.Read(ctx, req.ID)
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, Data: data}
	case OpWrite:
		id, err := store.Write(ctx, req.Data)
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, ID: id}
	case OpList:
		records, err := store.List(ctx)
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, Records: records}
	case OpDelete:
		if err := store.Delete(ctx, req.ID); err != nil {
			return failure(err)
		}
		return Response{OK: true}
	default:
		return Response{OK: false, Error: "unknown op"}
	}
}

func failure(err error) Response {
	resp := Response{OK: false, Error: err.Error()}
	switch {
	case errors.Is(err, ErrNotFound):
		resp.Code = codeNotFound
	case errors.Is(err, ErrInvalidID):
		resp.Code = codeInvalidID
	}
	return resp
}
