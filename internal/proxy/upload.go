package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

var errEmptyUpload = errors.New("empty upload")

// ErrUploadTooLarge is wrapped in the InvalidInput error for oversized uploads.
var ErrUploadTooLarge = errors.New("upload exceeds size limit")

// sourceReader counts what the client sent and remembers read failures, so
// the producer can tell a broken client from a consumer that hung up.
type sourceReader struct {
	r   io.Reader
	n   int64
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// upload runs producer -> transform -> sink. The pipe between producer and
// transform has no buffer, so a slow transform stalls reads from the client.
func (s *Service) upload(ctx context.Context, body io.Reader) ([]byte, string, error) {
	const op = "proxy.PutUpload"

	g, gctx := errgroup.WithContext(ctx)
	pr, pw := io.Pipe()
	transformed := make(chan []byte)

	var producerErr error
	g.Go(func() error {
		src := &sourceReader{r: io.LimitReader(body, s.cfg.MaxUploadBytes+1)}
		_, copyErr := io.Copy(pw, src)
		switch {
		case src.err != nil:
			producerErr = newError(ErrInvalidInput, op, fmt.Errorf("read upload: %w", src.err))
		case src.n > s.cfg.MaxUploadBytes:
			producerErr = newError(ErrInvalidInput, op, fmt.Errorf("%w: limit is %d bytes", ErrUploadTooLarge, s.cfg.MaxUploadBytes))
		case src.n == 0 && copyErr == nil:
			producerErr = newError(ErrInvalidInput, op, errEmptyUpload)
		}
		// A copy error without a source error means the transform stage
		// stopped reading; its own error is the one to report.
		pw.CloseWithError(producerErr)
		return producerErr
	})

	g.Go(func() error {
		defer close(transformed)
		out, err := s.transformer.Transform(gctx, pr, s.cfg.MaxWidth, s.cfg.MaxHeight)
		if err != nil {
			pr.CloseWithError(err)
			return newError(ErrTransform, op, err)
		}
		// Let the producer finish so a short read by the transformer does
		// not look like a client failure. A producer failure surfaces here
		// and must stop the upload before anything is stored.
		if _, err := io.Copy(io.Discard, pr); err != nil {
			return err
		}
		select {
		case transformed <- out:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	var id string
	var data []byte
	g.Go(func() error {
		out, ok := <-transformed
		if !ok {
			return nil
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		written, err := s.blobs.Write(gctx, out)
		if err != nil {
			return newError(ErrInternal, op, fmt.Errorf("write blob: %w", err))
		}
		id, data = written, out
		return nil
	})

	err := g.Wait()
	if producerErr != nil {
		return nil, "", producerErr
	}
	if err != nil {
		return nil, "", err
	}
	return data, id, nil
}
