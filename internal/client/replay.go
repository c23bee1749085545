package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// errBodyNotSent is returned when a redirect arrives before the request body
// was read to the end.
var errBodyNotSent = errors.New("request body was not fully sent")

// replayBody records a streamed request body as the transport reads it, so a
// 307 or 308 redirect can send it again. Recording stops once the body grows
// past limit; the body still streams, but it can no longer be replayed.
type replayBody struct {
	body  io.ReadCloser
	limit int64

	mu       sync.Mutex
	buf      bytes.Buffer
	overflow bool
	done     bool
}

func newReplayBody(body io.Reader, limit int64) *replayBody {
	rc, ok := body.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(body)
	}
	return &replayBody{body: rc, limit: limit}
}

func (b *replayBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)

	b.mu.Lock()
	defer b.mu.Unlock()
	if n > 0 && !b.overflow {
		if int64(b.buf.Len())+int64(n) > b.limit {
			b.overflow = true
			b.buf = bytes.Buffer{}
		} else {
			b.buf.Write(p[:n])
		}
	}
	if errors.Is(err, io.EOF) {
		b.done = true
	}
	return n, err
}

func (b *replayBody) Close() error {
	return b.body.Close()
}

// GetBody returns a fresh copy of the recorded body.
func (b *replayBody) GetBody() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.overflow:
		return nil, fmt.Errorf("request body exceeds %d bytes and cannot be resent", b.limit)
	case !b.done:
		return nil, errBodyNotSent
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(b.buf.Bytes()))), nil
}
