package providers

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// StreamConn wraps a websocket connection for adapters whose backends
// stream partial results. Writes are serialized; reads happen through the
// Messages iterator. Failures are surfaced through the provider taxonomy so
// the router can classify them without knowing about websockets.
type StreamConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// StreamMessage is one frame read from a streaming backend. Exactly one of
// Binary and Text is set.
type StreamMessage struct {
	Binary []byte
	Text   []byte
}

// DialStream opens a websocket to a streaming provider endpoint. Dial
// failures classify as unavailable.
func DialStream(ctx context.Context, url string, header http.Header) (*StreamConn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			if statusErr := ClassifyStatus(resp.StatusCode); statusErr != nil {
				return nil, fmt.Errorf("failed to open provider stream: %w", statusErr)
			}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to open provider stream: %w", ErrTimeout)
		}
		return nil, fmt.Errorf("failed to open provider stream: %w: %v", ErrUnavailable, err)
	}

	return &StreamConn{ws: ws}, nil
}

// SendJSON writes one JSON control frame.
func (c *StreamConn) SendJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write to provider stream: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// SendText writes one text frame.
func (c *StreamConn) SendText(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("failed to write to provider stream: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// Messages yields frames until the peer closes or the context ends. A
// normal closure ends the sequence without error; an abnormal one yields a
// classified failure as the final element.
func (c *StreamConn) Messages(ctx context.Context) iter.Seq2[StreamMessage, error] {
	return func(yield func(StreamMessage, error) bool) {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				_ = c.Close()
			case <-done:
			}
		}()

		for {
			msgType, msg, err := c.ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return
				}
				if ctx.Err() != nil {
					yield(StreamMessage{}, fmt.Errorf("provider stream interrupted: %w", ctx.Err()))
					return
				}
				yield(StreamMessage{}, fmt.Errorf("provider stream broke: %w: %v", ErrUnavailable, err))
				return
			}

			switch msgType {
			case websocket.BinaryMessage:
				if !yield(StreamMessage{Binary: msg}, nil) {
					return
				}
			case websocket.TextMessage:
				if !yield(StreamMessage{Text: msg}, nil) {
					return
				}
			}
		}
	}
}

// Close tears the connection down after a best-effort close handshake.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
