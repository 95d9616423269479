package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/contexthost/mcprt/filter"
	"github.com/contexthost/mcprt/internal/engine"
)

const maxLineBytes = 4 * 1024 * 1024

// Handler is a single-connection stdio transport. It reads one JSON-RPC
// message per line from the reader and writes responses and notifications
// line by line to the writer.
type Handler struct {
	eng *engine.Engine
	r   io.Reader
	w   io.Writer
	log *slog.Logger
}

// NewHandler constructs a stdio Handler bound to the engine. Defaults:
// os.Stdin, os.Stdout, discard logger.
func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		eng: eng,
		r:   os.Stdin,
		w:   os.Stdout,
		log: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// lineWriter serializes writes so dispatcher responses and async
// notifications never interleave within a line.
type lineWriter struct {
	mu   sync.Mutex
	w    io.Writer
	conn *engine.Conn
}

func (lw *lineWriter) Ready() bool { return lw.conn.Ready() }

func (lw *lineWriter) Send(_ context.Context, data []byte) error {
	return lw.write(data)
}

func (lw *lineWriter) write(data []byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if _, err := lw.w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("failed to write message delimiter: %w", err)
	}
	return nil
}

// Serve runs the read loop until EOF on the reader or ctx is canceled. Call
// it at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	out := &lineWriter{w: h.w}
	conn := h.eng.NewConn("stdio", out)
	out.conn = conn
	defer conn.Close()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(h.r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("failed to read input: %w", err)
					}
				default:
				}
				return nil
			}
			resp, err := conn.HandleMessage(ctx, filter.RequestContext{}, line)
			if err != nil && !errors.Is(err, engine.ErrInvalidMessage) {
				h.log.ErrorContext(ctx, "failed to handle message", slog.String("err", err.Error()))
				continue
			}
			if resp == nil {
				continue
			}
			if err := out.write(resp); err != nil {
				return err
			}
		}
	}
}
