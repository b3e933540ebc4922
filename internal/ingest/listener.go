package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Listener accepts wire sessions and feeds complete frames into the
// engine. Frame boundaries are found by scanning for the checksum
// trailer; the payload between trailers is one frame.
type Listener struct {
	addr   string
	engine *Engine

	mu sync.Mutex
	ln net.Listener
}

// NewListener binds addr lazily on Serve.
func NewListener(addr string, engine *Engine) *Listener {
	return &Listener{addr: addr, engine: engine}
}

// Serve accepts connections until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Info().Str("addr", l.addr).Msg("wire listener accepting")

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return nil
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.session(ctx, conn)
		}()
	}
}

// session reads frames off one connection until EOF or cancellation.
func (l *Listener) session(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log.Info().Str("remote", remote).Msg("wire session opened")

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(splitFrames)

	for sc.Scan() {
		body := make([]byte, len(sc.Bytes()))
		copy(body, sc.Bytes())
		f := Frame{
			Body:        body,
			ReceiveTick: monotonicTick(),
			Received:    time.Now(),
		}
		if err := l.engine.Enqueue(ctx, f); err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("wire session aborted")
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("remote", remote).Msg("wire session read error")
	}
	log.Info().Str("remote", remote).Msg("wire session closed")
}

var processStart = time.Now()

// monotonicTick is nanoseconds since process start, from the runtime's
// monotonic clock so wall adjustments cannot reorder receive stamps.
func monotonicTick() int64 {
	return int64(time.Since(processStart))
}

// splitFrames tokenizes a byte stream into frames ending at the
// checksum trailer's field delimiter.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	idx := bytes.Index(data, checksumTag)
	for idx >= 0 {
		if idx == 0 || data[idx-1] == soh {
			end := bytes.IndexByte(data[idx:], soh)
			if end < 0 {
				break // trailer incomplete, need more data
			}
			cut := idx + end + 1
			return cut, data[:cut], nil
		}
		next := bytes.Index(data[idx+1:], checksumTag)
		if next < 0 {
			idx = -1
			break
		}
		idx = idx + 1 + next
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
