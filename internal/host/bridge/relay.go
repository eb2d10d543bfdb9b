package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Relay pipes envelopes between a browser agent speaking native messaging
// and the server's bridge until either side closes or ctx is done. Requests
// too large for the browser are answered with an error reply instead of
// being forwarded.
func Relay(ctx context.Context, agent, server Transport, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		agent.Close()
		server.Close()
	})
	defer stop()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	finish := func(err error) {
		once.Do(func() { firstErr = err })
		cancel()
	}

	wg.Go(func() {
		for {
			data, err := agent.ReadMessage()
			if err != nil {
				finish(fmt.Errorf("read from agent: %w", err))
				return
			}
			if err := server.WriteMessage(data); err != nil {
				finish(fmt.Errorf("write to server: %w", err))
				return
			}
		}
	})
	wg.Go(func() {
		for {
			data, err := server.ReadMessage()
			if err != nil {
				finish(fmt.Errorf("read from server: %w", err))
				return
			}
			if len(data) > MaxOutboundFrameSize {
				logger.Warn("request exceeds native messaging limit", "size", len(data))
				if err := rejectOversize(server, data); err != nil {
					finish(err)
					return
				}
				continue
			}
			if err := agent.WriteMessage(data); err != nil {
				finish(fmt.Errorf("write to agent: %w", err))
				return
			}
		}
	})
	wg.Wait()

	if errors.Is(firstErr, io.EOF) {
		return nil
	}
	return firstErr
}

// rejectOversize answers an oversized request so its caller fails fast.
func rejectOversize(server Transport, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.ID == "" {
		return nil
	}
	reply, err := json.Marshal(Envelope{
		ID:    env.ID,
		Type:  TypeReply,
		Error: fmt.Sprintf("request of %d bytes exceeds the %d byte native messaging limit", len(data), MaxOutboundFrameSize),
	})
	if err != nil {
		return fmt.Errorf("marshal oversize reply: %w", err)
	}
	if err := server.WriteMessage(reply); err != nil {
		return fmt.Errorf("write to server: %w", err)
	}
	return nil
}

type stdio struct {
	in  *os.File
	out *os.File
}

func (s stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s stdio) Write(p []byte) (int, error) { return s.out.Write(p) }
func (s stdio) Close() error                { return s.in.Close() }

// NewStdioTransport speaks native-messaging frames on the process's stdin
// and stdout, the channel a browser opens to a native host.
func NewStdioTransport() Transport {
	return NewFrameTransport(stdio{in: os.Stdin, out: os.Stdout})
}
