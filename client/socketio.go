package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// Conn is the slice of a socket.io client connection the controller uses.
type Conn interface {
	On(event string, handler func(args ...any))
	Emit(event string, args ...any) error
	Connected() bool
	Close()
}

// Dialer opens an admitted connection for token. It returns once the server
// has accepted or rejected the connection.
type Dialer func(ctx context.Context, token string) (Conn, error)

type socketConn struct {
	s *socket.Socket
}

func (c *socketConn) On(event string, handler func(args ...any)) {
	if err := c.s.On(types.EventName(event), handler); err != nil {
		logrus.WithError(err).WithField("event", event).Warn("failed to register socket handler")
	}
}

func (c *socketConn) Emit(event string, args ...any) error {
	return c.s.Emit(event, args...)
}

func (c *socketConn) Connected() bool { return c.s.Connected() }

func (c *socketConn) Close() { c.s.Close() }

// SocketIODialer dials a collaboration server at url, sending the identity
// token in the handshake auth payload. timeout bounds the handshake.
func SocketIODialer(url string, timeout time.Duration) Dialer {
	return func(ctx context.Context, token string) (Conn, error) {
		opts := socket.DefaultOptions()
		opts.SetForceNew(true)
		opts.SetAutoConnect(false)
		opts.SetTimeout(timeout)
		opts.SetAuth(map[string]any{"token": token})

		s, err := socket.Connect(url, opts)
		if err != nil {
			return nil, fmt.Errorf("create socket: %w", err)
		}

		result := make(chan error, 1)
		s.Once("connect", func(...any) {
			select {
			case result <- nil:
			default:
			}
		})
		s.Once("connect_error", func(args ...any) {
			err := errors.New("connection refused")
			if len(args) > 0 {
				if e, ok := args[0].(error); ok {
					err = e
				}
			}
			select {
			case result <- err:
			default:
			}
		})
		s.Connect()

		select {
		case err := <-result:
			if err != nil {
				s.Close()
				return nil, err
			}
			return &socketConn{s: s}, nil
		case <-ctx.Done():
			s.Close()
			return nil, ctx.Err()
		}
	}
}
