package websocket

import (
	"context"
	"regexp"
	"strings"

	"cloudvault/collab"
	"cloudvault/collab/presence"
	"cloudvault/config"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type ackInvoker func(payload map[string]any)

// errUnauthorized is sent as the connect_error payload of rejected handshakes.
// socket.io clients expect a data field next to the message.
var errUnauthorized = socketio.NewExtendedError("unauthorized", map[string]any{"code": "unauthorized"})

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

// SetupSocketIO serves the collaboration protocol over socket.io. Every
// connection must present a session token during the handshake; the gateway
// owns everything that happens after admission.
func SetupSocketIO(gw *collab.Gateway, cfg *config.Config) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(cfg.MaxBufferSize)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	origins := []any{"tauri://localhost", localhostOrigin}
	for _, origin := range cfg.CORSOrigins {
		origins = append(origins, origin)
	}
	opts.SetCors(&types.Cors{
		Origin:      origins,
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	srv.Use(func(socket *socketio.Socket, next func(*socketio.ExtendedError)) {
		user, err := gw.Authenticate(context.Background(), handshakeToken(socket.Handshake()))
		if err != nil {
			logrus.WithError(err).WithField("socket", socket.Id()).Info("rejecting collaboration connection")
			next(errUnauthorized)
			return
		}
		socket.SetData(user)
		next(nil)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		user, ok := socket.Data().(presence.User)
		if !ok {
			socket.Disconnect(true)
			return
		}

		connID := string(socket.Id())
		socket.On("disconnect", func(datas ...any) {
			gw.Close(connID)
			socket.Clear()
		})

		if err := gw.Admit(connID, user, socket); err != nil {
			logrus.WithError(err).WithField("conn", connID).Warn("failed to admit connection")
			socket.Disconnect(true)
			return
		}
		// dropped before the disconnect listener existed
		if !socket.Connected() {
			gw.Close(connID)
			return
		}

		for _, kind := range collab.InboundKinds {
			event := string(kind)
			socket.On(event, func(datas ...any) {
				ack, args := extractAck(datas)
				err := gw.Handle(connID, event, args)
				if ack != nil {
					ack(ackPayload(err))
				}
			})
		}
	})

	return srv
}

// handshakeToken looks for the session token in the socket.io auth payload,
// then the Authorization header, then the token query parameter.
func handshakeToken(h *socketio.Handshake) string {
	if h == nil {
		return ""
	}
	if auth, ok := h.Auth.(map[string]any); ok {
		if token, ok := auth["token"].(string); ok && token != "" {
			return token
		}
	}
	for _, value := range headerValues(h.Headers, "Authorization") {
		scheme, token, found := strings.Cut(value, " ")
		if found && strings.EqualFold(scheme, "bearer") && token != "" {
			return token
		}
	}
	if tokens := h.Query["token"]; len(tokens) > 0 {
		return tokens[0]
	}
	return ""
}

func headerValues(headers map[string][]string, name string) []string {
	for key, values := range headers {
		if strings.EqualFold(key, name) {
			return values
		}
	}
	return nil
}

func ackPayload(err error) map[string]any {
	if err != nil {
		return map[string]any{"status": "error", "error": err.Error()}
	}
	return map[string]any{"status": "ok"}
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}
	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

// wrapAck recognizes the acknowledgement callback socket.io appends to an
// event when the client asked for one.
func wrapAck(candidate any) ackInvoker {
	switch ack := candidate.(type) {
	case socketio.Ack:
		return func(payload map[string]any) { ack([]any{payload}, nil) }
	case func(...any):
		return func(payload map[string]any) { ack(payload) }
	}
	return nil
}
