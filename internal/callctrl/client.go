package callctrl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telecare/consult-relay/internal/signaling"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 64 * 1024
)

// SignalingTransport moves room messages between the controller and the
// relay. Receive's channel closes when the transport dies; the controller
// treats that as a fatal signaling loss.
type SignalingTransport interface {
	Send(signaling.Message) error
	Receive() <-chan signaling.Message
	Close() error
}

// WSTransport is the production transport: a relay WebSocket with read and
// write pumps and keepalive pings.
type WSTransport struct {
	conn      *websocket.Conn
	log       *slog.Logger
	incoming  chan signaling.Message
	outgoing  chan signaling.Message
	done      chan struct{}
	closeOnce sync.Once
}

var errTransportClosed = errors.New("signaling transport closed")

// DialTransport connects to the relay's /rooms/signal endpoint. serverURL is
// the complete ws:// or wss:// URL.
func DialTransport(ctx context.Context, serverURL string, logger *slog.Logger) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignalingConnectFailed, err)
	}

	t := &WSTransport{
		conn:     conn,
		log:      logger,
		incoming: make(chan signaling.Message, 16),
		outgoing: make(chan signaling.Message, 16),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(wsReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go t.readPump()
	go t.writePump()

	return t, nil
}

func (t *WSTransport) readPump() {
	defer func() {
		_ = t.conn.Close()
		close(t.incoming)
	}()

	_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		msg, err := signaling.ParseServerMessage(data)
		if err != nil {
			t.log.Warn("dropping malformed relay message", "err", err)
			continue
		}

		select {
		case t.incoming <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case msg := <-t.outgoing:
			payload, err := json.Marshal(msg)
			if err != nil {
				t.log.Error("encode signaling message", "err", err)
				continue
			}
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-t.done:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (t *WSTransport) Send(msg signaling.Message) error {
	select {
	case t.outgoing <- msg:
		return nil
	case <-t.done:
		return errTransportClosed
	}
}

func (t *WSTransport) Receive() <-chan signaling.Message {
	return t.incoming
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}
