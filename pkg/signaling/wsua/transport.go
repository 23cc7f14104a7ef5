package wsua

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// transport WebSocket соединение, по которому ходят SIP сообщения.
// Одно WebSocket сообщение содержит ровно одно SIP сообщение.
type transport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	parser       *sip.Parser

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func dialTransport(ctx context.Context, wsURI string, timeout, writeTimeout time.Duration) (*transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol},
		Proxy:            http.ProxyFromEnvironment,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, wsURI, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", wsURI)
	}

	return &transport{
		conn:         conn,
		writeTimeout: writeTimeout,
		parser:       sip.NewParser(),
		done:         make(chan struct{}),
	}, nil
}

// send сериализует и отправляет сообщение
func (t *transport) send(msg sip.Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return errors.WithStack(errClosed)
	default:
	}

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(msg.String())); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

// readLoop читает сообщения до закрытия соединения и возвращает причину остановки
func (t *transport) readLoop(handle func(sip.Message)) error {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return nil
			default:
			}
			return errors.Wrap(err, "websocket read")
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		msg, err := t.parser.ParseSIP(data)
		if err != nil {
			// Битое сообщение не рвет соединение
			continue
		}
		handle(msg)
	}
}

func (t *transport) close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
