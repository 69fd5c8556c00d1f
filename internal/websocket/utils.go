package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait    = 10 * time.Second
	readWait     = 5 * time.Minute
	pingInterval = 30 * time.Second
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetReadDeadline(time.Now().Add(readWait))
	return conn.ReadJSON(v)
}

// Outbox is the single writer of a connection. Send never blocks: when the
// buffer is full the message is dropped. Pings go out on the same goroutine.
type Outbox struct {
	conn *websocket.Conn
	ch   chan interface{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
	log  zerolog.Logger
}

// NewOutbox starts the writer goroutine of conn.
func NewOutbox(conn *websocket.Conn, size int, log zerolog.Logger) *Outbox {
	o := &Outbox{
		conn: conn,
		ch:   make(chan interface{}, size),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  log,
	}
	go o.run()
	return o
}

// Send queues v. It reports false when v was dropped.
func (o *Outbox) Send(v interface{}) bool {
	select {
	case <-o.stop:
		return false
	default:
	}
	select {
	case o.ch <- v:
		return true
	default:
		o.log.Warn().Msg("WebSocket outbox full, message dropped")
		return false
	}
}

// Close flushes what is queued and stops the writer. It is idempotent and
// does not wait.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.stop) })
}

// Done is closed when the writer has stopped.
func (o *Outbox) Done() <-chan struct{} { return o.done }

func (o *Outbox) run() {
	defer close(o.done)
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case v := <-o.ch:
			if err := WriteTyped(o.conn, v); err != nil {
				o.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-ping.C:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-o.stop:
			for {
				select {
				case v := <-o.ch:
					if err := WriteTyped(o.conn, v); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// ExtendOnPong pushes the read deadline forward whenever a pong arrives.
func ExtendOnPong(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
}
