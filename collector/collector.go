// Package collector terminates the three client channels — /event,
// /find, /live — on top of gorilla/websocket framed text messages, and
// wires them to the store and broker. The HTTP server shape follows
// connect/httpx.Serve: a context-cancellable ListenAndServe with a
// bounded graceful shutdown.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/theia-log/theia/broker"
	"github.com/theia-log/theia/event"
	"github.com/theia-log/theia/filter"
	"github.com/theia-log/theia/store"
)

// writeTimeout bounds a single outbound message on /find and /live; a
// subscriber or find client that cannot drain within it is evicted.
const writeTimeout = 5 * time.Second

// Collector wires the event store and live broker to the three channel
// handlers. The zero value is not usable; construct with New.
type Collector struct {
	Store  store.Store
	Broker *broker.Broker
	Log    func(format string, args ...any)

	// Verbose, when true, also logs successful push/find/live operations
	// through Log rather than only error conditions.
	Verbose bool

	upgrader websocket.Upgrader
}

// New constructs a Collector over an already-open store and broker.
func New(s store.Store, b *broker.Broker) *Collector {
	return &Collector{
		Store:  s,
		Broker: b,
		Log:    func(format string, args ...any) { fmt.Printf(format+"\n", args...) },
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving /event, /find, and /live.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/event", c.handleEvent)
	mux.HandleFunc("/find", c.handleFind)
	mux.HandleFunc("/live", c.handleLive)
	return mux
}

func (c *Collector) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.Log("collector: upgrade %s: %v", r.URL.Path, err)
		return nil, false
	}
	return conn, true
}

// handleEvent implements the push channel: OPEN -> RECEIVING*. Each
// inbound text message is one serialized event. A ParseError is logged
// and the channel stays open; any other failure (save error, transport
// error) ends the session.
func (c *Collector) handleEvent(w http.ResponseWriter, r *http.Request) {
	conn, ok := c.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return // client disconnect or transport error ends the session
		}

		e, err := event.Parse(data)
		if err != nil {
			c.Log("collector: /event parse error: %v", err)
			continue
		}
		if e.Timestamp == 0 {
			e.Timestamp = float64(time.Now().UnixNano()) / 1e9
		}

		if err := c.Store.Save(ctx, e); err != nil {
			c.Log("collector: /event save error: %v", err)
			return
		}
		if c.Verbose {
			c.Log("collector: /event saved id=%s source=%s", e.ID, e.Source)
		}
		c.Broker.Dispatch(e)
	}
}

// handleFind implements the historical channel: OPEN -> AWAIT_FILTER ->
// STREAMING -> CLOSED. The server always initiates the close once the
// result sequence is exhausted or fails.
func (c *Collector) handleFind(w http.ResponseWriter, r *http.Request) {
	conn, ok := c.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	d, err := readFilter(conn)
	if err != nil {
		writeError(conn, err)
		return
	}

	it, err := c.Store.Search(ctx, d)
	if err != nil {
		writeError(conn, err)
		return
	}
	defer it.Close()

	if c.Verbose {
		c.Log("collector: /find opened, order=%s", d.EffectiveOrder())
	}

	for it.Next(ctx) {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, event.Serialize(it.Event())); err != nil {
			return // client disconnected mid-stream; abandon iteration
		}
	}
	if err := it.Err(); err != nil {
		writeError(conn, err)
	}
}

// handleLive implements the live channel: OPEN -> AWAIT_FILTER ->
// SUBSCRIBED -> CLOSED. The server never initiates close on its own;
// only client disconnect, a write timeout, or broker eviction of the
// subscription ends the session.
func (c *Collector) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, ok := c.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	d, err := readFilter(conn)
	if err != nil {
		writeError(conn, err)
		return
	}

	subID, ch, err := c.Broker.Subscribe(d)
	if err != nil {
		writeError(conn, err)
		return
	}
	defer c.Broker.Unsubscribe(subID)
	if c.Verbose {
		c.Log("collector: /live subscribed id=%s", subID)
	}

	// Any further inbound messages are ignored; drain them so the
	// connection's read side notices a client disconnect promptly.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, open := <-ch:
			if !open {
				return // evicted by the broker (buffer full past its grace period)
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, event.Serialize(e)); err != nil {
				return // write timeout or transport error; drop the subscriber
			}
		case <-disconnected:
			return
		}
	}
}

// readFilter reads the single mandatory filter JSON message that opens
// /find and /live.
func readFilter(conn *websocket.Conn) (filter.Descriptor, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return filter.Descriptor{}, fmt.Errorf("collector: read filter: %w", err)
	}
	var d filter.Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return filter.Descriptor{}, fmt.Errorf("collector: malformed filter JSON: %w", err)
	}
	if _, err := filter.Compile(d); err != nil {
		return filter.Descriptor{}, err
	}
	return d, nil
}

func writeError(conn *websocket.Conn, err error) {
	conn.WriteMessage(websocket.TextMessage, []byte(err.Error()))
}

// Serve starts an HTTP server bound to addr serving the Collector's
// handler. It blocks until ctx is cancelled, then shuts down gracefully
// with a 5-second timeout — the same shape as connect/httpx.Serve.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: c.Handler(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
