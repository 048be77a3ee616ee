// Package gateway pushes bus events to browsers over WebSocket and
// Server-Sent Events.
//
// Each connection owns one bus subscription. A client that cannot keep up
// loses its subscription on the bus side; the gateway then closes the
// socket with 1008 (policy violation) so the client knows to reconnect and
// resynchronise over the REST API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/novatra/novatra/app/apierror"
	"github.com/novatra/novatra/events"
	"github.com/novatra/novatra/log"
	"github.com/novatra/novatra/manager"
	"github.com/novatra/novatra/models"
)

const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// Subscriber hands out bus subscriptions.
type Subscriber interface {
	Subscribe(filter events.Filter, bufferSize int) *events.Subscription
}

type Recorder interface {
	ConnectionOpened(transport string)
	ConnectionClosed(transport string)
}

type Options struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	Recorder     Recorder
	// Authorize is consulted when a client asks for a single repository.
	Authorize func(ctx context.Context, repositoryID string) error
}

type Gateway struct {
	bus      Subscriber
	opts     Options
	upgrader websocket.Upgrader

	active int64
	wg     sync.WaitGroup

	// mu orders wg.Add against Close
	mu       sync.Mutex
	shutdown bool
	closing  chan struct{}
}

func New(bus Subscriber, opts Options) *Gateway {
	if opts.BufferSize <= 0 {
		opts.BufferSize = events.DefaultBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Gateway{
		bus:  bus,
		opts: opts,
		upgrader: websocket.Upgrader{
			// clears the server's deadlines once the handshake is written
			HandshakeTimeout: opts.WriteTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			// CORS is enforced by the router middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}
}

// Connections returns the number of open client connections.
func (g *Gateway) Connections() int {
	return int(atomic.LoadInt64(&g.active))
}

// Close asks every connection to finish and waits until they have. New
// connections are refused from then on.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if !g.shutdown {
		g.shutdown = true
		close(g.closing)
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for gateway connections")
	}
}

// filter reads the repository and types query parameters. Types may be
// repeated or comma separated.
func (g *Gateway) filter(c *gin.Context) (events.Filter, error) {
	f := events.Filter{
		RepositoryID: strings.TrimSpace(c.Query("repository")),
		Restricted:   true,
		Viewer:       manager.ActorFrom(c.Request.Context()),
	}
	for _, raw := range c.QueryArray("types") {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			t, ok := events.ParseType(part)
			if !ok {
				return events.Filter{}, errors.Wrapf(models.ErrInvalidArgument, "unknown event type %q", part)
			}
			f.Types = append(f.Types, t)
		}
	}
	if f.RepositoryID != "" && g.opts.Authorize != nil {
		if err := g.opts.Authorize(c.Request.Context(), f.RepositoryID); err != nil {
			return events.Filter{}, err
		}
	}
	return f, nil
}

// enter registers a connection with Close, or reports false once the
// gateway is shutting down. The caller must call g.wg.Done.
func (g *Gateway) enter(c *gin.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, apierror.Response{Error: "shutting down"})
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *Gateway) track(transport string) func() {
	atomic.AddInt64(&g.active, 1)
	if g.opts.Recorder != nil {
		g.opts.Recorder.ConnectionOpened(transport)
	}
	return func() {
		if g.opts.Recorder != nil {
			g.opts.Recorder.ConnectionClosed(transport)
		}
		atomic.AddInt64(&g.active, -1)
	}
}

// ServeWebSocket upgrades the request and streams matching events as JSON
// text frames until either side goes away.
func (g *Gateway) ServeWebSocket(c *gin.Context) {
	filter, err := g.filter(c)
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	if !g.enter(c) {
		return
	}
	defer g.wg.Done()

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already answered the request
		log.LogAppDebug("websocket upgrade failed", "cause", err)
		return
	}
	done := g.track(TransportWebSocket)
	defer done()

	sub := g.bus.Subscribe(filter, g.opts.BufferSize)
	defer sub.Close()
	defer conn.Close()

	g.pump(conn, sub)
}

func (g *Gateway) pump(conn *websocket.Conn, sub *events.Subscription) {
	pongWait := 2 * g.opts.PingInterval
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// clients only ever send control frames; reading is how we notice them
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), events.ErrSlowConsumer) {
					log.LogAppInfo("closing slow websocket client", "filter_repository", sub.Filter().RepositoryID)
					g.closeWith(conn, websocket.ClosePolicyViolation, "slow consumer")
				} else {
					g.closeWith(conn, websocket.CloseGoingAway, "shutting down")
				}
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.opts.WriteTimeout)); err != nil {
				return
			}
		case <-g.closing:
			g.closeWith(conn, websocket.CloseGoingAway, "shutting down")
			return
		case <-gone:
			return
		}
	}
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.opts.WriteTimeout))
}

// ServeStream streams matching events as Server-Sent Events. A dropped
// subscription ends the stream with an error event.
func (g *Gateway) ServeStream(c *gin.Context) {
	filter, err := g.filter(c)
	if err != nil {
		apierror.Abort(c, err)
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	if !g.enter(c) {
		return
	}
	defer g.wg.Done()
	done := g.track(TransportSSE)
	defer done()

	sub := g.bus.Subscribe(filter, g.opts.BufferSize)
	defer sub.Close()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), events.ErrSlowConsumer) {
					fmt.Fprint(w, "event: error\ndata: {\"error\":\"slow consumer\"}\n\n")
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.LogAppErr("encoding event", err, "event", e.ID)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-g.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

