package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = (feedPongWait * 9) / 10
	feedClientSize = 16
)

// FeedFrame is one JSON message on the observer feed.
type FeedFrame struct {
	Tick     uint64             `json:"tick"`
	Entities []ability.Snapshot `json:"entities"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// ObserverFeed streams world snapshots as JSON to websocket observers. A
// late joiner first receives the latest frame. Observers are read-only; a
// slow observer is disconnected rather than stalling the world.
type ObserverFeed struct {
	addr     string
	logger   *zap.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	last    []byte
}

var _ SnapshotPublisher = (*ObserverFeed)(nil)

// NewObserverFeed creates a feed that will listen on addr.
//
// Precondition: logger must be non-nil.
func NewObserverFeed(addr string, logger *zap.Logger) *ObserverFeed {
	f := &ObserverFeed{
		addr:   addr,
		logger: logger.Named("observer_feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*feedClient]struct{}),
	}
	mux := http.NewServeMux()
	mux.Handle("/feed", f)
	f.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return f
}

// Publish implements SnapshotPublisher.
func (f *ObserverFeed) Publish(tick uint64, snaps []ability.Snapshot) {
	b, err := json.Marshal(FeedFrame{Tick: tick, Entities: snaps})
	if err != nil {
		f.logger.Error("encoding feed frame", zap.Error(err))
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = b
	for c := range f.clients {
		select {
		case c.send <- b:
		default:
			f.logger.Debug("slow observer disconnected", zap.String("remote", c.conn.RemoteAddr().String()))
			delete(f.clients, c)
			close(c.send)
		}
	}
}

// Observers returns the number of connected observers.
func (f *ObserverFeed) Observers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// ServeHTTP upgrades the request and streams frames until the observer
// leaves.
func (f *ObserverFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug("observer upgrade failed", zap.Error(err))
		return
	}
	c := &feedClient{conn: conn, send: make(chan []byte, feedClientSize)}

	f.mu.Lock()
	if f.last != nil {
		c.send <- f.last
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	f.logger.Info("observer connected", zap.String("remote", conn.RemoteAddr().String()))

	go f.writePump(c)
	f.readPump(c)
}

// readPump discards observer input and detects disconnects.
func (f *ObserverFeed) readPump(c *feedClient) {
	defer func() {
		f.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Debug("observer read failed", zap.Error(err))
			}
			return
		}
	}
}

func (f *ObserverFeed) writePump(c *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *ObserverFeed) drop(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

// Start serves the feed until Stop.
func (f *ObserverFeed) Start() error {
	f.logger.Info("observer feed listening", zap.String("addr", f.addr))
	if err := f.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the listener and every observer connection.
func (f *ObserverFeed) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = f.server.Shutdown(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}
