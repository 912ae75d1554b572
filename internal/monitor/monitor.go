// Package monitor mirrors every transmitted frame to websocket clients and
// serves a health summary.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	diag "github.com/coreman2200/arcaluminis-ws2812/internal/diagnostics"
	"github.com/coreman2200/arcaluminis-ws2812/internal/driver"
	"github.com/coreman2200/arcaluminis-ws2812/internal/framebuf"
	"github.com/coreman2200/arcaluminis-ws2812/internal/timing"
)

const writeWait = 200 * time.Millisecond

type State struct {
	mu     sync.Mutex
	count  int
	params timing.Params
	Driver string
	Stats  func() driver.Stats

	frameID     atomic.Uint64
	pending     chan frame
	startTime   time.Time
	clients     map[*websocket.Conn]bool
	diagClients map[*websocket.Conn]bool
}

func NewState(count int, p timing.Params, driverName string) *State {
	return &State{
		count:       count,
		params:      p,
		Driver:      driverName,
		pending:     make(chan frame, 1),
		startTime:   time.Now(),
		clients:     map[*websocket.Conn]bool{},
		diagClients: map[*websocket.Conn]bool{},
	}
}

// Handler routes the monitor endpoints.
func (s *State) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleFramesWS)
	mux.HandleFunc("/diag", s.HandleDiagWS)
	mux.HandleFunc("/health", s.HandleHealth)
	return mux
}

// Observe is a driver observer. It decodes the transmitted frame and hands
// it to Run without waiting on any client; when Run falls behind only the
// newest frame is kept.
func (s *State) Observe(stream []byte) {
	f := frame{
		T:       time.Now().UnixNano(),
		FrameID: s.frameID.Add(1),
		RGB:     framebuf.DecodeStream(stream, s.count, s.params),
	}
	for {
		select {
		case s.pending <- f:
			return
		default:
		}
		select {
		case <-s.pending:
		default:
		}
	}
}

// Run broadcasts observed frames until ctx is done.
func (s *State) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.pending:
			s.mu.Lock()
			s.broadcastFrame(f)
			s.mu.Unlock()
		}
	}
}

// Push sends a diagnostic to every diag client.
func (s *State) Push(d diag.Diagnostic) {
	b, _ := json.Marshal(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.diagClients {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.WriteMessage(websocket.TextMessage, b)
	}
}

func (s *State) HandleFramesWS(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.sendTopology(conn)
	s.mu.Unlock()
	go s.drain(conn, s.clients)
}

func (s *State) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.diagClients[conn] = true
	s.mu.Unlock()
	go s.drain(conn, s.diagClients)
}

func (s *State) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"frame_id": s.frameID.Load(),
		"uptime_s": time.Since(s.startTime).Seconds(),
		"leds":     s.count,
		"driver":   s.Driver,
		"timing":   s.params.String(),
	}
	if s.Stats != nil {
		st := s.Stats()
		resp["frames"] = st.Frames
		resp["timeouts"] = st.Timeouts
		resp["last_show_us"] = st.Last.Microseconds()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *State) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade")
		return nil, false
	}
	return conn, true
}

// drain reads until the client goes away, then forgets it.
func (s *State) drain(conn *websocket.Conn, set map[*websocket.Conn]bool) {
	defer func() {
		s.mu.Lock()
		delete(set, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// sendTopology must be called with s.mu held.
func (s *State) sendTopology(conn *websocket.Conn) {
	top := map[string]any{
		"leds":        s.count,
		"driver":      s.Driver,
		"bit_cell_ns": s.params.BitCell().Nanoseconds(),
		"reset_len":   s.params.ResetLen,
	}
	b, _ := json.Marshal(top)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

type frame struct {
	T       int64  `json:"t"`
	FrameID uint64 `json:"frame_id"`
	RGB     []byte `json:"rgb"`
}

// broadcastFrame must be called with s.mu held.
func (s *State) broadcastFrame(f frame) {
	if len(s.clients) == 0 {
		return
	}
	b, _ := json.Marshal(f)
	for c := range s.clients {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debug().Err(err).Msg("write frame")
		}
	}
}
