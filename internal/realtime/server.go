package realtime

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"pomotimer/internal/history"
	"pomotimer/internal/presets"
	"pomotimer/internal/protocol"
	"pomotimer/internal/session"
	"pomotimer/internal/timer"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufSize   = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// HistoryReader is the read side of the history store.
type HistoryReader interface {
	List(limit int) ([]history.Record, error)
	Stats(since time.Time) (history.Stats, error)
	Daily(from, to time.Time) ([]history.DayCount, error)
}

// Server manages WebSocket connections and routes messages between
// clients and the timer session manager.
type Server struct {
	sessionMgr *session.Manager
	history    HistoryReader
	clients    map[*client]bool
	clientsMu  sync.RWMutex
	staticDir  string

	// subscriptions tracks which timer subscriptions exist per client.
	// key: client, value: map[timerID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	server    *Server
}

// New creates a new realtime server. hist may be nil, in which case the
// history endpoints report 503.
func New(sessionMgr *session.Manager, hist HistoryReader, staticDir string) *Server {
	return &Server{
		sessionMgr:    sessionMgr,
		history:       hist,
		clients:       make(map[*client]bool),
		staticDir:     staticDir,
		subscriptions: make(map[*client]map[string]string),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// WebSocket endpoint.
	r.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/timers", s.handleCreateTimer).Methods(http.MethodPost)
	r.HandleFunc("/timers", s.handleListTimers).Methods(http.MethodGet)
	r.HandleFunc("/timers/{id}", s.handleGetTimer).Methods(http.MethodGet)
	r.HandleFunc("/timers/{id}", s.handleDeleteTimer).Methods(http.MethodDelete)
	r.HandleFunc("/timers/{id}/{command:start|pause|reset}", s.handleTimerCommand).Methods(http.MethodPost)
	r.HandleFunc("/presets", s.handleGetPresets).Methods(http.MethodGet)
	r.HandleFunc("/history", s.handleListHistory).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	// Static file serving.
	if s.staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(r)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		done:   make(chan struct{}),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send presets and the current timers to the new client.
	s.sendPresets(c)
	s.sendTimerList(c)

	// Subscribe the client to every live timer so it receives ticks for
	// timers created before this connection.
	for _, view := range s.sessionMgr.List() {
		s.subscribeClient(c, view.ID)
	}

	go c.writePump()
	go c.readPump()
}

// enqueue queues data for the client, dropping it if the buffer is full or
// the client is gone.
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

func (c *client) enqueueMessage(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	// Unsubscribe from all timers.
	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for timerID, subID := range subs {
		s.sessionMgr.Unsubscribe(timerID, subID)
	}

	c.close()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if errors.Is(err, protocol.ErrUnrecognizedType) {
		log.Printf("warning: ignoring unrecognized command %q", msg.Type)
		s.sendWarning(c, protocol.ErrUnrecognizedCommand, err.Error())
		return
	}
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeTimerCreate:
		s.handleWSCreate(c, msg)
	case protocol.TypeTimerStart:
		s.handleWSCommand(c, msg, timer.CommandStart)
	case protocol.TypeTimerPause:
		s.handleWSCommand(c, msg, timer.CommandPause)
	case protocol.TypeTimerReset:
		s.handleWSCommand(c, msg, timer.CommandReset)
	case protocol.TypeTimerClose:
		s.handleWSClose(c, msg)
	case protocol.TypePresetsRequest:
		s.sendPresets(c)
	}
}

func (s *Server) handleWSCreate(c *client, msg *protocol.Message) {
	var payload protocol.TimerCreatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	view, err := s.createTimer(payload)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}
	log.Printf("timer %s created (%s, %dms)", view.ID, view.Kind, view.TotalMs)
}

func (s *Server) handleWSCommand(c *client, msg *protocol.Message, kind timer.CommandKind) {
	var payload protocol.TimerCommandPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	if _, err := s.runCommand(payload.TimerID, kind, payload.Duration); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSClose(c *client, msg *protocol.Message) {
	var payload protocol.TimerCommandPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	if err := s.sessionMgr.Close(payload.TimerID); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

// createTimer creates a timer, announces it and subscribes every client.
func (s *Server) createTimer(payload protocol.TimerCreatePayload) (session.View, error) {
	kind, err := presets.ParseKind(payload.Kind)
	if err != nil {
		return session.View{}, err
	}

	seconds := s.sessionMgr.PresetSeconds(kind)
	if payload.Duration != nil {
		seconds = *payload.Duration
	}

	view, err := s.sessionMgr.Create(kind, seconds, payload.Label)
	if err != nil {
		return session.View{}, err
	}

	s.broadcastTimerUpdate(view)
	s.subscribeAllClients(view.ID)
	return view, nil
}

// runCommand applies a timer command. A nil duration keeps the timer's
// current total.
func (s *Server) runCommand(id string, kind timer.CommandKind, duration *float64) (session.View, error) {
	cmd := timer.Command{Kind: kind}
	if duration != nil {
		cmd.Duration = *duration
	} else if kind != timer.CommandPause {
		view, err := s.sessionMgr.Get(id)
		if err != nil {
			return session.View{}, err
		}
		cmd.Duration = float64(view.TotalMs) / 1000
	}
	return s.sessionMgr.Dispatch(id, cmd)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrTimerNotFound
	case errors.Is(err, session.ErrMaxTimers):
		return protocol.ErrMaxTimers
	case errors.Is(err, timer.ErrUnrecognizedCommand):
		return protocol.ErrUnrecognizedCommand
	}
	return protocol.ErrInvalidMessage
}

// sendTimerList sends the current timer state to a client.
func (s *Server) sendTimerList(c *client) {
	for _, view := range s.sessionMgr.List() {
		msg, err := protocol.NewMessage(protocol.TypeTimerUpdate, updatePayload(view))
		if err != nil {
			continue
		}
		c.enqueueMessage(msg)
	}
}

func (s *Server) sendPresets(c *client) {
	msg, err := protocol.NewMessage(protocol.TypePresetsUpdate, presetsPayload(s.sessionMgr.Presets()))
	if err != nil {
		return
	}
	c.enqueueMessage(msg)
}

// OnPresetsUpdate is the callback for the presets watcher.
func (s *Server) OnPresetsUpdate(p presets.Presets) {
	msg, err := protocol.NewMessage(protocol.TypePresetsUpdate, presetsPayload(p))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcastTimerUpdate sends a timer update to all connected clients.
func (s *Server) broadcastTimerUpdate(view session.View) {
	msg, err := protocol.NewMessage(protocol.TypeTimerUpdate, updatePayload(view))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(data)
	}
}

// subscribeAllClients subscribes all connected clients to a timer's events.
func (s *Server) subscribeAllClients(timerID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, timerID)
	}
}

// subscribeClient subscribes a single client to a timer's events.
func (s *Server) subscribeClient(c *client, timerID string) {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c][timerID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	s.subscriptionsMu.Unlock()

	subID, ch, _, err := s.sessionMgr.Subscribe(timerID)
	if err != nil {
		return
	}

	s.subscriptionsMu.Lock()
	if s.subscriptions[c] == nil {
		// Client went away while subscribing.
		s.subscriptionsMu.Unlock()
		s.sessionMgr.Unsubscribe(timerID, subID)
		return
	}
	s.subscriptions[c][timerID] = subID
	s.subscriptionsMu.Unlock()

	// Bring the client up to date with the latest tick.
	if tick, ok := s.sessionMgr.Latest(timerID, session.EventTick); ok {
		s.sendEvent(c, tick)
	}

	// Forward new events.
	go func() {
		for event := range ch {
			s.sendEvent(c, event)
		}

		s.subscriptionsMu.Lock()
		if subs := s.subscriptions[c]; subs != nil && subs[timerID] == subID {
			delete(subs, timerID)
		}
		s.subscriptionsMu.Unlock()
	}()
}

func (s *Server) sendEvent(c *client, event session.Event) {
	var (
		msg *protocol.Message
		err error
	)

	switch event.Type {
	case session.EventTick:
		msg, err = protocol.NewMessage(protocol.TypeTimerTick, protocol.TimerTickPayload{
			TimerID:    event.SessionID,
			TimeLeft:   event.Tick.TimeLeft,
			TimeLeftMs: event.Tick.TimeLeftMs,
			Progress:   event.Tick.Progress,
		})
	case session.EventComplete:
		msg, err = protocol.NewMessage(protocol.TypeTimerComplete, protocol.TimerCompletePayload{
			TimerID: event.SessionID,
			Kind:    string(event.Kind),
		})
	case session.EventUpdate:
		msg, err = protocol.NewMessage(protocol.TypeTimerUpdate, updatePayload(*event.View))
	case session.EventClosed:
		msg, err = protocol.NewMessage(protocol.TypeTimerClosed, protocol.TimerClosedPayload{
			TimerID: event.SessionID,
		})
	default:
		return
	}
	if err != nil {
		return
	}

	c.enqueueMessage(msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	c.enqueueMessage(msg)
}

func (s *Server) sendWarning(c *client, code, message string) {
	msg, _ := protocol.NewWarningMessage(code, message)
	c.enqueueMessage(msg)
}

func updatePayload(view session.View) protocol.TimerUpdatePayload {
	return protocol.TimerUpdatePayload{
		ID:            view.ID,
		Label:         view.Label,
		Kind:          string(view.Kind),
		Phase:         string(view.Phase),
		RemainingMs:   view.RemainingMs,
		TotalMs:       view.TotalMs,
		CompletedWork: view.CompletedWork,
		CreatedAt:     view.CreatedAt.Format(time.RFC3339Nano),
	}
}

func presetsPayload(p presets.Presets) protocol.PresetsPayload {
	return protocol.PresetsPayload{
		Work:           p.WorkDuration.Seconds(),
		ShortBreak:     p.ShortBreak.Seconds(),
		LongBreak:      p.LongBreak.Seconds(),
		LongBreakAfter: p.LongBreakAfter,
		AutoStartBreak: p.AutoStartBreak,
		AutoStartWork:  p.AutoStartWork,
	}
}
