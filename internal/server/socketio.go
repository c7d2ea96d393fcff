package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ayusman/rpscam/internal/server/api"
)

// Engine.IO protocol 4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// Socket.IO protocol 5 packet types, carried in Engine.IO messages.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

// Engine.IO error codes.
const (
	eioErrTransportUnknown = 0
	eioErrUnknownSID       = 1
	eioErrHandshakeMethod  = 2
	eioErrBadRequest       = 3
	eioErrVersion          = 5
)

const (
	DefaultPingInterval = 25 * time.Second
	DefaultPingTimeout  = 20 * time.Second

	sioMaxPayload = 1000000

	// recordSeparator joins packets in a long-polling payload.
	recordSeparator = "\x1e"
)

// SocketIO serves the push channel to Socket.IO clients (Engine.IO protocol
// 4) over long-polling with websocket upgrade, or websocket alone. Only the
// default namespace exists; client-emitted events are ignored.
type SocketIO struct {
	hub          *Hub
	logger       *slog.Logger
	PingInterval time.Duration
	PingTimeout  time.Duration

	mu       sync.Mutex
	sessions map[string]*sioSession
}

// NewSocketIO creates a Socket.IO endpoint publishing hub's events.
func NewSocketIO(hub *Hub, logger *slog.Logger) *SocketIO {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketIO{
		hub:          hub,
		logger:       logger.With("component", "socket.io"),
		PingInterval: DefaultPingInterval,
		PingTimeout:  DefaultPingTimeout,
		sessions:     make(map[string]*sioSession),
	}
}

// ServeHTTP dispatches Engine.IO requests by transport and session id.
func (s *SocketIO) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" {
		eioError(w, eioErrVersion, "Unsupported protocol version")
		return
	}

	sid := q.Get("sid")
	var sess *sioSession
	if sid != "" {
		if sess = s.lookup(sid); sess == nil {
			eioError(w, eioErrUnknownSID, "Session ID unknown")
			return
		}
	}

	switch q.Get("transport") {
	case "polling":
		switch {
		case sess == nil && r.Method == http.MethodGet:
			sess = s.open()
			writePayload(w, sess.openPacket(true))
		case sess == nil:
			eioError(w, eioErrHandshakeMethod, "Bad handshake method")
		case r.Method == http.MethodGet:
			sess.poll(w, r)
		case r.Method == http.MethodPost:
			sess.receive(w, r)
		default:
			eioError(w, eioErrBadRequest, "Bad request")
		}

	case "websocket":
		if sess != nil && sess.isUpgraded() {
			eioError(w, eioErrBadRequest, "Bad request")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		conn.SetReadLimit(sioMaxPayload)
		if sess == nil {
			s.serveWebsocket(conn)
		} else {
			sess.upgrade(conn)
		}

	default:
		eioError(w, eioErrTransportUnknown, "Transport unknown")
	}
}

// serveWebsocket runs a session that starts directly on a websocket.
func (s *SocketIO) serveWebsocket(conn *websocket.Conn) {
	sess := s.open()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sess.openPacket(false))); err != nil {
		sess.close("open failed")
		conn.Close()
		return
	}

	if !sess.attach(conn) {
		conn.Close()
		return
	}
	go sess.writeLoop(conn)
	sess.readLoop(conn)
}

func (s *SocketIO) open() *sioSession {
	sess := &sioSession{
		srv:      s,
		sid:      uuid.NewString(),
		changed:  make(chan struct{}),
		closed:   make(chan struct{}),
		lastPong: time.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.sid] = sess
	s.mu.Unlock()

	go sess.heartbeat()
	s.logger.Debug("session opened", "sid", sess.sid)
	return sess
}

func (s *SocketIO) lookup(sid string) *sioSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sid]
}

func (s *SocketIO) forget(sid string) {
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
}

func (s *SocketIO) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// sioSession is one Engine.IO session. Outbound packets are queued and
// drained by whichever transport is active: poll requests before the
// upgrade, writeLoop after it.
type sioSession struct {
	srv *SocketIO
	sid string

	mu        sync.Mutex
	sub       *subscriber
	queue     []string
	changed   chan struct{} // closed and replaced on every queue or state change
	polling   bool
	upgrading bool
	upgraded  bool
	conn      *websocket.Conn
	lastPong  time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func (s *sioSession) openPacket(polling bool) string {
	upgrades := []string{}
	if polling {
		upgrades = append(upgrades, "websocket")
	}
	data, _ := json.Marshal(struct {
		SID          string   `json:"sid"`
		Upgrades     []string `json:"upgrades"`
		PingInterval int64    `json:"pingInterval"`
		PingTimeout  int64    `json:"pingTimeout"`
		MaxPayload   int      `json:"maxPayload"`
	}{
		SID:          s.sid,
		Upgrades:     upgrades,
		PingInterval: s.srv.PingInterval.Milliseconds(),
		PingTimeout:  s.srv.PingTimeout.Milliseconds(),
		MaxPayload:   sioMaxPayload,
	})
	return string(eioOpen) + string(data)
}

// notifyLocked wakes every waiter. s.mu must be held.
func (s *sioSession) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *sioSession) enqueue(packets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}
	s.queue = append(s.queue, packets...)
	s.notifyLocked()
}

func (s *sioSession) isUpgraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgraded
}

// poll answers a long-polling GET with the queued packets, waiting for some
// if the queue is empty.
func (s *sioSession) poll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.polling || s.upgraded {
		s.mu.Unlock()
		eioError(w, eioErrBadRequest, "Bad request")
		s.close("overlapping poll")
		return
	}
	s.polling = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.polling = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		switch {
		case s.upgraded || s.upgrading:
			// Let the client pause polling so the upgrade can complete.
			s.mu.Unlock()
			writePayload(w, string(eioNoop))
			return
		case len(s.queue) > 0:
			packets := s.queue
			s.queue = nil
			s.mu.Unlock()
			writePayload(w, strings.Join(packets, recordSeparator))
			return
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-s.closed:
			writePayload(w, string(eioClose))
			return
		case <-r.Context().Done():
			return
		}
	}
}

// receive handles a long-polling POST carrying one or more packets.
func (s *sioSession) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, sioMaxPayload+1))
	if err != nil || len(body) > sioMaxPayload {
		eioError(w, eioErrBadRequest, "Bad request")
		s.close("bad payload")
		return
	}

	for _, pkt := range strings.Split(string(body), recordSeparator) {
		s.handle(pkt)
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("ok"))
}

func (s *sioSession) handle(pkt string) {
	if pkt == "" {
		return
	}

	switch pkt[0] {
	case eioPong:
		s.mu.Lock()
		s.lastPong = time.Now()
		s.mu.Unlock()
	case eioPing:
		s.enqueue(string(eioPong) + pkt[1:])
	case eioClose:
		s.close("client closed")
	case eioMessage:
		s.handleSocketIO(pkt[1:])
	}
}

func (s *sioSession) handleSocketIO(p string) {
	if p == "" {
		return
	}

	ns := namespace(p[1:])
	switch p[0] {
	case sioConnect:
		if ns != "/" {
			s.enqueue(string(eioMessage) + string(sioConnectError) + ns + `,{"message":"Invalid namespace"}`)
			return
		}
		s.connect()
	case sioDisconnect:
		if ns == "/" {
			s.close("client disconnected")
		}
	}
}

// namespace extracts the namespace of a Socket.IO packet body.
func namespace(body string) string {
	if !strings.HasPrefix(body, "/") {
		return "/"
	}
	if i := strings.IndexByte(body, ','); i >= 0 {
		return body[:i]
	}
	return body
}

// connect joins the default namespace and subscribes the session to the hub.
func (s *sioSession) connect() {
	s.mu.Lock()
	if s.sub != nil {
		id := s.sub.id
		s.mu.Unlock()
		s.enqueue(connectAck(id))
		return
	}
	sub := newSubscriber()
	s.sub = sub
	s.mu.Unlock()

	hello, _ := encodeEvent(connectedEvent(sub.id))
	s.enqueue(connectAck(sub.id), hello)

	if !s.srv.hub.subscribe(sub) {
		s.close("hub stopped")
		return
	}
	select {
	case <-s.closed:
		// Closed while subscribing.
		s.srv.hub.unsubscribe(sub)
		return
	default:
	}

	go s.forward(sub)
}

func connectAck(id string) string {
	data, _ := json.Marshal(map[string]string{"sid": id})
	return string(eioMessage) + string(sioConnect) + string(data)
}

// forward turns hub events into Socket.IO event packets until the hub
// closes the subscriber.
func (s *sioSession) forward(sub *subscriber) {
	for ev := range sub.send {
		pkt, err := encodeEvent(ev)
		if err != nil {
			s.srv.logger.Warn("failed to encode event", "event", ev.Name, "error", err)
			continue
		}
		s.enqueue(pkt)
	}
	s.close("dropped by hub")
}

func encodeEvent(ev Event) (string, error) {
	data, err := json.Marshal([]any{ev.Name, ev.Data})
	if err != nil {
		return "", err
	}
	return string(eioMessage) + string(sioEvent) + string(data), nil
}

// upgrade moves a polling session onto conn once the client has checked
// the websocket with a ping/pong round trip.
func (s *sioSession) upgrade(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(s.srv.PingTimeout))

	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != string(eioPing)+"probe" {
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(string(eioPong)+"probe")); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.upgrading = true
	s.notifyLocked()
	s.mu.Unlock()

	_, msg, err = conn.ReadMessage()
	if err != nil || string(msg) != string(eioUpgrade) {
		s.mu.Lock()
		s.upgrading = false
		s.mu.Unlock()
		conn.Close()
		return
	}

	if !s.attach(conn) {
		conn.Close()
		return
	}
	go s.writeLoop(conn)
	s.readLoop(conn)
}

// attach makes conn the session transport. It reports false if the session
// has already closed.
func (s *sioSession) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return false
	default:
	}
	s.conn = conn
	s.upgraded = true
	s.upgrading = false
	s.notifyLocked()
	return true
}

// writeLoop is the only writer of conn once the session is attached.
func (s *sioSession) writeLoop(conn *websocket.Conn) {
	for {
		s.mu.Lock()
		packets := s.queue
		s.queue = nil
		changed := s.changed
		s.mu.Unlock()

		for _, p := range packets {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				s.close("write failed")
				return
			}
		}

		select {
		case <-changed:
		case <-s.closed:
			return
		}
	}
}

func (s *sioSession) readLoop(conn *websocket.Conn) {
	defer s.close("transport closed")

	for {
		conn.SetReadDeadline(time.Now().Add(s.srv.PingInterval + s.srv.PingTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handle(string(msg))
	}
}

// heartbeat pings the client every PingInterval and closes the session when
// no pong arrived within PingInterval+PingTimeout.
func (s *sioSession) heartbeat() {
	t := time.NewTicker(s.srv.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			s.mu.Lock()
			last := s.lastPong
			s.mu.Unlock()

			if time.Since(last) > s.srv.PingInterval+s.srv.PingTimeout {
				s.close("ping timeout")
				return
			}
			s.enqueue(string(eioPing))
		}
	}
}

func (s *sioSession) close(reason string) {
	s.closeOnce.Do(func() {
		s.srv.forget(s.sid)

		s.mu.Lock()
		close(s.closed)
		sub := s.sub
		conn := s.conn
		s.mu.Unlock()

		if sub != nil {
			s.srv.hub.unsubscribe(sub)
		}
		if conn != nil {
			conn.Close()
		}
		s.srv.logger.Debug("session closed", "sid", s.sid, "reason", reason)
	})
}

func writePayload(w http.ResponseWriter, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.Write([]byte(payload))
}

func eioError(w http.ResponseWriter, code int, message string) {
	api.WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
		"code":    code,
		"message": message,
	})
}
