// Package relay implements the pairing hub that connection-oriented devices
// and their controlling apps meet on. Each socket gets a generated client id;
// a bind request pairs two ids, and msg frames are forwarded between the pair
// until one side drops.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"stim-hub/internal/dglab"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 4096
	sendQueueDepth = 32
)

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan dglab.Message
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Server is the relay hub. It implements http.Handler and upgrades every
// request to a socket session.
type Server struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	pairs   map[string]string
}

// NewServer builds an empty hub.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		pairs:   make(map[string]string),
	}
}

// ClientCount reports how many sockets are currently registered.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close drops every connected client. The handler itself stays usable;
// callers should stop routing requests here first.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("socket upgrade failed", "error", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan dglab.Message, sendQueueDepth),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	go c.writePump()

	// Announce the assigned id before anything else flows.
	c.send <- dglab.Message{Type: dglab.TypeBind, ClientID: c.id, Message: dglab.SessionAssignSentinel}
	s.log.Info("relay client joined", "client", c.id)
	s.serve(c)
}

func (s *Server) serve(c *client) {
	defer s.unregister(c)
	c.conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg dglab.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.deliver(c.id, dglab.Message{Type: dglab.TypeError, ClientID: c.id, Message: dglab.CodeNotJSON})
			continue
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *client, msg dglab.Message) {
	switch msg.Type {
	case dglab.TypeBind:
		s.bind(c, msg)
	case dglab.TypeMsg:
		s.relayMsg(c, msg)
	case dglab.TypeHeartbeat:
		s.deliver(c.id, dglab.Message{Type: dglab.TypeHeartbeat, ClientID: msg.ClientID, TargetID: msg.TargetID, Message: dglab.CodeOK})
	case dglab.TypeBreak:
		s.breakPair(c, msg)
	default:
		s.deliver(c.id, dglab.Message{Type: dglab.TypeError, ClientID: c.id, Message: dglab.CodeNotJSON})
	}
}

// bind pairs the two ids named in the frame. The requester must be one of
// them, both must be online, and neither may already hold a different pair.
func (s *Server) bind(c *client, msg dglab.Message) {
	reject := func(code string) {
		s.deliver(c.id, dglab.Message{Type: dglab.TypeBind, ClientID: msg.ClientID, TargetID: msg.TargetID, Message: code})
	}
	if msg.ClientID == "" || msg.TargetID == "" || msg.ClientID == msg.TargetID {
		reject(dglab.CodeAlreadyBound)
		return
	}
	if c.id != msg.ClientID && c.id != msg.TargetID {
		reject(dglab.CodeNotBoundPair)
		return
	}
	s.mu.Lock()
	_, haveClient := s.clients[msg.ClientID]
	_, haveTarget := s.clients[msg.TargetID]
	if !haveClient || !haveTarget {
		s.mu.Unlock()
		reject(dglab.CodeTargetMissing)
		return
	}
	if peer, bound := s.pairs[msg.ClientID]; bound && peer != msg.TargetID {
		s.mu.Unlock()
		reject(dglab.CodeAlreadyBound)
		return
	}
	if peer, bound := s.pairs[msg.TargetID]; bound && peer != msg.ClientID {
		s.mu.Unlock()
		reject(dglab.CodeAlreadyBound)
		return
	}
	s.pairs[msg.ClientID] = msg.TargetID
	s.pairs[msg.TargetID] = msg.ClientID
	s.mu.Unlock()

	ok := dglab.Message{Type: dglab.TypeBind, ClientID: msg.ClientID, TargetID: msg.TargetID, Message: dglab.CodeOK}
	s.deliver(msg.ClientID, ok)
	s.deliver(msg.TargetID, ok)
	s.log.Info("relay pair bound", "client", msg.ClientID, "target", msg.TargetID)
}

// relayMsg forwards a data frame to the sender's bound peer.
func (s *Server) relayMsg(c *client, msg dglab.Message) {
	reject := func(code string) {
		s.deliver(c.id, dglab.Message{Type: dglab.TypeError, ClientID: msg.ClientID, TargetID: msg.TargetID, Message: code})
	}
	if len(msg.Message) > dglab.MaxMessageLen {
		reject(dglab.CodeMessageTooLong)
		return
	}
	s.mu.Lock()
	peer, bound := s.pairs[c.id]
	s.mu.Unlock()
	if !bound {
		reject(dglab.CodeNotBoundPair)
		return
	}
	forwarded := dglab.Message{Type: dglab.TypeMsg, ClientID: c.id, TargetID: peer, Message: msg.Message}
	if !s.deliver(peer, forwarded) {
		reject(dglab.CodeRecipientOffline)
	}
}

// breakPair dissolves the sender's pair on request. The peer stays connected
// and is told its counterpart left.
func (s *Server) breakPair(c *client, _ dglab.Message) {
	s.mu.Lock()
	peer, bound := s.pairs[c.id]
	if bound {
		delete(s.pairs, c.id)
		delete(s.pairs, peer)
	}
	s.mu.Unlock()
	if !bound {
		return
	}
	s.deliver(c.id, dglab.Message{Type: dglab.TypeBreak, ClientID: c.id, TargetID: peer, Message: dglab.CodeOK})
	s.deliver(peer, dglab.Message{Type: dglab.TypeBreak, ClientID: peer, TargetID: c.id, Message: dglab.CodePeerGone})
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	peer, bound := s.pairs[c.id]
	if bound {
		delete(s.pairs, c.id)
		delete(s.pairs, peer)
	}
	s.mu.Unlock()

	c.close()
	if bound {
		s.deliver(peer, dglab.Message{Type: dglab.TypeBreak, ClientID: peer, TargetID: c.id, Message: dglab.CodePeerGone})
	}
	s.log.Info("relay client left", "client", c.id, "was_bound", bound)
}

// deliver queues a frame for one client. A client that cannot keep up with
// its queue is dropped, mirroring how the peer loss path works.
func (s *Server) deliver(id string, msg dglab.Message) bool {
	s.mu.Lock()
	c, ok := s.clients[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		s.log.Warn("relay client too slow, dropping", "client", id)
		_ = c.conn.Close()
		return false
	}
}
