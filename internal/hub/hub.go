// Package hub is the network-facing transport: it upgrades client
// connections to websockets, dispatches their calls to the meeting service,
// and pushes events back out. It holds no meeting logic of its own.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/sugartalk/meet/internal/config"
	"github.com/sugartalk/meet/internal/domain"
	"github.com/sugartalk/meet/internal/meeting"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrNotConnected = errors.New("connection not registered")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Hub struct {
	svc   *meeting.Service
	cfg   *config.Config
	users UserResolver

	mu    sync.RWMutex
	conns map[domain.ConnectionID]*wsConn
}

func NewHub(cfg *config.Config, users UserResolver) *Hub {
	return &Hub{
		cfg:   cfg,
		users: users,
		conns: make(map[domain.ConnectionID]*wsConn),
	}
}

// SetService closes the hub/service cycle: the service notifies through the
// hub, the hub dispatches into the service. Called once during wiring,
// before the router starts serving.
func (h *Hub) SetService(svc *meeting.Service) {
	h.svc = svc
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

// Send implements meeting.Notifier.
func (h *Hub) Send(connectionID domain.ConnectionID, evt meeting.Event) error {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.TrySend(data)
}

// HandleMeeting serves one client for the lifetime of its websocket.
func (h *Hub) HandleMeeting(ctx context.Context, c *gin.Context) {
	number := domain.MeetingNumber(c.Query("meetingNumber"))
	if number == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "meetingNumber is required"})
		return
	}
	userName := c.Query("userName")
	if len(userName) > domain.MaxDisplayNameLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrDisplayNameTooLong.Error()})
		return
	}

	user, err := h.users.Resolve(ctx, c.GetString("client_token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "identity resolution failed"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "hub").Err(err).Msg("ws upgrade failed")
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	connID := domain.ConnectionID(uuid.NewString())
	conn := &wsConn{conn: ws, send: make(chan []byte, 32)}
	h.mu.Lock()
	h.conns[connID] = conn
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)

	local, others, err := h.svc.Connect(ctx, number, connID, user, userName)
	if err != nil {
		log.Warn().Str("module", "hub").Str("meeting", string(number)).Err(err).Msg("connect failed")
		// The write pump is not running yet, so write the failure frame
		// directly; queueing it would race the close below.
		if data, merr := json.Marshal(meeting.Event{Type: "error", Data: errorPayload{Operation: "connect", Message: err.Error()}}); merr == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = ws.WriteMessage(websocket.TextMessage, data)
		}
		h.drop(connID, conn, cancel)
		return
	}
	go h.writePump(ctx, conn)

	h.sendEvent(connID, meeting.Event{Type: meeting.EventLocalUser, Data: local})
	h.sendEvent(connID, meeting.Event{Type: meeting.EventOtherUsers, Data: others})

	h.readPump(ctx, number, connID, conn, cancel)
}

func (h *Hub) drop(connID domain.ConnectionID, conn *wsConn, cancel context.CancelFunc) {
	h.mu.Lock()
	delete(h.conns, connID)
	h.mu.Unlock()
	cancel()
	conn.Close()
}

func (h *Hub) readPump(ctx context.Context, number domain.MeetingNumber, connID domain.ConnectionID, conn *wsConn, cancel context.CancelFunc) {
	defer func() {
		if err := h.svc.Disconnect(context.WithoutCancel(ctx), number, connID); err != nil {
			log.Warn().Str("module", "hub").Str("conn", string(connID)).Err(err).Msg("disconnect failed")
		}
		h.drop(connID, conn, cancel)
	}()

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			log.Debug().Str("module", "hub").Str("conn", string(connID)).Err(err).Msg("read loop ended")
			return
		}
		h.dispatch(ctx, number, connID, data)
	}
}

func (h *Hub) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, number domain.MeetingNumber, connID domain.ConnectionID, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Str("module", "hub").Str("conn", string(connID)).Err(err).Msg("bad envelope")
		return
	}

	switch env.Type {
	case "connectionEstablished":
		h.handleConnectionEstablished(ctx, number, connID, data)
	case "processOffer":
		h.handleProcessOffer(ctx, number, connID, data)
	case "processCandidate":
		h.handleProcessCandidate(ctx, number, connID, data)
	default:
		log.Debug().Str("module", "hub").Str("type", env.Type).Msg("unknown message type")
	}
}

func (h *Hub) handleConnectionEstablished(ctx context.Context, number domain.MeetingNumber, connID domain.ConnectionID, data []byte) {
	var p struct {
		IsRecreated bool `json:"isRecreated"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if err := h.svc.ConnectionEstablished(ctx, number, connID, p.IsRecreated); err != nil {
		h.sendError(connID, "connectionEstablished", err)
	}
}

func (h *Hub) handleProcessOffer(ctx context.Context, number domain.MeetingNumber, connID domain.ConnectionID, data []byte) {
	var p struct {
		TargetConnectionID string `json:"targetConnectionId"`
		OfferSDP           string `json:"offerSdp"`
		IsNew              bool   `json:"isNew"`
		IsSharingCamera    bool   `json:"isSharingCamera"`
		IsSharingScreen    bool   `json:"isSharingScreen"`
		PeerConnectionID   string `json:"peerConnectionId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	target := domain.ConnectionID(p.TargetConnectionID)
	if target == "" {
		target = connID
	}
	err := h.svc.ProcessOffer(ctx, number, connID, meeting.OfferRequest{
		TargetConnectionID: target,
		OfferSDP:           p.OfferSDP,
		IsNew:              p.IsNew,
		IsSharingCamera:    p.IsSharingCamera,
		IsSharingScreen:    p.IsSharingScreen,
		PeerConnectionID:   domain.ConnectionID(p.PeerConnectionID),
	})
	if err != nil {
		h.sendError(connID, "processOffer", err)
	}
}

func (h *Hub) handleProcessCandidate(ctx context.Context, number domain.MeetingNumber, connID domain.ConnectionID, data []byte) {
	var p struct {
		TargetConnectionID string                  `json:"targetConnectionId"`
		Candidate          webrtc.ICECandidateInit `json:"candidate"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	target := domain.ConnectionID(p.TargetConnectionID)
	if target == "" {
		target = connID
	}
	if err := h.svc.ProcessCandidate(ctx, number, connID, target, p.Candidate); err != nil {
		h.sendError(connID, "processCandidate", err)
	}
}

type errorPayload struct {
	Operation string `json:"operation"`
	Message   string `json:"message"`
}

// sendError reports an operation failure to the acting client only.
func (h *Hub) sendError(connID domain.ConnectionID, op string, err error) {
	h.sendEvent(connID, meeting.Event{Type: "error", Data: errorPayload{Operation: op, Message: err.Error()}})
}

func (h *Hub) sendEvent(connID domain.ConnectionID, evt meeting.Event) {
	if err := h.Send(connID, evt); err != nil {
		log.Debug().Str("module", "hub").Str("conn", string(connID)).Str("event", string(evt.Type)).Err(err).Msg("send dropped")
	}
}
