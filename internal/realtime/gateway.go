package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// CloseNotParticipant is the close code sent when the user may not join the conversation.
const CloseNotParticipant = 4003

// MessageWriter persists inbound messages.
type MessageWriter interface {
	CreateMessage(ctx context.Context, conversationID uuid.UUID, senderID string, content string) (*model.Message, error)
}

// SenderView is the sender as shown in a delivered message.
type SenderView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// MessageFrame is a message as delivered to streaming clients.
type MessageFrame struct {
	ID        uuid.UUID  `json:"id"`
	Sender    SenderView `json:"sender"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	IsRead    bool       `json:"is_read"`
}

type outboundFrame struct {
	Message MessageFrame `json:"message"`
}

type inboundFrame struct {
	Message *string `json:"message"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// Gateway runs streaming sessions: it admits them, persists what they send and
// broadcasts the result to the conversation.
type Gateway struct {
	router     *Router
	messages   MessageWriter
	sendBuffer int
	upgrader   websocket.Upgrader
}

// NewGateway creates a gateway. allowedOrigins is a comma-separated list; "*" allows any origin.
func NewGateway(router *Router, messages MessageWriter, sendBuffer int, allowedOrigins string) *Gateway {
	return &Gateway{
		router:     router,
		messages:   messages,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed string) func(r *http.Request) bool {
	var origins []string
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Upgrade switches the request to a websocket. A non-empty subprotocol is echoed
// back as the negotiated protocol.
func (g *Gateway) Upgrade(w http.ResponseWriter, r *http.Request, subprotocol string) (*websocket.Conn, error) {
	var header http.Header
	if subprotocol != "" {
		header = http.Header{"Sec-WebSocket-Protocol": {subprotocol}}
	}
	return g.upgrader.Upgrade(w, r, header)
}

// Serve runs one session until the client disconnects or the router closes it.
func (g *Gateway) Serve(ctx context.Context, ws *websocket.Conn, userID, username string, conversationID uuid.UUID) {
	conn := NewConnection(ws, g.sendBuffer)
	s := NewSession(userID, username, conversationID, conn)

	if err := g.router.Admit(ctx, s); err != nil {
		if errors.Is(err, ErrNotAuthorized) {
			conn.Close(CloseNotParticipant, "not a participant")
			return
		}
		if errors.Is(err, ErrRouterClosed) {
			conn.Close(websocket.CloseGoingAway, "server shutdown")
			return
		}
		log.Error("Admission failed", "session", s.ID, "conversation", conversationID, "err", err)
		conn.Close(websocket.CloseInternalServerErr, "internal error")
		return
	}
	conn.Start()
	defer func() {
		g.router.Dismiss(s)
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	conn.prepareRead()
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("Session read failed", "session", s.ID, "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !g.Receive(ctx, s, data) {
			return
		}
	}
}

// Receive handles one inbound frame. It stores the message before broadcasting it.
// It returns false when the session must end.
func (g *Gateway) Receive(ctx context.Context, s *Session, frame []byte) bool {
	var in inboundFrame
	if err := json.Unmarshal(frame, &in); err != nil || in.Message == nil {
		g.reply(s, errorFrame{Error: "invalid message format"})
		return true
	}

	msg, err := g.messages.CreateMessage(ctx, s.ConversationID, s.UserID, *in.Message)
	if err != nil {
		var notParticipant *registrystore.NotParticipantError
		if errors.As(err, &notParticipant) {
			s.Close(CloseNotParticipant, "not a participant")
			return false
		}
		log.Error("Failed to store message", "session", s.ID, "conversation", s.ConversationID, "err", err)
		g.reply(s, errorFrame{Error: "failed to send message"})
		return true
	}

	payload, err := json.Marshal(outboundFrame{Message: MessageFrame{
		ID:        msg.ID,
		Sender:    SenderView{ID: s.UserID, Username: s.Username},
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		IsRead:    false,
	}})
	if err != nil {
		log.Error("Failed to encode message", "message", msg.ID, "err", err)
		return true
	}
	if err := g.router.Broadcast(ctx, s.ConversationID, payload); err != nil {
		log.Error("Broadcast failed", "message", msg.ID, "conversation", s.ConversationID, "err", err)
	}
	return true
}

func (g *Gateway) reply(s *Session, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.Send(payload); err != nil {
		log.Warn("Delivery failed", "session", s.ID, "conversation", s.ConversationID, "err", err)
	}
}
