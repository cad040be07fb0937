package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "userID"
	// ContextKeyUsername is the gin context key for the authenticated username.
	ContextKeyUsername = "username"
	// ContextKeyConversationID is set by RequireParticipant once membership is confirmed.
	ContextKeyConversationID = "conversationID"
)

// CodeAccountDisabled is the envelope code returned for inactive accounts.
const CodeAccountDisabled = 100001

// AccountLookup loads the account behind a verified token.
type AccountLookup interface {
	GetUser(ctx context.Context, userID string) (*model.User, error)
	EnsureUser(ctx context.Context, userID string, username string) (*model.User, error)
}

// MembershipChecker answers conversation membership questions.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error)
}

// ExtractBearer returns the token from an Authorization header of the form "<prefix> <token>".
// The prefix comparison is case-insensitive.
func ExtractBearer(header, prefix string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: missing Authorization header", ErrInvalidCredential)
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("%w: invalid Authorization header", ErrInvalidCredential)
	}
	if !strings.EqualFold(parts[0], prefix) {
		return "", fmt.Errorf("%w: invalid Authorization header; expected %s token", ErrInvalidCredential, prefix)
	}
	return parts[1], nil
}

// StreamToken reads a streaming client's token from the "token" query parameter,
// falling back to the first Sec-WebSocket-Protocol value. viaProtocol is the
// subprotocol to echo back when the token came from that header.
func StreamToken(r *http.Request) (token string, viaProtocol string) {
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	header := r.Header.Get("Sec-WebSocket-Protocol")
	if header == "" {
		return "", ""
	}
	first := strings.TrimSpace(strings.Split(header, ",")[0])
	return first, first
}

// Authenticate verifies the token and loads the active account it names.
func Authenticate(ctx context.Context, gate *Gate, users AccountLookup, token string) (*model.User, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidCredential)
	}
	id, err := gate.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	var user *model.User
	if id.External {
		user, err = users.EnsureUser(ctx, id.UserID, id.Username)
	} else {
		user, err = users.GetUser(ctx, id.UserID)
	}
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: user not found", ErrInvalidCredential)
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}
	return user, nil
}

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetUsername returns the authenticated username from the gin context.
func GetUsername(c *gin.Context) string {
	return c.GetString(ContextKeyUsername)
}

// GetConversationID returns the conversation confirmed by RequireParticipant.
func GetConversationID(c *gin.Context) uuid.UUID {
	v, _ := c.Get(ContextKeyConversationID)
	id, _ := v.(uuid.UUID)
	return id
}

// SetIdentity records the authenticated user on the gin context.
func SetIdentity(c *gin.Context, user *model.User) {
	c.Set(ContextKeyUserID, user.ID)
	c.Set(ContextKeyUsername, user.Username)
}

// AuthMiddleware extracts the bearer token, verifies it and loads the account.
func AuthMiddleware(gate *Gate, users AccountLookup, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := ExtractBearer(c.GetHeader("Authorization"), prefix)
		if err == nil {
			var user *model.User
			user, err = Authenticate(c.Request.Context(), gate, users, token)
			if err == nil {
				SetIdentity(c, user)
				c.Next()
				return
			}
		}
		AbortUnauthenticated(c, err)
	}
}

// AbortUnauthenticated writes the 401 envelope for an authentication failure.
func AbortUnauthenticated(c *gin.Context, err error) {
	log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
	switch {
	case errors.Is(err, ErrAccountDisabled):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": CodeAccountDisabled, "message": "User account is disabled"})
	case errors.Is(err, ErrInvalidCredential):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "Authentication credentials were not provided or are invalid."})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Internal Server Error", "data": gin.H{"error": err.Error()}})
	}
}

// RequireParticipant rejects callers who are not members of the :conversationId
// conversation. Missing conversations and non-members look the same.
func RequireParticipant(members MembershipChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		notFound := gin.H{"code": http.StatusNotFound, "message": "Not found."}
		id, err := uuid.Parse(c.Param("conversationId"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, notFound)
			return
		}
		ok, err := members.IsParticipant(c.Request.Context(), id, GetUserID(c))
		if err != nil {
			log.Error("Participant check failed", "conversation", id, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Internal Server Error", "data": gin.H{"error": err.Error()}})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, notFound)
			return
		}
		c.Set(ContextKeyConversationID, id)
		c.Next()
	}
}
