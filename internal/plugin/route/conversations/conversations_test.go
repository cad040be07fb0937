package conversations_test

import (
	"net/http"
	"testing"

	"github.com/chirino/chat-service/internal/service"
	"github.com/chirino/chat-service/internal/testutil/testapi"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationRoutes(t *testing.T) {
	api := testapi.New(t)
	alice, aliceToken := api.User(t, "alice")
	bob, bobToken := api.User(t, "bob")
	_, carolToken := api.User(t, "carol")

	w, env := api.Do(t, http.MethodPost, "/v1/conversations", aliceToken, map[string]any{
		"name":         "pair",
		"participants": []string{bob.ID},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 200, env.Code)
	created := testapi.Decode[service.CreatedConversation](t, env)
	assert.ElementsMatch(t, []string{alice.ID, bob.ID}, created.Participants)
	convPath := "/v1/conversations/" + created.ConversationID.String()

	_, err := api.Store.CreateMessage(api.Ctx, created.ConversationID, alice.ID, "hello bob")
	require.NoError(t, err)

	t.Run("list", func(t *testing.T) {
		w, env := api.Do(t, http.MethodGet, "/v1/conversations", bobToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		views := testapi.Decode[[]service.ConversationView](t, env)
		require.Len(t, views, 1)
		assert.EqualValues(t, 1, views[0].UnreadCount)
		require.NotNil(t, views[0].LastMessage)
		assert.Equal(t, "alice", views[0].LastMessage.Sender.Username)
	})

	t.Run("get", func(t *testing.T) {
		w, env := api.Do(t, http.MethodGet, convPath, aliceToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		view := testapi.Decode[service.ConversationView](t, env)
		assert.Equal(t, "pair", view.Name)
	})

	t.Run("history", func(t *testing.T) {
		w, env := api.Do(t, http.MethodGet, convPath+"/messages", bobToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		history := testapi.Decode[[]service.MessageView](t, env)
		require.Len(t, history, 1)
		assert.Equal(t, "hello bob", history[0].Content)
		assert.False(t, history[0].IsRead)
	})

	t.Run("mark conversation read", func(t *testing.T) {
		w, env := api.Do(t, http.MethodPost, convPath+"/read", bobToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "all messages marked as read", env.Message)
		assert.EqualValues(t, 1, testapi.Decode[map[string]int64](t, env)["marked"])
	})

	t.Run("non participant sees not found", func(t *testing.T) {
		for _, path := range []string{convPath, convPath + "/messages"} {
			w, env := api.Do(t, http.MethodGet, path, carolToken, nil)
			assert.Equal(t, http.StatusNotFound, w.Code, path)
			assert.Equal(t, 404, env.Code)
		}
		w, _ := api.Do(t, http.MethodPost, convPath+"/read", carolToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown or malformed id", func(t *testing.T) {
		w, _ := api.Do(t, http.MethodGet, "/v1/conversations/"+uuid.NewString(), aliceToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		w, _ = api.Do(t, http.MethodGet, "/v1/conversations/not-a-uuid", aliceToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown participant", func(t *testing.T) {
		w, env := api.Do(t, http.MethodPost, "/v1/conversations", aliceToken, map[string]any{"participants": []string{"ghost"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, 400, env.Code)
	})

	t.Run("requires authentication", func(t *testing.T) {
		w, env := api.Do(t, http.MethodGet, "/v1/conversations", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, 401, env.Code)
		w, _ = api.Do(t, http.MethodGet, "/v1/conversations", "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
