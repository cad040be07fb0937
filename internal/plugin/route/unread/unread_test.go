package unread_test

import (
	"net/http"
	"testing"

	"github.com/chirino/chat-service/internal/testutil/testapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnreadRoutes(t *testing.T) {
	api := testapi.New(t)
	alice, aliceToken := api.User(t, "alice")
	bob, bobToken := api.User(t, "bob")
	_, carolToken := api.User(t, "carol")

	conv, err := api.Store.CreateConversation(api.Ctx, alice.ID, "", false, []string{bob.ID})
	require.NoError(t, err)
	for _, text := range []string{"one", "two"} {
		_, err := api.Store.CreateMessage(api.Ctx, conv.ID, alice.ID, text)
		require.NoError(t, err)
	}

	unread := func(token, path string) (int, int64) {
		w, env := api.Do(t, http.MethodGet, path, token, nil)
		if w.Code != http.StatusOK {
			return w.Code, 0
		}
		return w.Code, testapi.Decode[map[string]int64](t, env)["unread_count"]
	}

	status, n := unread(bobToken, "/v1/unread")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, n)

	status, n = unread(bobToken, "/v1/unread/"+conv.ID.String())
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, n)

	// The sender's own messages are never unread for the sender.
	status, n = unread(aliceToken, "/v1/unread")
	require.Equal(t, http.StatusOK, status)
	assert.Zero(t, n)

	status, _ = unread(carolToken, "/v1/unread/"+conv.ID.String())
	assert.Equal(t, http.StatusNotFound, status)
}
