package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"agora/internal/models"
	"agora/internal/realtime"
	"agora/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, typ string, payload interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"type": typ, "payload": payload})
	require.NoError(t, err)
	return raw
}

func (e *testEnv) connect(userID uint) *fakeConn {
	conn := newFakeConn(userID)
	e.srv.registry.Register(context.Background(), userID, conn)
	return conn
}

func TestHandleFrame_Typing(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.users[0], env.users[1]
	env.connect(a.ID)
	connB := env.connect(b.ID)
	key := models.DirectConversationKey(a.ID, b.ID)

	reply := env.srv.handleFrame(context.Background(), a.ID, frame(t, frameTyping, map[string]interface{}{
		"conversationId": key,
		"isTyping":       true,
	}))
	assert.Nil(t, reply)

	updates := connB.payloads(realtime.EventTypingUpdate)
	require.Len(t, updates, 1)
	var p realtime.TypingPayload
	require.NoError(t, json.Unmarshal(updates[0], &p))
	assert.Equal(t, key, p.ConversationID)
	assert.Equal(t, []uint{a.ID}, p.TypingUserIDs)

	assert.Eventually(t, func() bool {
		return len(env.srv.typing.Typing(key)) == 0
	}, time.Second, 10*time.Millisecond, "typing clears after the inactivity timeout")
}

func TestHandleFrame_TypingRejectsOutsider(t *testing.T) {
	env := newTestEnv(t)
	a, b, outsider := env.users[0], env.users[1], env.users[2]

	reply := env.srv.handleFrame(context.Background(), outsider.ID, frame(t, frameTyping, map[string]interface{}{
		"conversationId": models.DirectConversationKey(a.ID, b.ID),
		"isTyping":       true,
	}))
	assert.Equal(t, models.ErrCodeForbidden, errorCode(t, reply))
}

func TestHandleFrame_SendMessage(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.users[0], env.users[1]
	env.connect(a.ID)
	connB := env.connect(b.ID)

	reply := env.srv.handleFrame(context.Background(), a.ID, frame(t, frameSendMessage, map[string]interface{}{
		"receiver_id": b.ID,
		"content":     "over the socket",
	}))
	var ack struct {
		Type    string `json:"type"`
		Payload struct {
			Message models.Message `json:"message"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(reply, &ack))
	assert.Equal(t, realtime.EventMessageSent, ack.Type)
	assert.Equal(t, models.DeliveryDelivered, ack.Payload.Message.DeliveryStatus)

	assert.Len(t, connB.payloads(realtime.EventMessageReceived), 1)
	assert.Len(t, connB.payloads(realtime.EventNotificationCreated), 1)

	reply = env.srv.handleFrame(context.Background(), a.ID, frame(t, frameSendMessage, map[string]interface{}{
		"content": "nowhere",
	}))
	assert.Equal(t, models.ErrCodeValidation, errorCode(t, reply))
}

func TestHandleFrame_PostSubscription(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.users[0], env.users[1]
	post := testutil.SeedPost(t, env.db, a)
	connA := env.connect(a.ID)

	reply := env.srv.handleFrame(context.Background(), a.ID, frame(t, frameSubscribePost, map[string]interface{}{"postId": 999}))
	assert.Equal(t, models.ErrCodeNotFound, errorCode(t, reply))

	reply = env.srv.handleFrame(context.Background(), a.ID, frame(t, frameSubscribePost, map[string]interface{}{"postId": post.ID}))
	assert.Nil(t, reply)

	status := env.do(t, http.MethodPost, fmt.Sprintf("/api/posts/%d/comments", post.ID), b.ID, fiber.Map{"text": "first"}, nil)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Len(t, connA.payloads(realtime.EventCommentAdded), 1)

	env.srv.handleFrame(context.Background(), a.ID, frame(t, frameUnsubscribePost, map[string]interface{}{"postId": post.ID}))
	env.do(t, http.MethodPost, fmt.Sprintf("/api/posts/%d/comments", post.ID), b.ID, fiber.Map{"text": "second"}, nil)
	assert.Len(t, connA.payloads(realtime.EventCommentAdded), 1)
}

func TestHandleFrame_SetStatusBroadcastsPresence(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.users[0], env.users[1]
	env.connect(a.ID)
	connB := env.connect(b.ID)
	before := len(connB.payloads(realtime.EventPresenceChanged))

	reply := env.srv.handleFrame(context.Background(), a.ID, frame(t, frameSetStatus, map[string]interface{}{"status": "busy"}))
	assert.Nil(t, reply)

	updates := connB.payloads(realtime.EventPresenceChanged)
	require.Len(t, updates, before+1)
	var p realtime.PresencePayload
	require.NoError(t, json.Unmarshal(updates[len(updates)-1], &p))
	assert.Equal(t, models.StatusBusy, p.Status)

	reply = env.srv.handleFrame(context.Background(), a.ID, frame(t, frameSetStatus, map[string]interface{}{"status": "asleep"}))
	assert.Equal(t, models.ErrCodeValidation, errorCode(t, reply))
}

func TestHandleFrame_CallSignal(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.users[0], env.users[1]
	env.connect(a.ID)

	signal := map[string]interface{}{"to": b.ID, "payload": map[string]string{"type": "offer"}}
	reply := env.srv.handleFrame(context.Background(), a.ID, frame(t, frameCallSignal, signal))
	assert.Equal(t, models.ErrCodeNotFound, errorCode(t, reply))

	connB := env.connect(b.ID)
	reply = env.srv.handleFrame(context.Background(), a.ID, frame(t, frameCallSignal, signal))
	assert.Nil(t, reply)
	assert.Len(t, connB.payloads(realtime.EventCallSignal), 1)
}

func TestHandleFrame_Malformed(t *testing.T) {
	env := newTestEnv(t)
	a := env.users[0]

	assert.Equal(t, models.ErrCodeValidation, errorCode(t, env.srv.handleFrame(context.Background(), a.ID, []byte("not json"))))
	assert.Equal(t, models.ErrCodeValidation, errorCode(t, env.srv.handleFrame(context.Background(), a.ID, frame(t, "dance", nil))))
}

// readEvent reads frames until one of the given type arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == event {
			return env.Payload
		}
	}
}

func TestWebSocketGateway_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.users[0], env.users[1]

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = env.app.Listener(ln) }()
	t.Cleanup(func() { _ = env.app.Shutdown() })

	dial := func(userID uint) *websocket.Conn {
		url := fmt.Sprintf("ws://%s/ws?token=%s", ln.Addr().String(), env.token(t, userID))
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}

	connA := dial(a.ID)
	require.Eventually(t, func() bool { return env.srv.registry.IsOnline(a.ID) }, 2*time.Second, 10*time.Millisecond)
	connB := dial(b.ID)
	require.Eventually(t, func() bool { return env.srv.registry.IsOnline(b.ID) }, 2*time.Second, 10*time.Millisecond)

	var presence realtime.PresencePayload
	require.NoError(t, json.Unmarshal(readEvent(t, connA, realtime.EventPresenceChanged), &presence))
	assert.Equal(t, b.ID, presence.UserID)
	assert.True(t, presence.IsOnline)

	require.NoError(t, connA.WriteJSON(map[string]interface{}{
		"type":    frameTyping,
		"payload": map[string]interface{}{"conversationId": models.DirectConversationKey(a.ID, b.ID), "isTyping": true},
	}))
	var typing realtime.TypingPayload
	require.NoError(t, json.Unmarshal(readEvent(t, connB, realtime.EventTypingUpdate), &typing))
	assert.Equal(t, []uint{a.ID}, typing.TypingUserIDs)

	require.NoError(t, connB.Close())
	require.Eventually(t, func() bool { return !env.srv.registry.IsOnline(b.ID) }, 2*time.Second, 10*time.Millisecond)

	var offline realtime.PresencePayload
	require.NoError(t, json.Unmarshal(readEvent(t, connA, realtime.EventPresenceChanged), &offline))
	assert.Equal(t, b.ID, offline.UserID)
	assert.False(t, offline.IsOnline)

	var user models.User
	require.NoError(t, env.db.First(&user, b.ID).Error)
	assert.Equal(t, models.StatusOffline, user.OnlineStatus)
	assert.NotNil(t, user.LastSeenAt)
}
