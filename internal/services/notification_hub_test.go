package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationHub_DeliversToConnectedUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewNotificationHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws/notifications", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/notifications?user_id=u-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	assert.True(t, hub.SendToUser("u-2", PushMessage{Type: "notification", Data: "not yours"}))
	assert.True(t, hub.SendToUser("u-1", PushMessage{Type: "notification", Data: "hello"}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg PushMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "u-1", msg.UserID)
	assert.Equal(t, "hello", msg.Data)
}

func TestNotificationHub_RequiresUserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewNotificationHub(quietLogger())

	r := gin.New()
	r.GET("/ws/notifications", hub.HandleWebSocket)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/notifications", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
