package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/models"
)

type notifier struct{ got []models.Event }

func (n *notifier) Publish(_ context.Context, e models.Event) error {
	n.got = append(n.got, e)
	return nil
}

func TestPushFallsBackWithoutSubscribers(t *testing.T) {
	fb := &notifier{}
	p := NewPushDispatcher(NewWSRegistry(nil), fb)
	e := models.Event{TripID: "t1", To: models.TripCanceled, At: time.Now()}
	require.NoError(t, p.Publish(context.Background(), e))
	require.Len(t, fb.got, 1)
	assert.Equal(t, "t1", fb.got[0].TripID)

	require.NoError(t, NewPushDispatcher(nil, nil).Publish(context.Background(), e))
}

func TestPushPrefersWebsocket(t *testing.T) {
	reg := NewWSRegistry(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("t1", conn)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return reg.Subscribers("t1") == 1 }, 2*time.Second, 10*time.Millisecond)

	fb := &notifier{}
	p := NewPushDispatcher(reg, fb)
	require.NoError(t, p.Publish(context.Background(), models.Event{TripID: "t1", User: "rider"}))
	assert.Empty(t, fb.got)

	var msg EventMessage
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, client.ReadJSON(&msg))
	assert.Equal(t, "rider", msg.Event.User)
}
