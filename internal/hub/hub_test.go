// ABOUTME: Tests for the live message hub
// ABOUTME: Drives real websocket sessions against room fan-out and dedupe

package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslink/campus-chat/internal/auth"
	"github.com/campuslink/campus-chat/internal/dedupe"
	"github.com/campuslink/campus-chat/internal/live"
	"github.com/campuslink/campus-chat/internal/model"
	"github.com/campuslink/campus-chat/internal/store"
)

type fakeDirectory struct {
	users         map[string]*model.User
	conversations map[string]*model.Conversation
}

func (f *fakeDirectory) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeDirectory) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	c, ok := f.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

// newTestHub serves the hub behind a shim that authenticates via a
// ?user= query param, standing in for the JWT middleware.
func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	alice := &model.User{ID: "alice", Name: "Alice Chen", Role: model.RoleParticipant}
	bob := &model.User{ID: "bob", Name: "Bob Okafor", Role: model.RoleParticipant}
	rita := &model.User{ID: "rita", Name: "Rita Organizer", Role: model.RoleOrganizer, ManagedClub: "Chess Club"}

	users := &fakeDirectory{
		users: map[string]*model.User{"alice": alice, "bob": bob, "rita": rita},
		conversations: map[string]*model.Conversation{
			"conv-1":     {ID: "conv-1", Kind: model.KindDirect, Participants: []model.User{*alice, *bob}},
			"conv-2":     {ID: "conv-2", Kind: model.KindDirect, Participants: []model.User{*alice, *bob}},
			"conv-other": {ID: "conv-other", Kind: model.KindGroup, Participants: []model.User{*rita}},
		},
	}

	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	h := NewHub(users, cache, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(h.Close)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("user"); id != "" {
			if u, err := users.GetUser(r.Context(), id); err == nil {
				r = r.WithContext(auth.WithUser(r.Context(), u))
			}
		}
		h.HandleWS(w, r)
	}))
	t.Cleanup(ts.Close)

	return h, ts
}

func dial(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(live.Frame{Event: event, Data: data}))
}

func joinRoomAndSettle(t *testing.T, h *Hub, conn *websocket.Conn, conversationID string) {
	t.Helper()
	sendFrame(t, conn, live.EventJoinChat, live.JoinPayload{ConversationID: conversationID})
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for s := range h.rooms[conversationID] {
			if s.conn.RemoteAddr().String() == conn.LocalAddr().String() {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "session never joined room %s", conversationID)
}

func readMessage(t *testing.T, conn *websocket.Conn) model.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f live.Frame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, live.EventMessageReceived, f.Event)
	var msg model.Message
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	return msg
}

func assertNoMessage(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var f live.Frame
	err := conn.ReadJSON(&f)
	require.Error(t, err, "expected no frame, got %+v", f)
}

func TestUnauthenticatedUpgradeRejected(t *testing.T) {
	_, ts := newTestHub(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFanOutToRoomExcludesSender(t *testing.T) {
	h, ts := newTestHub(t)

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	joinRoomAndSettle(t, h, alice, "conv-1")
	joinRoomAndSettle(t, h, bob, "conv-1")

	sendFrame(t, alice, live.EventNewMessage, live.NewMessagePayload{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Text:           "hello room",
		IdempotencyKey: "key-1",
	})

	msg := readMessage(t, bob)
	assert.Equal(t, "hello room", msg.Text)
	assert.Equal(t, "conv-1", msg.ConversationID)

	// The sender's own session must not get an echo.
	assertNoMessage(t, alice)
}

func TestServerAssignsAuthoritativeFields(t *testing.T) {
	h, ts := newTestHub(t)

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	joinRoomAndSettle(t, h, alice, "conv-1")
	joinRoomAndSettle(t, h, bob, "conv-1")

	before := time.Now().UTC().Add(-time.Second)
	sendFrame(t, alice, live.EventNewMessage, live.NewMessagePayload{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Text:           "fields",
		IdempotencyKey: "key-2",
	})

	msg := readMessage(t, bob)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, model.StateConfirmed, msg.State)
	assert.Equal(t, "Alice Chen", msg.Sender.Name)
	assert.Equal(t, "key-2", msg.IdempotencyKey)
	assert.True(t, msg.CreatedAt.After(before))
}

func TestSessionOutsideRoomReceivesNothing(t *testing.T) {
	h, ts := newTestHub(t)

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	rita := dial(t, ts, "rita")
	joinRoomAndSettle(t, h, alice, "conv-1")
	joinRoomAndSettle(t, h, bob, "conv-1")
	joinRoomAndSettle(t, h, rita, "conv-other")

	sendFrame(t, alice, live.EventNewMessage, live.NewMessagePayload{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Text:           "scoped",
		IdempotencyKey: "key-3",
	})

	readMessage(t, bob)
	assertNoMessage(t, rita)
}

func TestNonParticipantJoinRefused(t *testing.T) {
	h, ts := newTestHub(t)

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	rita := dial(t, ts, "rita")
	joinRoomAndSettle(t, h, alice, "conv-1")
	joinRoomAndSettle(t, h, bob, "conv-1")

	// Rita is not a participant of conv-1; her join must never land.
	sendFrame(t, rita, live.EventJoinChat, live.JoinPayload{ConversationID: "conv-1"})
	require.Never(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for s := range h.rooms["conv-1"] {
			if s.user.ID == "rita" {
				return true
			}
		}
		return false
	}, 300*time.Millisecond, 10*time.Millisecond, "non-participant admitted to room")

	sendFrame(t, alice, live.EventNewMessage, live.NewMessagePayload{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Text:           "members only",
		IdempotencyKey: "key-6",
	})

	readMessage(t, bob)
	assertNoMessage(t, rita)
}

func TestNonParticipantFrameDropped(t *testing.T) {
	h, ts := newTestHub(t)

	alice := dial(t, ts, "alice")
	rita := dial(t, ts, "rita")
	joinRoomAndSettle(t, h, alice, "conv-1")

	// Joining is not required to send on the wire, so the frame path
	// must enforce membership on its own.
	sendFrame(t, rita, live.EventNewMessage, live.NewMessagePayload{
		ConversationID: "conv-1",
		SenderID:       "rita",
		Text:           "let me in",
		IdempotencyKey: "key-7",
	})

	assertNoMessage(t, alice)
}

func TestJoinSwitchesRoomImplicitly(t *testing.T) {
	h, ts := newTestHub(t)

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	joinRoomAndSettle(t, h, alice, "conv-1")
	joinRoomAndSettle(t, h, bob, "conv-1")

	// Bob moves on; there is no explicit leave, the join does it.
	joinRoomAndSettle(t, h, bob, "conv-2")

	sendFrame(t, alice, live.EventNewMessage, live.NewMessagePayload{
		ConversationID: "conv-1",
		SenderID:       "alice",
		Text:           "anyone here",
		IdempotencyKey: "key-4",
	})

	assertNoMessage(t, bob)
}

func TestDuplicateIdempotencyKeyDeliveredOnce(t *testing.T) {
	h, ts := newTestHub(t)

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	joinRoomAndSettle(t, h, alice, "conv-1")
	joinRoomAndSettle(t, h, bob, "conv-1")

	for i := 0; i < 3; i++ {
		sendFrame(t, alice, live.EventNewMessage, live.NewMessagePayload{
			ConversationID: "conv-1",
			SenderID:       "alice",
			Text:           "once only",
			IdempotencyKey: "key-dup",
		})
	}

	msg := readMessage(t, bob)
	assert.Equal(t, "once only", msg.Text)
	assertNoMessage(t, bob)
}

func TestSpoofedSenderDropped(t *testing.T) {
	h, ts := newTestHub(t)

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	joinRoomAndSettle(t, h, alice, "conv-1")
	joinRoomAndSettle(t, h, bob, "conv-1")

	sendFrame(t, alice, live.EventNewMessage, live.NewMessagePayload{
		ConversationID: "conv-1",
		SenderID:       "bob",
		Text:           "impersonated",
		IdempotencyKey: "key-5",
	})

	assertNoMessage(t, bob)
}

func TestBlankFieldsDropped(t *testing.T) {
	h, ts := newTestHub(t)

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")
	joinRoomAndSettle(t, h, alice, "conv-1")
	joinRoomAndSettle(t, h, bob, "conv-1")

	for _, p := range []live.NewMessagePayload{
		{ConversationID: "", SenderID: "alice", Text: "x", IdempotencyKey: "blank-conv"},
		{ConversationID: "conv-1", SenderID: "alice", Text: "", IdempotencyKey: "blank-text"},
		{ConversationID: "conv-1", SenderID: "alice", Text: "x", IdempotencyKey: ""},
	} {
		sendFrame(t, alice, live.EventNewMessage, p)
	}

	assertNoMessage(t, bob)
}

func TestManagerRoundTrip(t *testing.T) {
	_, ts := newTestHub(t)

	alice := live.NewManager("ws"+strings.TrimPrefix(ts.URL, "http")+"?user=alice", slog.New(slog.NewTextHandler(io.Discard, nil)))
	bob := live.NewManager("ws"+strings.TrimPrefix(ts.URL, "http")+"?user=bob", slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer alice.Disconnect()
	defer bob.Disconnect()

	require.NoError(t, alice.Connect(context.Background(), &model.User{ID: "alice", Name: "Alice Chen"}))
	require.NoError(t, bob.Connect(context.Background(), &model.User{ID: "bob", Name: "Bob Okafor"}))
	require.NoError(t, alice.JoinRoom("conv-1"))
	require.NoError(t, bob.JoinRoom("conv-1"))

	// Joins race the emit below; wait for both sessions to land.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, alice.Emit(model.Message{
		ConversationID: "conv-1",
		Sender:         model.User{ID: "alice"},
		Text:           "end to end",
		IdempotencyKey: "key-rt",
	}))

	select {
	case msg := <-bob.Events():
		assert.Equal(t, "end to end", msg.Text)
		assert.Equal(t, model.StateConfirmed, msg.State)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for round-trip message")
	}
}
