// ABOUTME: Tests for the message pipeline state machine
// ABOUTME: Covers optimistic send, reconciliation, echo suppression, retry, stale loads

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslink/campus-chat/internal/model"
)

var (
	me      = model.User{ID: "u-me", Name: "Me", Role: model.RoleParticipant}
	partner = model.User{ID: "u-them", Name: "Them", Role: model.RoleParticipant}
)

// fakeStore is an in-memory MessageStore. Hooks run in the middle of store
// calls, while the pipeline mutex is released, to exercise interleavings.
type fakeStore struct {
	mu         sync.Mutex
	histories  map[string][]model.Message
	failSends  bool
	sendCalls  int
	nextID     int
	onMessages func(conversationID string)
	onSend     func(conversationID, text, key string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{histories: make(map[string][]model.Message)}
}

func (f *fakeStore) Messages(_ context.Context, conversationID string) ([]model.Message, error) {
	if f.onMessages != nil {
		f.onMessages(conversationID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Message, len(f.histories[conversationID]))
	copy(out, f.histories[conversationID])
	return out, nil
}

func (f *fakeStore) SendMessage(_ context.Context, conversationID, text, key string) (*model.Message, error) {
	if f.onSend != nil {
		f.onSend(conversationID, text, key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++

	if f.failSends {
		return nil, errors.New("durable store unavailable")
	}

	f.nextID++
	saved := model.Message{
		ID:             fmt.Sprintf("srv-%d", f.nextID),
		ConversationID: conversationID,
		Sender:         me,
		Text:           text,
		CreatedAt:      time.Now(),
		IdempotencyKey: key,
		State:          model.StateConfirmed,
	}
	f.histories[conversationID] = append(f.histories[conversationID], saved)
	return &saved, nil
}

func (f *fakeStore) seed(conversationID string, texts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, text := range texts {
		f.nextID++
		f.histories[conversationID] = append(f.histories[conversationID], model.Message{
			ID:             fmt.Sprintf("srv-%d", f.nextID),
			ConversationID: conversationID,
			Sender:         partner,
			Text:           text,
			CreatedAt:      time.Now(),
			IdempotencyKey: fmt.Sprintf("seed-%d", f.nextID),
		})
	}
}

type fakeLive struct {
	mu      sync.Mutex
	joined  []string
	left    []string
	emitted []model.Message
	emitErr error
}

func (f *fakeLive) JoinRoom(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, id)
	return nil
}

func (f *fakeLive) LeaveRoom(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, id)
}

func (f *fakeLive) Emit(msg model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, msg)
	return nil
}

func (f *fakeLive) emittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emitted)
}

func textsOf(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func countText(msgs []model.Message, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Text == text {
			n++
		}
	}
	return n
}

func TestPipeline_SendOptimisticThenConfirmed(t *testing.T) {
	store := newFakeStore()
	live := &fakeLive{}
	p := New(store, live, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	// During the persist call the optimistic entry is already visible,
	// pending, and unique.
	store.onSend = func(_, _, _ string) {
		history := p.History()
		require.Equal(t, 1, countText(history, "hello"))
		assert.Equal(t, model.StatePending, history[len(history)-1].State)
	}

	sent, err := p.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, model.StateConfirmed, sent.State)
	assert.NotEmpty(t, sent.ID)

	// After reconciliation there is exactly one confirmed "hello", never two.
	history := p.History()
	require.Equal(t, 1, countText(history, "hello"))
	assert.Equal(t, model.StateConfirmed, history[len(history)-1].State)
	assert.Empty(t, p.Failed())
}

func TestPipeline_SendEmitsOverLiveChannel(t *testing.T) {
	store := newFakeStore()
	live := &fakeLive{}
	p := New(store, live, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	_, err := p.Send(context.Background(), "hello")
	require.NoError(t, err)

	require.Equal(t, 1, live.emittedCount())
	assert.Equal(t, "hello", live.emitted[0].Text)
	assert.NotEmpty(t, live.emitted[0].IdempotencyKey)
}

func TestPipeline_SendEmitFailureIsBestEffort(t *testing.T) {
	store := newFakeStore()
	live := &fakeLive{emitErr: errors.New("channel down")}
	p := New(store, live, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	// The live channel is not relied on for durability.
	sent, err := p.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, model.StateConfirmed, sent.State)
}

func TestPipeline_SendRejectsEmptyText(t *testing.T) {
	store := newFakeStore()
	live := &fakeLive{}
	p := New(store, live, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	for _, text := range []string{"", "   ", "\n\t "} {
		_, err := p.Send(context.Background(), text)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}

	// Rejected locally: no persist call, no live emit, no history entry.
	assert.Equal(t, 0, store.sendCalls)
	assert.Equal(t, 0, live.emittedCount())
	assert.Empty(t, p.History())
}

func TestPipeline_SendRequiresActiveConversation(t *testing.T) {
	p := New(newFakeStore(), &fakeLive{}, me, nil)

	_, err := p.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestPipeline_PersistFailureMarksFailedInPlace(t *testing.T) {
	store := newFakeStore()
	store.failSends = true
	live := &fakeLive{}
	p := New(store, live, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	failed, err := p.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, model.StateFailed, failed.State)

	history := p.History()
	require.Len(t, history, 1)
	assert.Equal(t, model.StateFailed, history[0].State)
	assert.Equal(t, failed.IdempotencyKey, history[0].IdempotencyKey)

	// No auto-retry.
	assert.Equal(t, 1, store.sendCalls)
	require.Len(t, p.Failed(), 1)
}

func TestPipeline_RetryConstructsFreshAttempt(t *testing.T) {
	store := newFakeStore()
	store.failSends = true
	live := &fakeLive{}
	p := New(store, live, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	failed, err := p.Send(context.Background(), "hello")
	require.Error(t, err)

	store.failSends = false
	retried, err := p.Retry(context.Background(), failed.IdempotencyKey)
	require.NoError(t, err)

	// New logical send: new key, same text; the failed entry is gone.
	assert.NotEqual(t, failed.IdempotencyKey, retried.IdempotencyKey)
	assert.Equal(t, "hello", retried.Text)
	assert.Equal(t, model.StateConfirmed, retried.State)

	history := p.History()
	require.Equal(t, 1, countText(history, "hello"))
	assert.Equal(t, retried.IdempotencyKey, history[0].IdempotencyKey)
	assert.Empty(t, p.Failed())
}

func TestPipeline_RetryUnknownKey(t *testing.T) {
	p := New(newFakeStore(), &fakeLive{}, me, nil)

	_, err := p.Retry(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestPipeline_RetryConfirmedKeyRejected(t *testing.T) {
	store := newFakeStore()
	p := New(store, &fakeLive{}, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	sent, err := p.Send(context.Background(), "hello")
	require.NoError(t, err)

	_, err = p.Retry(context.Background(), sent.IdempotencyKey)
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestPipeline_ReceiveSuppressesOwnEcho(t *testing.T) {
	store := newFakeStore()
	live := &fakeLive{}
	p := New(store, live, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	// The echo of this session's own send arrives over the live channel
	// while the persist is still in flight.
	store.onSend = func(conversationID, text, key string) {
		p.Receive(model.Message{
			ID:             "echo-1",
			ConversationID: conversationID,
			Sender:         me,
			Text:           text,
			CreatedAt:      time.Now(),
			IdempotencyKey: key,
		})
	}

	_, err := p.Send(context.Background(), "hello")
	require.NoError(t, err)

	// History length did not increase from the echo.
	assert.Equal(t, 1, countText(p.History(), "hello"))
}

func TestPipeline_ReceiveInsertsInTimestampOrder(t *testing.T) {
	store := newFakeStore()
	p := New(store, &fakeLive{}, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	base := time.Now()
	p.Receive(model.Message{
		ID: "m-2", ConversationID: "conv-a", Sender: partner,
		Text: "second", CreatedAt: base.Add(2 * time.Second), IdempotencyKey: "k-2",
	})
	p.Receive(model.Message{
		ID: "m-1", ConversationID: "conv-a", Sender: partner,
		Text: "first", CreatedAt: base.Add(time.Second), IdempotencyKey: "k-1",
	})

	assert.Equal(t, []string{"first", "second"}, textsOf(p.History()))
}

func TestPipeline_ReceiveDropsDuplicateID(t *testing.T) {
	store := newFakeStore()
	p := New(store, &fakeLive{}, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	msg := model.Message{
		ID: "m-1", ConversationID: "conv-a", Sender: partner,
		Text: "hi", CreatedAt: time.Now(), IdempotencyKey: "k-1",
	}
	p.Receive(msg)
	p.Receive(msg)

	assert.Len(t, p.History(), 1)
}

func TestPipeline_ReceiveDropsDuplicateKeyWithDifferentID(t *testing.T) {
	store := newFakeStore()
	store.seed("conv-a", "already persisted")
	p := New(store, &fakeLive{}, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	loaded := p.History()
	require.Len(t, loaded, 1)

	// A live frame for the same logical message carries its own id: the
	// hub mints one per frame while the store row keeps the persisted id.
	// Only the idempotency key ties them together.
	p.Receive(model.Message{
		ID:             "hub-" + loaded[0].ID,
		ConversationID: "conv-a",
		Sender:         partner,
		Text:           "already persisted",
		CreatedAt:      time.Now(),
		IdempotencyKey: loaded[0].IdempotencyKey,
	})

	history := p.History()
	assert.Len(t, history, 1)
	assert.Equal(t, loaded[0].ID, history[0].ID)
}

func TestPipeline_ReceiveForBackgroundConversationSignals(t *testing.T) {
	store := newFakeStore()
	var signaled []string
	p := New(store, &fakeLive{}, me, nil,
		WithBackgroundNotify(func(id string) { signaled = append(signaled, id) }))
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	p.Receive(model.Message{
		ID: "m-9", ConversationID: "conv-b", Sender: partner,
		Text: "psst", CreatedAt: time.Now(), IdempotencyKey: "k-9",
	})

	// Not inserted into the active history; surfaced as a signal instead.
	assert.Empty(t, p.History())
	assert.Equal(t, []string{"conv-b"}, signaled)
}

func TestPipeline_ReceiveNotifiesViewport(t *testing.T) {
	store := newFakeStore()
	var received []string
	p := New(store, &fakeLive{}, me, nil,
		WithReceiveNotify(func(m model.Message) { received = append(received, m.Text) }))
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	p.Receive(model.Message{
		ID: "m-1", ConversationID: "conv-a", Sender: partner,
		Text: "hi", CreatedAt: time.Now(), IdempotencyKey: "k-1",
	})

	assert.Equal(t, []string{"hi"}, received)
}

func TestPipeline_SelectJoinsAndLeavesRooms(t *testing.T) {
	store := newFakeStore()
	live := &fakeLive{}
	p := New(store, live, me, nil)

	require.NoError(t, p.Select(context.Background(), "conv-a"))
	require.NoError(t, p.Select(context.Background(), "conv-b"))

	assert.Equal(t, []string{"conv-a", "conv-b"}, live.joined)
	assert.Equal(t, []string{"conv-a"}, live.left)
}

func TestPipeline_SelectLoadsHistoryWholesale(t *testing.T) {
	store := newFakeStore()
	store.seed("conv-a", "old-1", "old-2")
	p := New(store, &fakeLive{}, me, nil)

	require.NoError(t, p.Select(context.Background(), "conv-a"))
	assert.Equal(t, []string{"old-1", "old-2"}, textsOf(p.History()))

	// Re-selecting replaces rather than appends.
	require.NoError(t, p.Select(context.Background(), "conv-a"))
	assert.Equal(t, []string{"old-1", "old-2"}, textsOf(p.History()))
}

func TestPipeline_SelectPreservesUnconfirmedLocalSends(t *testing.T) {
	store := newFakeStore()
	store.seed("conv-a", "older")
	store.failSends = true
	p := New(store, &fakeLive{}, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	_, err := p.Send(context.Background(), "mine")
	require.Error(t, err)

	// Switch away and back: the unconfirmed local send reappears at the tail.
	require.NoError(t, p.Select(context.Background(), "conv-b"))
	assert.Empty(t, p.History())

	require.NoError(t, p.Select(context.Background(), "conv-a"))
	history := p.History()
	require.Equal(t, []string{"older", "mine"}, textsOf(history))
	assert.Equal(t, model.StateFailed, history[1].State)
}

func TestPipeline_InFlightSendSurvivesConversationSwitch(t *testing.T) {
	store := newFakeStore()
	p := New(store, &fakeLive{}, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	// The user switches to conv-b while the persist for conv-a is in flight.
	switched := false
	store.onSend = func(_, _, _ string) {
		if !switched {
			switched = true
			require.NoError(t, p.Select(context.Background(), "conv-b"))
		}
	}

	sent, err := p.Send(context.Background(), "hello from a")
	require.NoError(t, err)
	assert.Equal(t, model.StateConfirmed, sent.State)
	assert.Equal(t, "conv-b", p.Active())
	assert.Empty(t, p.Failed())

	// Switching back shows the send exactly once, confirmed.
	store.onSend = nil
	require.NoError(t, p.Select(context.Background(), "conv-a"))
	assert.Equal(t, 1, countText(p.History(), "hello from a"))
}

func TestPipeline_StaleHistoryLoadDropped(t *testing.T) {
	store := newFakeStore()
	store.seed("conv-a", "from a")
	store.seed("conv-b", "from b")
	p := New(store, &fakeLive{}, me, nil)

	// While conv-a's history fetch is in flight the user selects conv-b.
	intercepted := false
	store.onMessages = func(conversationID string) {
		if conversationID == "conv-a" && !intercepted {
			intercepted = true
			require.NoError(t, p.Select(context.Background(), "conv-b"))
		}
	}

	require.NoError(t, p.Select(context.Background(), "conv-a"))

	// The stale conv-a load must not clobber conv-b's history.
	assert.Equal(t, "conv-b", p.Active())
	assert.Equal(t, []string{"from b"}, textsOf(p.History()))
}

func TestPipeline_AttachFeedsReceive(t *testing.T) {
	store := newFakeStore()
	p := New(store, &fakeLive{}, me, nil)
	require.NoError(t, p.Select(context.Background(), "conv-a"))

	events := make(chan model.Message, 1)
	p.Attach(context.Background(), events)

	events <- model.Message{
		ID: "m-1", ConversationID: "conv-a", Sender: partner,
		Text: "pushed", CreatedAt: time.Now(), IdempotencyKey: "k-1",
	}

	require.Eventually(t, func() bool {
		return len(p.History()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "pushed", p.History()[0].Text)
}
