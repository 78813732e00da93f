package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/pkg/logger"
)

type harness struct {
	reg   *Registry
	conv  *fakeConversations
	av    *fakeAvatars
	bcast *fakeBroadcaster
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		conv:  &fakeConversations{},
		av:    newFakeAvatars(),
		bcast: &fakeBroadcaster{},
	}
	opts = append([]Option{WithDefaultAvatar("avatar-default", "voice-default"), WithGreetingDelay(0)}, opts...)
	h.reg = NewRegistry(h.conv, h.av, h.bcast, logger.NewNop(), opts...)
	t.Cleanup(h.reg.Close)
	return h
}

func fixedID(id string) Option {
	return WithIDGenerator(func() string { return id })
}

func sequenceIDs(ids ...string) Option {
	var mu sync.Mutex
	i := 0
	return WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id
	})
}

var alphanumeric = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

func TestBeginSession_IDsAreAlphanumericAndUnique(t *testing.T) {
	h := newHarness(t)

	const n = 40
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _, err := h.reg.BeginSession(context.Background())
			if assert.NoError(t, err) {
				ids <- s.VisitorID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.Regexp(t, alphanumeric, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, n, h.reg.Count())
}

func TestBeginSession_SkipsCollidingID(t *testing.T) {
	h := newHarness(t, sequenceIDs("a-1", "a1", "b-2"))

	first, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a1", first.VisitorID)

	second, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b2", second.VisitorID)
}

func TestBeginSession_ExhaustedIDs(t *testing.T) {
	h := newHarness(t, fixedID("V1"))

	_, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)

	_, _, err = h.reg.BeginSession(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, h.reg.Count())
}

func TestBeginSession_GreetingIsStripped(t *testing.T) {
	h := newHarness(t, fixedID("V1"))
	h.conv.threadFn = func(string) string { return "T1" }
	h.conv.greeting = "<p>Hi!</p>"

	s, greeting, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Hi!", greeting)
	assert.Equal(t, "T1", s.ThreadID)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, model.MessageTypeBot, s.Messages[0].Type)
	assert.Equal(t, "Hi!", s.Messages[0].Message)
	assert.Equal(t, model.SourceGreeting, s.Messages[0].Source)

	visitor, ok := h.reg.VisitorForThread("T1")
	require.True(t, ok)
	assert.Equal(t, "V1", visitor)
}

func TestBeginSession_NoGreeting(t *testing.T) {
	h := newHarness(t)

	s, greeting, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)
	assert.Empty(t, greeting)
	assert.Empty(t, s.Messages)
}

func TestBeginSession_UpstreamFailures(t *testing.T) {
	t.Run("gateway error", func(t *testing.T) {
		h := newHarness(t)
		h.conv.startErr = errors.New("boom")

		_, _, err := h.reg.BeginSession(context.Background())
		require.ErrorIs(t, err, ErrUpstream)
		assert.Equal(t, 0, h.reg.Count())
	})

	t.Run("missing thread id", func(t *testing.T) {
		h := newHarness(t)
		h.conv.threadFn = func(string) string { return "" }

		_, _, err := h.reg.BeginSession(context.Background())
		require.ErrorIs(t, err, ErrUpstream)
		assert.Equal(t, 0, h.reg.Count())
	})
}

func TestBeginSession_StaleAvatarLeavesExactlyOne(t *testing.T) {
	h := newHarness(t, fixedID("V1"))
	h.reg.avatarStates["V1"] = &model.AvatarSessionState{SessionID: "stale"}

	_, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)

	_, _, stops := h.av.snapshot()
	assert.Equal(t, []string{"stale"}, stops)
	_, ok := h.reg.Avatar("V1")
	assert.False(t, ok)

	state, err := h.reg.ProvisionAvatar(context.Background(), "V1", "", "")
	require.NoError(t, err)
	assert.Len(t, h.reg.avatarStates, 1)
	assert.Equal(t, state.SessionID, h.reg.avatarStates["V1"].SessionID)
}

func TestProvisionAvatar_Ready(t *testing.T) {
	h := newHarness(t, fixedID("V1"))
	_, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)

	state, err := h.reg.ProvisionAvatar(context.Background(), "V1", "", "")
	require.NoError(t, err)

	assert.True(t, state.WebRTCStarted)
	assert.True(t, state.SessionReady)
	assert.Equal(t, 1, state.TransportAttempts)
	assert.Equal(t, "avatar-default", state.AvatarID)
	assert.Equal(t, "voice-default", state.VoiceID)
	assert.Equal(t, "at-S1", state.AccessToken)
}

func TestProvisionAvatar_TransportRejectedIsNotAnError(t *testing.T) {
	h := newHarness(t, fixedID("V1"))
	_, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)
	h.av.setStart(10005, nil)

	state, err := h.reg.ProvisionAvatar(context.Background(), "V1", "custom", "voice")
	require.NoError(t, err)

	assert.False(t, state.WebRTCStarted)
	assert.False(t, state.SessionReady)
	assert.Equal(t, "custom", state.AvatarID)

	stored, ok := h.reg.Avatar("V1")
	require.True(t, ok)
	assert.False(t, stored.SessionReady)
}

func TestProvisionAvatar_TransportErrorIsNotAnError(t *testing.T) {
	h := newHarness(t, fixedID("V1"))
	_, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)
	h.av.setStart(0, errors.New("timeout"))

	state, err := h.reg.ProvisionAvatar(context.Background(), "V1", "", "")
	require.NoError(t, err)
	assert.False(t, state.SessionReady)
}

func TestProvisionAvatar_Failures(t *testing.T) {
	t.Run("unknown visitor", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.reg.ProvisionAvatar(context.Background(), "nobody", "", "")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("token", func(t *testing.T) {
		h := newHarness(t, fixedID("V1"))
		_, _, err := h.reg.BeginSession(context.Background())
		require.NoError(t, err)
		h.av.tokenErr = errors.New("nope")

		_, err = h.reg.ProvisionAvatar(context.Background(), "V1", "", "")
		require.ErrorIs(t, err, ErrUpstream)
		_, ok := h.reg.Avatar("V1")
		assert.False(t, ok)
	})

	t.Run("session", func(t *testing.T) {
		h := newHarness(t, fixedID("V1"))
		_, _, err := h.reg.BeginSession(context.Background())
		require.NoError(t, err)
		h.av.sessionErr = errors.New("nope")

		_, err = h.reg.ProvisionAvatar(context.Background(), "V1", "", "")
		require.ErrorIs(t, err, ErrUpstream)
	})
}

func TestProvisionAvatar_ReplacesExisting(t *testing.T) {
	h := newHarness(t, fixedID("V1"))
	_, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)

	first, err := h.reg.ProvisionAvatar(context.Background(), "V1", "", "")
	require.NoError(t, err)
	second, err := h.reg.ProvisionAvatar(context.Background(), "V1", "", "")
	require.NoError(t, err)

	_, _, stops := h.av.snapshot()
	assert.Equal(t, []string{first.SessionID}, stops)
	assert.Len(t, h.reg.avatarStates, 1)
	assert.Equal(t, second.SessionID, h.reg.avatarStates["V1"].SessionID)
}

func TestEndSession_Idempotent(t *testing.T) {
	h := newHarness(t, fixedID("V1"))
	h.conv.threadFn = func(string) string { return "T1" }
	_, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)
	_, err = h.reg.ProvisionAvatar(context.Background(), "V1", "", "")
	require.NoError(t, err)

	assert.True(t, h.reg.EndSession(context.Background(), "V1"))
	assert.False(t, h.reg.EndSession(context.Background(), "V1"))
	assert.False(t, h.reg.EndSession(context.Background(), "never-existed"))

	_, ok := h.reg.Session("V1")
	assert.False(t, ok)
	_, ok = h.reg.VisitorForThread("T1")
	assert.False(t, ok)
	_, ok = h.reg.Avatar("V1")
	assert.False(t, ok)
	assert.Equal(t, 0, h.reg.locks.size())
}

func TestEndSession_RemoteStopFailureStillCleansUp(t *testing.T) {
	h := newHarness(t, fixedID("V1"))
	_, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)
	_, err = h.reg.ProvisionAvatar(context.Background(), "V1", "", "")
	require.NoError(t, err)
	h.av.stopErr = errors.New("remote down")

	assert.True(t, h.reg.EndSession(context.Background(), "V1"))
	_, ok := h.reg.Avatar("V1")
	assert.False(t, ok)
	assert.Equal(t, 0, h.reg.Count())
}

func TestEndSession_CancelledContextStillStopsRemote(t *testing.T) {
	h := newHarness(t, fixedID("V1"))
	_, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)
	state, err := h.reg.ProvisionAvatar(context.Background(), "V1", "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.reg.EndSession(ctx, "V1")

	_, _, stops := h.av.snapshot()
	assert.Equal(t, []string{state.SessionID}, stops)
}

func TestSendVisitorMessage(t *testing.T) {
	h := newHarness(t, fixedID("V1"))
	h.conv.threadFn = func(string) string { return "T1" }
	_, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)

	_, err = h.reg.SendVisitorMessage(context.Background(), "", "hi")
	require.ErrorIs(t, err, ErrValidation)
	_, err = h.reg.SendVisitorMessage(context.Background(), "V1", "   ")
	require.ErrorIs(t, err, ErrValidation)
	_, err = h.reg.SendVisitorMessage(context.Background(), "nobody", "hi")
	require.ErrorIs(t, err, ErrNotFound)

	id, err := h.reg.SendVisitorMessage(context.Background(), "V1", " hello bot ")
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	assert.Equal(t, []sentMessage{{ThreadID: "T1", Text: "hello bot", VisitorID: "V1"}}, h.conv.sent)

	history, err := h.reg.History("V1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.MessageTypeUser, history[0].Type)

	h.conv.sendErr = errors.New("502")
	_, err = h.reg.SendVisitorMessage(context.Background(), "V1", "again")
	require.ErrorIs(t, err, ErrUpstream)
}

func TestList_SummarizesSessions(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	h := newHarness(t, sequenceIDs("A", "B"), WithClock(func() time.Time { return clock }))

	_, _, err := h.reg.BeginSession(context.Background())
	require.NoError(t, err)
	clock = now.Add(time.Minute)
	_, _, err = h.reg.BeginSession(context.Background())
	require.NoError(t, err)
	_, err = h.reg.ProvisionAvatar(context.Background(), "B", "", "")
	require.NoError(t, err)

	list := h.reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].VisitorID)
	assert.Empty(t, list[0].AvatarSession)
	assert.Equal(t, "B", list[1].VisitorID)
	assert.True(t, list[1].AvatarReady)
}

func TestHistory_Unknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.History("nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListAvatars(t *testing.T) {
	h := newHarness(t)
	avatars, err := h.reg.ListAvatars(context.Background())
	require.NoError(t, err)
	require.Len(t, avatars, 1)
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("v")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, k.size())
}
