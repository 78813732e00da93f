package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/capitalize-ai/avatar-relay/internal/heygen"
	"github.com/capitalize-ai/avatar-relay/internal/model"
	"github.com/capitalize-ai/avatar-relay/internal/wotnot"
)

func conversationWith(threadID, greeting string) *wotnot.Conversation {
	body := map[string]any{"conversation": map[string]any{"id": threadID}}
	if greeting != "" {
		body["messages"] = []map[string]any{
			{"from": map[string]string{"type": "VISITOR"}, "data": map[string]string{"body": "Hello"}},
			{"from": map[string]string{"type": "BOT"}, "data": map[string]string{"body": greeting}},
		}
	}
	raw, _ := json.Marshal(body)
	var conv wotnot.Conversation
	_ = json.Unmarshal(raw, &conv)
	return &conv
}

type sentMessage struct {
	ThreadID, Text, VisitorID string
}

type fakeConversations struct {
	mu       sync.Mutex
	threadFn func(visitorID string) string
	greeting string
	startErr error
	sendErr  error
	started  []string
	sent     []sentMessage
}

func (f *fakeConversations) StartConversation(_ context.Context, visitorID string) (*wotnot.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, visitorID)
	if f.startErr != nil {
		return nil, f.startErr
	}
	thread := "T-" + visitorID
	if f.threadFn != nil {
		thread = f.threadFn(visitorID)
	}
	return conversationWith(thread, f.greeting), nil
}

func (f *fakeConversations) SendVisitorMessage(_ context.Context, threadID, text, visitorID string) (*wotnot.MessageAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{threadID, text, visitorID})
	return &wotnot.MessageAck{MessageID: "m-1"}, nil
}

type task struct {
	SessionID, Text string
}

type fakeAvatars struct {
	mu         sync.Mutex
	sessions   int
	tokenErr   error
	sessionErr error
	startCode  int
	startErr   error
	stopErr    error
	tokens     int
	starts     []string
	tasks      []task
	stops      []string
}

func newFakeAvatars() *fakeAvatars {
	return &fakeAvatars{startCode: heygen.CodeSuccess}
}

func (f *fakeAvatars) CreateToken(context.Context) (*heygen.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens++
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return &heygen.Token{Token: "tok"}, nil
}

func (f *fakeAvatars) NewSession(_ context.Context, avatarID, voiceID string) (*heygen.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	f.sessions++
	id := "S" + string(rune('0'+f.sessions))
	return &heygen.Session{SessionID: id, AccessToken: "at-" + id, URL: "wss://" + id, RealtimeEndpoint: "wss://rt/" + id}, nil
}

func (f *fakeAvatars) StartSession(_ context.Context, sessionID string) (*heygen.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, sessionID)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &heygen.Result{Code: f.startCode}, nil
}

func (f *fakeAvatars) SendTask(_ context.Context, sessionID, text string) (*heygen.TaskAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task{sessionID, text})
	ack := &heygen.TaskAck{}
	ack.Code = heygen.CodeSuccess
	return ack, nil
}

func (f *fakeAvatars) StopSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, sessionID)
	return f.stopErr
}

func (f *fakeAvatars) ListAvatars(context.Context) ([]heygen.StreamingAvatar, error) {
	return []heygen.StreamingAvatar{{AvatarID: "a1"}}, nil
}

func (f *fakeAvatars) setStart(code int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCode = code
	f.startErr = err
}

func (f *fakeAvatars) snapshot() (starts []string, tasks []task, stops []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.starts...), append([]task(nil), f.tasks...), append([]string(nil), f.stops...)
}

type broadcast struct {
	VisitorID string
	Message   model.MessageRecord
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []broadcast
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, visitorID string, msg model.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, broadcast{visitorID, msg})
}

func (f *fakeBroadcaster) all() []broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broadcast(nil), f.sent...)
}
