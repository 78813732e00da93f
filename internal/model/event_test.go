package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexID_Unmarshal(t *testing.T) {
	cases := []struct {
		raw  string
		want FlexID
	}{
		{`{"key":"T1"}`, "T1"},
		{`{"key":" T2 "}`, "T2"},
		{`{"key":12345}`, "12345"},
		{`{"key":null}`, ""},
		{`{}`, ""},
	}
	for _, tc := range cases {
		var e EventEntity
		require.NoError(t, json.Unmarshal([]byte(tc.raw), &e), tc.raw)
		assert.Equal(t, tc.want, e.Key, tc.raw)
	}
}

func TestFlexID_RejectsObjects(t *testing.T) {
	var e EventEntity
	require.Error(t, json.Unmarshal([]byte(`{"key":{"id":1}}`), &e))
}

func TestWebhookEnvelope_TokenPresence(t *testing.T) {
	var withEmpty WebhookEnvelope
	require.NoError(t, json.Unmarshal([]byte(`{"token":""}`), &withEmpty))
	require.NotNil(t, withEmpty.Token)
	assert.Equal(t, "", *withEmpty.Token)

	var without WebhookEnvelope
	require.NoError(t, json.Unmarshal([]byte(`{"events":[]}`), &without))
	assert.Nil(t, without.Token)
}

func TestWebhookEvent_DecodesButtonPayload(t *testing.T) {
	raw := `{
		"event": {"type": "message", "payload": {
			"message": {"type": "button", "payload": {"title": "Pick one", "buttons": [{"title": "Yes", "type": "postback"}]}},
			"message_by": {"type": "bot"}
		}},
		"conversation": {"key": 42}
	}`
	var ev WebhookEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, "42", ev.Conversation.Key.String())
	assert.Equal(t, MessageKindButton, ev.Event.Payload.Message.Type)

	var bp ButtonPayload
	require.NoError(t, json.Unmarshal(ev.Event.Payload.Message.Payload, &bp))
	assert.Equal(t, "Pick one", bp.Title)
	assert.Equal(t, []Button{{Title: "Yes", Type: "postback"}}, bp.Buttons)
}

func TestVisitorSession_CloneIsDeep(t *testing.T) {
	s := &VisitorSession{
		VisitorID: "v1",
		Messages:  []MessageRecord{{Type: MessageTypeBot, Message: "hi", Buttons: []Button{{Title: "a"}}}},
	}
	c := s.Clone()
	c.Messages[0].Buttons[0].Title = "changed"
	c.Messages = append(c.Messages, MessageRecord{Message: "more"})

	assert.Equal(t, "a", s.Messages[0].Buttons[0].Title)
	assert.Len(t, s.Messages, 1)
}
