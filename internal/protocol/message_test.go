// ABOUTME: Tests for envelope decoding, payload validation, and matching helpers.
// ABOUTME: Exercises the tagged-union dispatch and its sentinel error surface.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDispatchesByType(t *testing.T) {
	cases := []struct {
		name    string
		msgType Type
		payload string
		want    any
	}{
		{"agent register", TypeAgentRegister, `{"id":"a1","type":"researcher"}`, &AgentInfo{}},
		{"task start", TypeTaskStart, `{"id":"t1"}`, &TaskDefinition{}},
		{"task progress", TypeTaskProgress, `{"taskId":"t1","agentId":"a1","status":"running"}`, &TaskProgress{}},
		{"collaboration", TypeCollaborationRequest, `{"requestId":"r1","requestingAgent":"a1","collaborationType":"review"}`, &CollaborationRequest{}},
		{"stream start", TypeStreamStart, `{"streamId":"st1"}`, &StreamConfig{}},
		{"stream data", TypeStreamData, `{"streamId":"st1","chunk":"x"}`, &StreamChunk{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Message{Type: tc.msgType, SessionID: "s1", Payload: json.RawMessage(tc.payload)}
			p, err := m.Decode()
			require.NoError(t, err)
			assert.IsType(t, tc.want, p)
			assert.Equal(t, tc.msgType, p.MessageType())
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	m := &Message{Type: "TELEPORT", SessionID: "s1"}
	_, err := m.Decode()
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeMissingSessionID(t *testing.T) {
	m := &Message{Type: TypeTaskStart, Payload: json.RawMessage(`{"id":"t1"}`)}
	_, err := m.Decode()
	assert.ErrorIs(t, err, ErrMissingSessionID)
}

func TestDecodeMalformedPayload(t *testing.T) {
	m := &Message{Type: TypeTaskStart, SessionID: "s1", Payload: json.RawMessage(`{not json`)}
	_, err := m.Decode()
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeValidationFailure(t *testing.T) {
	m := &Message{Type: TypeAgentRegister, SessionID: "s1", Payload: json.RawMessage(`{"type":"researcher"}`)}
	_, err := m.Decode()
	assert.ErrorIs(t, err, ErrMalformedPayload, "missing agent id fails validation")
}

func TestNewMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage("s1", &TaskDefinition{ID: "t1", CollaborationMode: ModeParallel})
	require.NoError(t, err)
	assert.Equal(t, TypeTaskStart, msg.Type)
	assert.Equal(t, "s1", msg.SessionID)
	require.NotNil(t, msg.Metadata)
	assert.Positive(t, msg.Metadata.Timestamp)

	p, err := msg.Decode()
	require.NoError(t, err)
	def := p.(*TaskDefinition)
	assert.Equal(t, "t1", def.ID)
	assert.Equal(t, ModeParallel, def.Mode())
}

func TestTaskModeDefaultsToSequential(t *testing.T) {
	def := &TaskDefinition{ID: "t1"}
	assert.Equal(t, ModeSequential, def.Mode())
}

func TestTaskDefinitionRejectsUnknownMode(t *testing.T) {
	def := &TaskDefinition{ID: "t1", CollaborationMode: "quantum"}
	assert.Error(t, def.Validate())
}

func TestHasCapabilities(t *testing.T) {
	a := &AgentInfo{ID: "a1", Capabilities: []string{"search", "summarize"}}

	assert.True(t, a.HasCapabilities(nil), "empty requirement is always satisfied")
	assert.True(t, a.HasCapabilities([]string{"search"}))
	assert.True(t, a.HasCapabilities([]string{"search", "summarize"}))
	assert.False(t, a.HasCapabilities([]string{"search", "translate"}))
}

func TestStreamRoom(t *testing.T) {
	assert.Equal(t, "s1st1", StreamRoom("s1", "st1"))
	assert.NotEqual(t, StreamRoom("s1", "st1"), StreamRoom("s2", "st1"),
		"same stream id in different sessions derives different rooms")
}
