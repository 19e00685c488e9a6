// ABOUTME: Tests for collaboration routing by explicit target and capability match.
// ABOUTME: Covers per-connection delivery scope, error-back on missing collaborators, and expiry.

package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brolostack/args-gateway/internal/protocol"
	"github.com/brolostack/args-gateway/internal/session"
)

type emittedEvent struct {
	ConnID string
	Event  string
	Data   any
}

type recordingEmitter struct {
	events []emittedEvent
}

func (r *recordingEmitter) Emit(connID, event string, data any) {
	r.events = append(r.events, emittedEvent{ConnID: connID, Event: event, Data: data})
}

// to filters recorded events down to one connection's.
func (r *recordingEmitter) to(connID string) []emittedEvent {
	var out []emittedEvent
	for _, ev := range r.events {
		if ev.ConnID == connID {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRouter(timeout time.Duration) (*Router, *session.Registry, *recordingEmitter) {
	reg := session.NewRegistry(nil)
	rec := &recordingEmitter{}
	return NewRouter(reg, rec, timeout, nil), reg, rec
}

func agent(id string, caps ...string) *protocol.AgentInfo {
	return &protocol.AgentInfo{
		ID:           id,
		Type:         "worker",
		Capabilities: caps,
		Status:       protocol.AgentIdle,
		Metadata:     protocol.AgentMetadata{MaxConcurrentTasks: 1},
	}
}

// addAgent registers an agent and binds it to a connection named conn-<id>.
func addAgent(sess *session.Session, info *protocol.AgentInfo) {
	sess.PutAgent(info)
	sess.BindAgentConn(info.ID, "conn-"+info.ID)
}

func TestRouteExplicitTarget(t *testing.T) {
	router, reg, rec := newTestRouter(0)
	sess, _ := reg.GetOrCreate("s1")
	addAgent(sess, agent("requester"))
	addAgent(sess, agent("helper", "review"))

	router.Route(sess, "conn-requester", &protocol.CollaborationRequest{
		RequestID:       "r1",
		RequestingAgent: "requester",
		TargetAgent:     "helper",
	})

	require.Len(t, rec.events, 1)
	assert.Equal(t, "conn-helper", rec.events[0].ConnID,
		"request goes to the target's connection only")
	assert.Equal(t, protocol.EventCollabDelivery, rec.events[0].Event)
	ev := rec.events[0].Data.(RequestEvent)
	assert.Equal(t, "requester", ev.FromAgent)
	assert.Equal(t, "helper", ev.ToAgent)
}

func TestRouteMissingTargetErrorsToRequesterOnly(t *testing.T) {
	router, reg, rec := newTestRouter(0)
	sess, _ := reg.GetOrCreate("s1")
	addAgent(sess, agent("requester"))
	addAgent(sess, agent("helper", "review"))

	router.Route(sess, "conn-requester", &protocol.CollaborationRequest{
		RequestID:       "r1",
		RequestingAgent: "requester",
		TargetAgent:     "ghost",
	})

	require.Len(t, rec.events, 1)
	assert.Equal(t, "conn-requester", rec.events[0].ConnID)
	assert.Equal(t, protocol.EventCollabError, rec.events[0].Event,
		"a named target that does not exist never falls back to capability search")
	assert.Equal(t, "r1", rec.events[0].Data.(ErrorEvent).RequestID)
	assert.Empty(t, rec.to("conn-helper"), "bystanders never see the error")
}

func TestRouteByCapability(t *testing.T) {
	router, reg, rec := newTestRouter(0)
	sess, _ := reg.GetOrCreate("s1")
	addAgent(sess, agent("requester", "review"))
	addAgent(sess, agent("a1", "review", "lint"))
	addAgent(sess, agent("a2", "draft"))
	addAgent(sess, agent("a3", "review"))

	router.Route(sess, "conn-requester", &protocol.CollaborationRequest{
		RequestID:            "r1",
		RequestingAgent:      "requester",
		RequiredCapabilities: []string{"review"},
	})

	require.Len(t, rec.events, 2)
	assert.Len(t, rec.to("conn-a1"), 1)
	assert.Len(t, rec.to("conn-a3"), 1)
	assert.Empty(t, rec.to("conn-a2"), "non-matching agents receive nothing")
	assert.Empty(t, rec.to("conn-requester"),
		"requester excluded even when it has the capability itself")
	ev := rec.to("conn-a1")[0].Data.(RequestEvent)
	assert.Equal(t, "a1", ev.ToAgent)
	assert.Equal(t, "requester", ev.FromAgent)
}

func TestRouteOfflineAgentsSkipped(t *testing.T) {
	router, reg, rec := newTestRouter(0)
	sess, _ := reg.GetOrCreate("s1")
	addAgent(sess, agent("requester"))
	addAgent(sess, agent("helper", "review"))
	sess.MarkAgentOffline("helper")

	router.Route(sess, "conn-requester", &protocol.CollaborationRequest{
		RequestID:            "r1",
		RequestingAgent:      "requester",
		RequiredCapabilities: []string{"review"},
	})

	require.Len(t, rec.events, 1)
	assert.Equal(t, "conn-requester", rec.events[0].ConnID)
	assert.Equal(t, protocol.EventCollabError, rec.events[0].Event)
}

func TestRouteMarksDelivered(t *testing.T) {
	router, reg, _ := newTestRouter(0)
	sess, _ := reg.GetOrCreate("s1")
	addAgent(sess, agent("requester"))
	addAgent(sess, agent("helper"))

	router.Route(sess, "conn-requester", &protocol.CollaborationRequest{
		RequestID:       "r1",
		RequestingAgent: "requester",
		TargetAgent:     "helper",
	})

	// Delivered requests do not expire.
	assert.Equal(t, 0, router.Sweep(time.Now().Add(time.Hour)))
}

func TestSweepExpiresPendingToRequester(t *testing.T) {
	router, reg, rec := newTestRouter(time.Minute)
	sess, _ := reg.GetOrCreate("s1")
	addAgent(sess, agent("requester"))
	addAgent(sess, agent("bystander"))

	// No collaborator, so the request stays pending.
	router.Route(sess, "conn-requester", &protocol.CollaborationRequest{
		RequestID:       "r1",
		RequestingAgent: "requester",
		TargetAgent:     "ghost",
	})
	rec.events = nil

	assert.Equal(t, 0, router.Sweep(time.Now()))

	expired := router.Sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, expired)
	require.Len(t, rec.events, 1)
	assert.Equal(t, "conn-requester", rec.events[0].ConnID)
	assert.Equal(t, protocol.EventCollabExpired, rec.events[0].Event)
	assert.Equal(t, "r1", rec.events[0].Data.(ExpiredEvent).RequestID)
	assert.Empty(t, rec.to("conn-bystander"))
}
