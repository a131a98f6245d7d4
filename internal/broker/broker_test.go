package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/ipcd/internal/config"
	"github.com/adred-codev/ipcd/internal/protocol"
	"github.com/adred-codev/ipcd/internal/session"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Host:           "127.0.0.1",
		Port:           0,
		DataDir:        t.TempDir(),
		MaxConnsPerSec: 100,
		SessionTTL:     24 * time.Hour,
		SweepInterval:  time.Minute,
	}
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(newTestConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// do pushes one request through the full dispatch path, exactly as the TCP
// front end would, and decodes the response union.
func do(t *testing.T, b *Broker, req protocol.Request) *protocol.Response {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(b.Dispatch(raw, zerolog.Nop()), &resp))
	return &resp
}

func register(t *testing.T, b *Broker, id string) string {
	t.Helper()
	resp := do(t, b, protocol.Request{Action: protocol.ActionRegister, InstanceID: id})
	require.Equal(t, protocol.StatusOK, resp.Status, "register %s: %s", id, resp.Message)
	require.NotEmpty(t, resp.SessionToken)
	return resp.SessionToken
}

func TestRegisterHappyPath(t *testing.T) {
	b := newTestBroker(t)

	resp := do(t, b, protocol.Request{Action: protocol.ActionRegister, InstanceID: "backend"})
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, "Registered backend", resp.Message)
	assert.NotEmpty(t, resp.SessionToken)

	check := do(t, b, protocol.Request{Action: protocol.ActionCheck, SessionToken: resp.SessionToken})
	require.True(t, check.OK())
	assert.Empty(t, check.Messages)

	list := do(t, b, protocol.Request{Action: protocol.ActionList, SessionToken: resp.SessionToken})
	require.True(t, list.OK())
	require.Len(t, list.Instances, 1)
	assert.Equal(t, "backend", list.Instances[0].ID)

	_, err := time.ParseInLocation(protocol.TimestampLayout, list.Instances[0].LastSeen, time.Local)
	assert.NoError(t, err, "last_seen uses the wire timestamp layout")
}

func TestRegisterValidation(t *testing.T) {
	b := newTestBroker(t)

	bad := []string{"", strings.Repeat("x", 33), "two words", "a/b", "system"}
	for _, id := range bad {
		resp := do(t, b, protocol.Request{Action: protocol.ActionRegister, InstanceID: id})
		assert.False(t, resp.OK(), "id %q should be rejected", id)
		assert.Equal(t, errInvalidInstanceID, resp.Message)
	}
}

func TestRegisterStorm(t *testing.T) {
	b := newTestBroker(t)

	for i := 0; i < identityWindowLimit; i++ {
		resp := do(t, b, protocol.Request{Action: protocol.ActionRegister, InstanceID: "hot"})
		require.True(t, resp.OK(), "register %d: %s", i+1, resp.Message)
	}
	resp := do(t, b, protocol.Request{Action: protocol.ActionRegister, InstanceID: "hot"})
	assert.False(t, resp.OK())
	assert.Equal(t, errRegisterStorm, resp.Message)

	// Other identifiers are unaffected.
	other := do(t, b, protocol.Request{Action: protocol.ActionRegister, InstanceID: "cold"})
	assert.True(t, other.OK(), other.Message)
}

func TestSendAndCheck(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")

	sent := do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: alice,
		ToID:         "bob",
		Message:      &protocol.Payload{Content: "build done", Data: map[string]any{"k": 1}},
	})
	require.True(t, sent.OK(), sent.Message)
	assert.Equal(t, "Message sent", sent.Message)

	check := do(t, b, protocol.Request{Action: protocol.ActionCheck, SessionToken: bob})
	require.True(t, check.OK())
	require.Len(t, check.Messages, 1)
	m := check.Messages[0]
	assert.Equal(t, "alice", m.From)
	assert.Equal(t, "bob", m.To)
	assert.Equal(t, "build done", m.Message.Content)
	assert.Equal(t, float64(1), m.Message.Data["k"])
	_, err := time.ParseInLocation(protocol.TimestampLayout, m.Timestamp, time.Local)
	assert.NoError(t, err)

	// Drained means drained, and the empty result is a JSON array.
	raw := b.Dispatch(mustJSON(t, protocol.Request{Action: protocol.ActionCheck, SessionToken: bob}), zerolog.Nop())
	assert.Contains(t, string(raw), `"messages":[]`)
}

func TestSendValidation(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")

	noMsg := do(t, b, protocol.Request{Action: protocol.ActionSend, SessionToken: alice, ToID: "bob"})
	assert.False(t, noMsg.OK())
	assert.Equal(t, errMissingMessage, noMsg.Message)

	badTo := do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: alice,
		ToID:         "no spaces allowed",
		Message:      &protocol.Payload{Content: "hi"},
	})
	assert.False(t, badTo.OK())
	assert.Equal(t, errInvalidRecipientID, badTo.Message)
}

func TestFutureDelivery(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")

	sent := do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: alice,
		ToID:         "ghost",
		Message:      &protocol.Payload{Content: "are you there yet"},
	})
	require.True(t, sent.OK())
	assert.Equal(t, "Message queued for ghost (not yet registered)", sent.Message)

	// The waiting queue does not make ghost visible.
	list := do(t, b, protocol.Request{Action: protocol.ActionList, SessionToken: alice})
	require.Len(t, list.Instances, 1)

	reg := do(t, b, protocol.Request{Action: protocol.ActionRegister, InstanceID: "ghost"})
	require.True(t, reg.OK())
	assert.Equal(t, "Registered ghost with 1 queued messages", reg.Message)

	check := do(t, b, protocol.Request{Action: protocol.ActionCheck, SessionToken: reg.SessionToken})
	require.Len(t, check.Messages, 1)
	assert.Equal(t, "are you there yet", check.Messages[0].Message.Content)
}

func TestSenderIdentityComesFromSession(t *testing.T) {
	b := newTestBroker(t)
	register(t, b, "alice")
	bob := register(t, b, "bob")
	mallory := register(t, b, "mallory")

	// A forged from_id is silently replaced by the session identity.
	do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: mallory,
		FromID:       "alice",
		ToID:         "bob",
		Message:      &protocol.Payload{Content: "trust me"},
	})

	check := do(t, b, protocol.Request{Action: protocol.ActionCheck, SessionToken: bob})
	require.Len(t, check.Messages, 1)
	assert.Equal(t, "mallory", check.Messages[0].From)
}

func TestInvalidSession(t *testing.T) {
	b := newTestBroker(t)
	register(t, b, "alice")

	for _, token := range []string{"", "bogus"} {
		resp := do(t, b, protocol.Request{Action: protocol.ActionList, SessionToken: token})
		assert.False(t, resp.OK())
		assert.Equal(t, errInvalidSession, resp.Message)
	}
}

func TestSessionExpiry(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")

	b.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	resp := do(t, b, protocol.Request{Action: protocol.ActionList, SessionToken: alice})
	assert.False(t, resp.OK())
	assert.Equal(t, errInvalidSession, resp.Message)
}

func TestUnknownAction(t *testing.T) {
	b := newTestBroker(t)

	// Routing precedes authentication, so no token is needed to learn that
	// an action does not exist.
	resp := do(t, b, protocol.Request{Action: "destroy"})
	assert.False(t, resp.OK())
	assert.Equal(t, "Unknown action: destroy", resp.Message)
}

func TestUnknownActionsShareOneMetricLabel(t *testing.T) {
	b := newTestBroker(t)

	for i := 0; i < 25; i++ {
		resp := do(t, b, protocol.Request{Action: protocol.Action(fmt.Sprintf("garbage-%d", i))})
		require.False(t, resp.OK())
	}

	// The action label set is fixed: the six real actions plus the two
	// buckets for bad input. Arbitrary client strings must not appear.
	allowed := map[string]bool{
		"register": true, "send": true, "broadcast": true,
		"check": true, "list": true, "rename": true,
		"invalid": true, "unknown": true,
	}

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	seen := 0
	for _, mf := range families {
		switch mf.GetName() {
		case "ipc_requests_total", "ipc_request_duration_seconds":
		default:
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lbl := range m.GetLabel() {
				if lbl.GetName() != "action" {
					continue
				}
				seen++
				assert.True(t, allowed[lbl.GetValue()],
					"client input minted the action label %q", lbl.GetValue())
			}
		}
	}
	require.Greater(t, seen, 0, "request metrics should have been recorded")
}

func TestMalformedJSON(t *testing.T) {
	b := newTestBroker(t)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(b.Dispatch([]byte("{not json"), zerolog.Nop()), &resp))
	assert.False(t, resp.OK())
	assert.NotEmpty(t, resp.Message)
}

func TestQueueCap(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")

	b.mu.Lock()
	full := make([]protocol.Delivered, protocol.MaxQueueLen)
	for i := range full {
		full[i] = protocol.Delivered{From: "x", To: "stuffed", Timestamp: b.now().Format(protocol.TimestampLayout)}
	}
	b.queues["stuffed"] = full
	b.mu.Unlock()

	resp := do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: alice,
		ToID:         "stuffed",
		Message:      &protocol.Payload{Content: "one more"},
	})
	assert.False(t, resp.OK())
	assert.Equal(t, "Message queue full for stuffed (100 message limit)", resp.Message)
}

func TestIdentityRateLimit(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")

	for i := 0; i < identityWindowLimit; i++ {
		resp := do(t, b, protocol.Request{Action: protocol.ActionList, SessionToken: alice})
		require.True(t, resp.OK(), "request %d: %s", i+1, resp.Message)
	}
	resp := do(t, b, protocol.Request{Action: protocol.ActionList, SessionToken: alice})
	assert.False(t, resp.OK())
	assert.Equal(t, errRateLimited, resp.Message)
}

func TestBroadcast(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")
	register(t, b, "carol")

	// carol's queue is at capacity and gets skipped without failing the
	// broadcast; the sender never receives their own message.
	b.mu.Lock()
	stuffed := make([]protocol.Delivered, protocol.MaxQueueLen)
	b.queues["carol"] = stuffed
	b.mu.Unlock()

	resp := do(t, b, protocol.Request{
		Action:       protocol.ActionBroadcast,
		SessionToken: alice,
		Message:      &protocol.Payload{Content: "restarting the db"},
	})
	require.True(t, resp.OK())
	assert.Equal(t, "Broadcast to 1 instances", resp.Message)

	check := do(t, b, protocol.Request{Action: protocol.ActionCheck, SessionToken: bob})
	require.Len(t, check.Messages, 1)
	assert.Equal(t, "alice", check.Messages[0].From)

	mine := do(t, b, protocol.Request{Action: protocol.ActionCheck, SessionToken: alice})
	assert.Empty(t, mine.Messages)
}

func TestBroadcastReachesFutureDeliveryQueues(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")

	// A never-registered name with a pending message counts as a known
	// queue for broadcast purposes.
	do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: alice,
		ToID:         "ghost",
		Message:      &protocol.Payload{Content: "hello"},
	})

	resp := do(t, b, protocol.Request{
		Action:       protocol.ActionBroadcast,
		SessionToken: alice,
		Message:      &protocol.Payload{Content: "everyone"},
	})
	require.True(t, resp.OK())
	assert.Equal(t, "Broadcast to 1 instances", resp.Message)

	reg := do(t, b, protocol.Request{Action: protocol.ActionRegister, InstanceID: "ghost"})
	assert.Equal(t, "Registered ghost with 2 queued messages", reg.Message)
}

func TestRenameFlow(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")

	renamed := do(t, b, protocol.Request{Action: protocol.ActionRename, SessionToken: alice, NewID: "smith"})
	require.True(t, renamed.OK(), renamed.Message)
	assert.Equal(t, "Renamed alice to smith", renamed.Message)

	// Everyone else hears about it from the reserved sender.
	note := do(t, b, protocol.Request{Action: protocol.ActionCheck, SessionToken: bob})
	require.Len(t, note.Messages, 1)
	assert.Equal(t, "system", note.Messages[0].From)
	assert.Equal(t, "alice renamed to smith", note.Messages[0].Message.Content)

	// The session keeps working under the new identity.
	list := do(t, b, protocol.Request{Action: protocol.ActionList, SessionToken: alice})
	require.True(t, list.OK())
	ids := make([]string, 0, len(list.Instances))
	for _, inst := range list.Instances {
		ids = append(ids, inst.ID)
	}
	assert.Equal(t, []string{"bob", "smith"}, ids)

	// Messages to the old name are forwarded.
	sent := do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: bob,
		ToID:         "alice",
		Message:      &protocol.Payload{Content: "old habits"},
	})
	require.True(t, sent.OK())
	assert.Equal(t, "Message forwarded from alice to smith", sent.Message)

	got := do(t, b, protocol.Request{Action: protocol.ActionCheck, SessionToken: alice})
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "smith", got.Messages[0].To)

	// A second rename inside the cooldown is refused.
	again := do(t, b, protocol.Request{Action: protocol.ActionRename, SessionToken: alice, NewID: "jones"})
	assert.False(t, again.OK())
	assert.Contains(t, again.Message, "Rate limit: can rename again in")

	// Colliding with a live instance is refused.
	carol := register(t, b, "carol")
	collide := do(t, b, protocol.Request{Action: protocol.ActionRename, SessionToken: carol, NewID: "smith"})
	assert.False(t, collide.OK())
	assert.Equal(t, "Instance smith already exists", collide.Message)

	badID := do(t, b, protocol.Request{Action: protocol.ActionRename, SessionToken: carol, NewID: "no spaces"})
	assert.False(t, badID.OK())
	assert.Equal(t, errInvalidNewInstanceID, badID.Message)

	reserved := do(t, b, protocol.Request{Action: protocol.ActionRename, SessionToken: carol, NewID: "system"})
	assert.False(t, reserved.OK())
	assert.Equal(t, errInvalidNewInstanceID, reserved.Message)
}

func TestRenameForwardExpires(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")

	require.True(t, do(t, b, protocol.Request{Action: protocol.ActionRename, SessionToken: alice, NewID: "smith"}).OK())

	b.now = func() time.Time { return time.Now().Add(forwardTTL + time.Minute) }

	sent := do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: bob,
		ToID:         "alice",
		Message:      &protocol.Payload{Content: "too late"},
	})
	require.True(t, sent.OK())
	assert.Equal(t, "Message queued for alice (not yet registered)", sent.Message)

	b.mu.Lock()
	_, forwarded := b.nameHistory["alice"]
	queued := len(b.queues["alice"])
	b.mu.Unlock()
	assert.False(t, forwarded, "expired forward is pruned")
	assert.Equal(t, 1, queued, "message waits under the old name")
}

func TestForwardBeatsReRegistration(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")

	require.True(t, do(t, b, protocol.Request{Action: protocol.ActionRename, SessionToken: alice, NewID: "smith"}).OK())

	// The old name is free again and someone new claims it. While the
	// forward lives, senders using that name still reach smith.
	register(t, b, "alice")

	sent := do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: bob,
		ToID:         "alice",
		Message:      &protocol.Payload{Content: "for whom"},
	})
	require.True(t, sent.OK())
	assert.Equal(t, "Message forwarded from alice to smith", sent.Message)
}

func TestRenameCooldownDoesNotHauntReclaimedName(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")
	require.True(t, do(t, b, protocol.Request{Action: protocol.ActionRename, SessionToken: alice, NewID: "smith"}).OK())

	// The cooldown moved to smith; a fresh claimant of "alice" may rename
	// immediately.
	fresh := register(t, b, "alice")
	resp := do(t, b, protocol.Request{Action: protocol.ActionRename, SessionToken: fresh, NewID: "newcomer"})
	assert.True(t, resp.OK(), resp.Message)
}

func TestRenameReleasesOldRateWindow(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")

	// Burn most of the identity window, then move the identity away.
	for i := 0; i < identityWindowLimit-2; i++ {
		require.True(t, do(t, b, protocol.Request{Action: protocol.ActionList, SessionToken: alice}).OK())
	}
	require.True(t, do(t, b, protocol.Request{Action: protocol.ActionRename, SessionToken: alice, NewID: "smith"}).OK())

	// A fresh claimant of the released name starts with a clean window
	// instead of inheriting the previous holder's request history.
	fresh := register(t, b, "alice")
	for i := 0; i < 10; i++ {
		resp := do(t, b, protocol.Request{Action: protocol.ActionList, SessionToken: fresh})
		require.True(t, resp.OK(), "request %d under reclaimed name: %s", i+1, resp.Message)
	}
}

func TestRenameUnknownInstance(t *testing.T) {
	b := newTestBroker(t)

	// Unreachable through dispatch, which always touches the session
	// identity first; the handler still guards it.
	b.mu.Lock()
	resp := b.rename(&protocol.Request{OldID: "ghost", NewID: "anything"})
	b.mu.Unlock()

	errResp, ok := resp.(protocol.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "Instance ghost not found", errResp.Message)
}

func TestSpillBoundary(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")

	t.Run("at the threshold stays inline", func(t *testing.T) {
		content := strings.Repeat("a", protocol.LargeContentBytes)
		sent := do(t, b, protocol.Request{
			Action:       protocol.ActionSend,
			SessionToken: alice,
			ToID:         "bob",
			Message:      &protocol.Payload{Content: content},
		})
		require.True(t, sent.OK())
		assert.Equal(t, "Message sent", sent.Message)

		check := do(t, b, protocol.Request{Action: protocol.ActionCheck, SessionToken: bob})
		require.Len(t, check.Messages, 1)
		assert.Equal(t, content, check.Messages[0].Message.Content)
		assert.NotContains(t, check.Messages[0].Message.Data, "large_message_file")
	})

	t.Run("one byte over spills to a file", func(t *testing.T) {
		content := "Status update follows. " + strings.Repeat("b", protocol.LargeContentBytes)
		sent := do(t, b, protocol.Request{
			Action:       protocol.ActionSend,
			SessionToken: alice,
			ToID:         "bob",
			Message:      &protocol.Payload{Content: content, Data: map[string]any{"keep": "me"}},
		})
		require.True(t, sent.OK())

		check := do(t, b, protocol.Request{Action: protocol.ActionCheck, SessionToken: bob})
		require.Len(t, check.Messages, 1)
		m := check.Messages[0]

		assert.Contains(t, m.Message.Content, "Status update follows.")
		assert.Contains(t, m.Message.Content, "Full content saved to: ")
		assert.Less(t, len(m.Message.Content), 1024, "queued stub is small")

		assert.Equal(t, "me", m.Message.Data["keep"], "sender data rides along")
		path, ok := m.Message.Data["large_message_file"].(string)
		require.True(t, ok, "spill path is attached to data")
		sizeKB, ok := m.Message.Data["original_size_kb"].(float64)
		require.True(t, ok)
		assert.InDelta(t, 10.0, sizeKB, 0.11)

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(raw), content, "full content lands in the file")
	})
}

func TestSpillPersistsBareSummary(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")
	register(t, b, "bob")

	content := "Deploy finished. Logs are archived. " + strings.Repeat("z", protocol.LargeContentBytes)
	sent := do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: alice,
		ToID:         "bob",
		Message:      &protocol.Payload{Content: content},
	})
	require.True(t, sent.OK(), sent.Message)

	unread, err := b.store.LoadUnread()
	require.NoError(t, err)
	require.Len(t, unread, 1)
	row := unread[0]

	// The summary column holds the bare extract; the stub with the file
	// pointer lives in content.
	assert.Equal(t, "Deploy finished. Logs are archived.", row.Summary)
	assert.NotEmpty(t, row.LargeFilePath)
	assert.Contains(t, row.Content, "Full content saved to: ")
	assert.NotEqual(t, row.Content, row.Summary)
}

func TestRestartRecovery(t *testing.T) {
	cfg := newTestConfig(t)

	b1, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	alice := register(t, b1, "alice")
	bob := register(t, b1, "bob")
	for _, content := range []string{"first", "second"} {
		resp := do(t, b1, protocol.Request{
			Action:       protocol.ActionSend,
			SessionToken: alice,
			ToID:         "bob",
			Message:      &protocol.Payload{Content: content, Data: map[string]any{"n": content}},
		})
		require.True(t, resp.OK())
	}
	do(t, b1, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: alice,
		ToID:         "ghost",
		Message:      &protocol.Payload{Content: "waiting"},
	})
	require.NoError(t, b1.Close())

	// Same data dir, fresh process: queues, instances and sessions reload.
	b2, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	list := do(t, b2, protocol.Request{Action: protocol.ActionList, SessionToken: alice})
	require.True(t, list.OK(), "sessions survive restarts: %s", list.Message)
	require.Len(t, list.Instances, 2)

	check := do(t, b2, protocol.Request{Action: protocol.ActionCheck, SessionToken: bob})
	require.Len(t, check.Messages, 2)
	assert.Equal(t, "first", check.Messages[0].Message.Content)
	assert.Equal(t, "second", check.Messages[1].Message.Content)
	assert.Equal(t, "first", check.Messages[0].Message.Data["n"], "data survives the round trip")

	reg := do(t, b2, protocol.Request{Action: protocol.ActionRegister, InstanceID: "ghost"})
	assert.Equal(t, "Registered ghost with 1 queued messages", reg.Message)
	require.NoError(t, b2.Close())

	// Drained messages stay drained across another restart.
	b3, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b3.Close()

	again := do(t, b3, protocol.Request{Action: protocol.ActionCheck, SessionToken: bob})
	assert.Empty(t, again.Messages)
}

func TestRestartAfterRenameOntoWaitingName(t *testing.T) {
	cfg := newTestConfig(t)
	b1, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	alice := register(t, b1, "alice")
	bob := register(t, b1, "bob")

	// bob leaves a message for an unclaimed name, then alice renames onto
	// that name, which replaces the waiting queue wholesale.
	sent := do(t, b1, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: bob,
		ToID:         "fresh-start",
		Message:      &protocol.Payload{Content: "for whoever claims this"},
	})
	require.True(t, sent.OK())
	require.True(t, do(t, b1, protocol.Request{Action: protocol.ActionRename, SessionToken: alice, NewID: "fresh-start"}).OK())

	first := do(t, b1, protocol.Request{Action: protocol.ActionCheck, SessionToken: alice})
	require.True(t, first.OK())
	assert.Empty(t, first.Messages, "the replaced queue does not deliver")
	require.NoError(t, b1.Close())

	b2, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b2.Close()

	again := do(t, b2, protocol.Request{Action: protocol.ActionCheck, SessionToken: alice})
	require.True(t, again.OK())
	assert.Empty(t, again.Messages, "replaced messages stay gone after a restart")

	// Unrelated unread rows still recover: bob's rename notification.
	note := do(t, b2, protocol.Request{Action: protocol.ActionCheck, SessionToken: bob})
	require.True(t, note.OK())
	require.Len(t, note.Messages, 1)
	assert.Equal(t, "system", note.Messages[0].From)
}

func TestSweepDropsStaleFutureDelivery(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")
	register(t, b, "bob")

	do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: alice,
		ToID:         "ghost",
		Message:      &protocol.Payload{Content: "stale"},
	})
	do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: alice,
		ToID:         "bob",
		Message:      &protocol.Payload{Content: "safe"},
	})

	b.now = func() time.Time { return time.Now().Add(unregisteredMessageTTL + time.Hour) }
	b.Sweep()

	b.mu.Lock()
	_, ghostQueue := b.queues["ghost"]
	bobQueue := len(b.queues["bob"])
	b.mu.Unlock()

	assert.False(t, ghostQueue, "emptied future-delivery queue is removed")
	assert.Equal(t, 1, bobQueue, "registered recipients keep their backlog")

	unread, err := b.store.LoadUnread()
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "bob", unread[0].ToID, "expired rows are deleted from the store")
}

func TestCheckMissingQueueCreatesNothing(t *testing.T) {
	b := newTestBroker(t)

	b.mu.Lock()
	resp := b.check(&protocol.Request{InstanceID: "nobody"})
	_, exists := b.queues["nobody"]
	b.mu.Unlock()

	checkResp, ok := resp.(protocol.CheckResponse)
	require.True(t, ok)
	assert.NotNil(t, checkResp.Messages)
	assert.Empty(t, checkResp.Messages)
	assert.False(t, exists, "checking must not materialize a queue")
}

func TestDrainedQueueStaysKnown(t *testing.T) {
	b := newTestBroker(t)
	alice := register(t, b, "alice")
	bob := register(t, b, "bob")

	do(t, b, protocol.Request{
		Action:       protocol.ActionSend,
		SessionToken: alice,
		ToID:         "bob",
		Message:      &protocol.Payload{Content: "hi"},
	})
	do(t, b, protocol.Request{Action: protocol.ActionCheck, SessionToken: bob})

	b.mu.Lock()
	q, exists := b.queues["bob"]
	b.mu.Unlock()
	assert.True(t, exists, "drained queue keeps its slot")
	assert.Empty(t, q)

	// Re-registration after a drain reports no pending messages.
	reg := do(t, b, protocol.Request{Action: protocol.ActionRegister, InstanceID: "bob"})
	assert.Equal(t, "Registered bob", reg.Message)
}

func TestLastSeenRefreshesOnEveryRequest(t *testing.T) {
	b := newTestBroker(t)

	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.Local)
	b.now = func() time.Time { return t0 }
	alice := register(t, b, "alice")

	t1 := t0.Add(10 * time.Minute)
	b.now = func() time.Time { return t1 }

	list := do(t, b, protocol.Request{Action: protocol.ActionList, SessionToken: alice})
	require.Len(t, list.Instances, 1)
	assert.Equal(t, t1.Format(protocol.TimestampLayout), list.Instances[0].LastSeen)
}

func TestRegistrationAuth(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.SharedSecret = "team-secret"
	b, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	missing := do(t, b, protocol.Request{Action: protocol.ActionRegister, InstanceID: "alice"})
	assert.False(t, missing.OK())
	assert.Equal(t, errInvalidAuthToken, missing.Message)

	wrong := do(t, b, protocol.Request{
		Action:     protocol.ActionRegister,
		InstanceID: "alice",
		AuthToken:  session.RegistrationToken("alice", "wrong-secret"),
	})
	assert.False(t, wrong.OK())
	assert.Equal(t, errInvalidAuthToken, wrong.Message)

	right := do(t, b, protocol.Request{
		Action:     protocol.ActionRegister,
		InstanceID: "alice",
		AuthToken:  session.RegistrationToken("alice", "team-secret"),
	})
	assert.True(t, right.OK(), right.Message)
	assert.NotEmpty(t, right.SessionToken)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
