package broker

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/adred-codev/ipcd/internal/monitoring"
	"github.com/adred-codev/ipcd/internal/protocol"
	"github.com/adred-codev/ipcd/internal/session"
	"github.com/adred-codev/ipcd/internal/store"
)

// Handlers implement one action each. All of them run under b.mu, taken by
// Dispatch, so they may touch queues, instances, name history and the store
// without further locking. Returned values are the per-action response
// variants from the protocol package.

// register claims an identifier and mints a session token. Re-registering an
// identifier that is already active is allowed: the caller gets a fresh
// token and the existing queue is kept, which is what a restarted client
// wants.
func (b *Broker) register(req *protocol.Request) any {
	id := req.InstanceID
	if !protocol.ValidNewInstanceID(id) {
		return protocol.Err(errInvalidInstanceID)
	}
	if !b.window.Allow("register_" + id) {
		return protocol.Err(errRegisterStorm)
	}
	if b.cfg.AuthEnabled() && req.AuthToken != session.RegistrationToken(id, b.cfg.SharedSecret) {
		b.logger.Warn().Str("instance_id", id).Msg("Registration with bad auth token")
		return protocol.Err(errInvalidAuthToken)
	}

	now := b.now()
	token, err := b.sessions.Issue(id, now)
	if err != nil {
		b.logger.Error().Err(err).Str("instance_id", id).Msg("Failed to mint session token")
		return protocol.Err("Failed to create session")
	}

	b.instances[id] = now
	if err := b.store.UpsertInstance(id, now); err != nil {
		b.logger.Error().Err(err).Str("instance_id", id).Msg("Failed to persist instance")
		monitoring.PersistenceErrors.Inc()
	}

	// Messages sent before registration are waiting in a future-delivery
	// queue; registration adopts it.
	pending := len(b.queues[id])
	if _, ok := b.queues[id]; !ok {
		b.queues[id] = nil
	}

	msg := fmt.Sprintf("Registered %s", id)
	if pending > 0 {
		msg = fmt.Sprintf("Registered %s with %d queued messages", id, pending)
	}
	b.logger.Info().Str("instance_id", id).Int("pending", pending).Msg("Instance registered")

	return protocol.RegisterResponse{
		Status:       protocol.StatusOK,
		SessionToken: token,
		Message:      msg,
	}
}

// send queues one message for a single recipient. Oversized content is
// spilled to a file before name resolution, so the spill artifact names the
// recipient the sender addressed, not the forward target.
func (b *Broker) send(req *protocol.Request) any {
	if req.Message == nil {
		return protocol.Err(errMissingMessage)
	}
	if !protocol.ValidInstanceID(req.ToID) {
		return protocol.Err(errInvalidRecipientID)
	}

	payload := *req.Message
	var spillSummary string
	if len(payload.Content) > protocol.LargeContentBytes {
		path, summary, err := b.writeLargeMessage(req.FromID, req.ToID, payload.Content)
		if err != nil {
			b.logger.Error().Err(err).Str("to_id", req.ToID).Msg("Large-message spill failed")
			return protocol.Err(errSpillFailed)
		}
		monitoring.MessagesSpilled.Inc()
		spillSummary = summary

		data := payload.Data
		if data == nil {
			data = make(map[string]any)
		}
		data["large_message_file"] = path
		data["original_size_kb"] = roundKB(len(payload.Content))
		payload = protocol.Payload{
			Content: fmt.Sprintf("%s Full content saved to: %s", summary, path),
			Data:    data,
		}
	}

	resolved := b.resolve(req.ToID)
	forwarded := resolved != req.ToID

	if _, ok := b.queues[resolved]; !ok {
		b.queues[resolved] = nil
	}
	_, registered := b.instances[resolved]

	if len(b.queues[resolved]) >= protocol.MaxQueueLen {
		monitoring.QueueFullRejections.Inc()
		return protocol.Err(fmt.Sprintf("Message queue full for %s (100 message limit)", resolved))
	}

	b.enqueue(req.FromID, resolved, payload, spillSummary)

	switch {
	case forwarded:
		return protocol.OK(fmt.Sprintf("Message forwarded from %s to %s", req.ToID, resolved))
	case !registered:
		return protocol.OK(fmt.Sprintf("Message queued for %s (not yet registered)", resolved))
	default:
		return protocol.OK("Message sent")
	}
}

// broadcast queues one message into every other known queue, including
// future-delivery queues. Recipients whose queue is at capacity are skipped
// rather than failing the whole broadcast, and are not counted.
func (b *Broker) broadcast(req *protocol.Request) any {
	if req.Message == nil {
		return protocol.Err(errMissingMessage)
	}

	count := 0
	for id := range b.queues {
		if id == req.FromID {
			continue
		}
		if len(b.queues[id]) >= protocol.MaxQueueLen {
			monitoring.QueueFullRejections.Inc()
			continue
		}
		b.enqueue(req.FromID, id, *req.Message, "")
		count++
	}

	return protocol.OK(fmt.Sprintf("Broadcast to %d instances", count))
}

// check drains the caller's queue. The queue key stays behind empty; a
// recipient that was never sent anything gets an empty result without a
// queue being created for it.
func (b *Broker) check(req *protocol.Request) any {
	resolved := b.resolve(req.InstanceID)

	queue, ok := b.queues[resolved]
	if !ok {
		return protocol.CheckResponse{Status: protocol.StatusOK, Messages: []protocol.Delivered{}}
	}
	b.queues[resolved] = nil

	if len(queue) > 0 {
		timestamps := make([]string, len(queue))
		for i, m := range queue {
			timestamps[i] = m.Timestamp
		}
		if err := b.store.MarkRead(resolved, timestamps); err != nil {
			b.logger.Error().Err(err).Str("instance_id", resolved).Msg("Failed to mark messages read")
			monitoring.PersistenceErrors.Inc()
		}
		monitoring.MessagesDelivered.Add(float64(len(queue)))
		b.logger.Debug().Str("instance_id", resolved).Int("drained", len(queue)).Msg("Queue drained")
	}

	if queue == nil {
		queue = []protocol.Delivered{}
	}
	return protocol.CheckResponse{Status: protocol.StatusOK, Messages: queue}
}

// list returns every active instance, sorted by identifier for stable
// output.
func (b *Broker) list() any {
	infos := make([]protocol.InstanceInfo, 0, len(b.instances))
	for id, seen := range b.instances {
		infos = append(infos, protocol.InstanceInfo{
			ID:       id,
			LastSeen: seen.Format(protocol.TimestampLayout),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return protocol.ListResponse{Status: protocol.StatusOK, Instances: infos}
}

// rename moves the caller's identity to a new identifier: the queue, the
// instance entry, sessions and persistent rows all follow, and the old name
// keeps forwarding for forwardTTL. One rename per cooldown per identity.
func (b *Broker) rename(req *protocol.Request) any {
	oldID, newID := req.OldID, req.NewID
	if !protocol.ValidNewInstanceID(newID) {
		return protocol.Err(errInvalidNewInstanceID)
	}
	if _, ok := b.instances[oldID]; !ok {
		return protocol.Err(fmt.Sprintf("Instance %s not found", oldID))
	}
	if _, ok := b.instances[newID]; ok {
		return protocol.Err(fmt.Sprintf("Instance %s already exists", newID))
	}

	now := b.now()
	if last, ok := b.lastRename[oldID]; ok {
		if wait := renameCooldown - now.Sub(last); wait > 0 {
			return protocol.Err(fmt.Sprintf("Rate limit: can rename again in %d minutes", int(wait.Minutes())))
		}
	}

	// Queue and instance entry move wholesale; last_seen is preserved.
	b.queues[newID] = b.queues[oldID]
	delete(b.queues, oldID)
	lastSeen := b.instances[oldID]
	delete(b.instances, oldID)
	b.instances[newID] = lastSeen

	// The released name forwards to the new one for forwardTTL. If oldID
	// was itself a forward target, senders using the older name now need
	// two hops; resolution is deliberately single-hop, so that chain goes
	// dark when the first entry expires.
	b.nameHistory[oldID] = forward{New: newID, At: now}

	// The cooldown clock follows the identity to its new name; the released
	// name's request window starts fresh for its next claimant.
	b.lastRename[newID] = now
	delete(b.lastRename, oldID)
	b.window.Forget(oldID)

	b.sessions.Rebind(oldID, newID)

	if err := b.store.RenameInstance(oldID, newID, lastSeen, now); err != nil {
		b.logger.Error().Err(err).Str("old_id", oldID).Str("new_id", newID).Msg("Failed to persist rename")
		monitoring.PersistenceErrors.Inc()
	}

	note := protocol.Payload{Content: fmt.Sprintf("%s renamed to %s", oldID, newID)}
	for id := range b.queues {
		if id == newID {
			continue
		}
		if len(b.queues[id]) >= protocol.MaxQueueLen {
			continue
		}
		b.enqueue("system", id, note, "")
	}

	b.logger.Info().Str("old_id", oldID).Str("new_id", newID).Msg("Instance renamed")
	return protocol.OK(fmt.Sprintf("Renamed %s to %s", oldID, newID))
}

// enqueue stamps, appends and mirrors one message. summary is the bare
// extract of spilled content, kept for the persistent row only; inline
// messages pass "". The caller has already checked capacity.
func (b *Broker) enqueue(from, to string, payload protocol.Payload, summary string) {
	entry := protocol.Delivered{
		From:      from,
		To:        to,
		Timestamp: b.now().Format(protocol.TimestampLayout),
		Message:   payload,
	}
	b.queues[to] = append(b.queues[to], entry)
	monitoring.MessagesQueued.Inc()
	b.persistMessage(entry, summary)
}

// persistMessage mirrors one queued message to the store. Failures are
// logged and counted; the in-memory copy still delivers, it just will not
// survive a restart.
func (b *Broker) persistMessage(entry protocol.Delivered, summary string) {
	row := &store.Message{
		FromID:    entry.From,
		ToID:      entry.To,
		Content:   entry.Message.Content,
		Timestamp: entry.Timestamp,
	}
	if entry.Message.Data != nil {
		if raw, err := json.Marshal(entry.Message.Data); err == nil {
			row.Data = string(raw)
		}
		if path, ok := entry.Message.Data["large_message_file"].(string); ok {
			row.LargeFilePath = path
			row.Summary = summary
		}
	}
	if err := b.store.SaveMessage(row); err != nil {
		b.logger.Error().Err(err).Str("to_id", entry.To).Msg("Failed to persist message")
		monitoring.PersistenceErrors.Inc()
	}
}

// touch refreshes last_seen for an authenticated identity, in memory and in
// the store.
func (b *Broker) touch(id string, now time.Time) {
	b.instances[id] = now
	if err := b.store.UpsertInstance(id, now); err != nil {
		b.logger.Error().Err(err).Str("instance_id", id).Msg("Failed to refresh last_seen")
		monitoring.PersistenceErrors.Inc()
	}
}
