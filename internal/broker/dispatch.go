package broker

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ipcd/internal/monitoring"
	"github.com/adred-codev/ipcd/internal/protocol"
)

// Dispatch handles one raw request and returns the encoded response. It is
// the single entry point for the TCP front end: parsing happens outside the
// lock, then the whole of routing, session validation, rate limiting,
// handler work and database writes runs under b.mu.
func (b *Broker) Dispatch(raw []byte, logger zerolog.Logger) []byte {
	start := time.Now()

	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Warn().Err(err).Int("bytes", len(raw)).Msg("Rejected unparseable request")
		monitoring.RecordRequest("invalid", protocol.StatusError, time.Since(start))
		return encode(protocol.Err(err.Error()), logger)
	}

	resp := b.handleLocked(&req)

	status := protocol.StatusOK
	if _, failed := resp.(protocol.ErrorResponse); failed {
		status = protocol.StatusError
	}
	// Client-supplied action names must not mint metric label values.
	label := string(req.Action)
	if !req.Action.Known() {
		label = "unknown"
	}
	monitoring.RecordRequest(label, status, time.Since(start))
	logger.Debug().
		Str("action", string(req.Action)).
		Str("status", status).
		Dur("duration", time.Since(start)).
		Msg("Request handled")

	return encode(resp, logger)
}

// handleLocked runs one request under the broker mutex. The unlock is
// deferred so a panicking handler releases the lock on its way up to the
// worker's recover instead of wedging every later request.
func (b *Broker) handleLocked(req *protocol.Request) any {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp := b.route(req)
	b.publishGauges()
	return resp
}

// route validates the action, authenticates everything except register, and
// invokes the handler. Caller holds b.mu.
func (b *Broker) route(req *protocol.Request) any {
	switch req.Action {
	case protocol.ActionRegister:
		return b.register(req)
	case protocol.ActionSend, protocol.ActionBroadcast, protocol.ActionCheck,
		protocol.ActionList, protocol.ActionRename:
		// Authenticated actions continue below.
	default:
		return protocol.Err("Unknown action: " + string(req.Action))
	}

	now := b.now()
	id, ok := b.sessions.Resolve(req.SessionToken, now)
	if !ok {
		return protocol.Err(errInvalidSession)
	}

	// The session identity is authoritative. Whatever the client claimed
	// as sender, checker or rename subject is overwritten, which is what
	// makes spoofing a wire no-op.
	req.FromID = id
	req.InstanceID = id
	req.OldID = id

	if !b.window.Allow(id) {
		b.logger.Warn().Str("instance_id", id).Msg("Identity over rate limit")
		return protocol.Err(errRateLimited)
	}

	b.touch(id, now)

	switch req.Action {
	case protocol.ActionSend:
		return b.send(req)
	case protocol.ActionBroadcast:
		return b.broadcast(req)
	case protocol.ActionCheck:
		return b.check(req)
	case protocol.ActionList:
		return b.list()
	case protocol.ActionRename:
		return b.rename(req)
	}
	// Unreachable: the action was validated above.
	return protocol.Err("Unknown action: " + string(req.Action))
}

// encode marshals a response variant. The variants are plain structs of
// strings and slices, so failure here means a programming error; it is
// logged and degraded to a generic error body rather than panicking the
// worker.
func encode(resp any, logger zerolog.Logger) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
		return []byte(`{"status":"error","message":"Internal server error"}`)
	}
	return out
}
