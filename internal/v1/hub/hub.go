// Package hub is the in-memory room/session registry at the center of the
// signaling service. It is transport-agnostic: adapters hand it raw
// envelope bytes from whichever connection they manage and it drives all
// room membership, relay, and broadcast logic.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/agatx/serenada/internal/v1/bus"
	"github.com/agatx/serenada/internal/v1/ids"
	"github.com/agatx/serenada/internal/v1/logging"
	"github.com/agatx/serenada/internal/v1/metrics"
	"github.com/agatx/serenada/internal/v1/tokenstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const callTokenTTL = 5 * time.Minute

// Session is the hub's view of one connected client, implemented by each
// transport adapter. Send must never block the caller: a full outbound
// queue drops the message rather than stalling the hub.
type Session interface {
	Sid() string
	Transport() string
	IP() string
	Send(Envelope)
	Close()
}

// sessionEntry is the hub's bookkeeping for one registered session: which
// session object currently owns the sid (Replace can swap it) and which
// room/cid it currently holds, if any.
type sessionEntry struct {
	session Session
	rid     string
	cid     string
}

// Room holds the membership state of a single room. Its mutex is always
// acquired after, never before, the owning Hub's registry lock.
type Room struct {
	mu           sync.Mutex
	rid          string
	participants map[string]string // sid -> cid
	hostCid      string
}

func newRoom(rid string) *Room {
	return &Room{rid: rid, participants: make(map[string]string)}
}

type roomSnapshot struct {
	hostCid      string
	participants []string // cids
}

func (r *Room) snapshotLocked() roomSnapshot {
	cids := make([]string, 0, len(r.participants))
	for _, c := range r.participants {
		cids = append(cids, c)
	}
	return roomSnapshot{hostCid: r.hostCid, participants: cids}
}

func snapshotToPayload(s roomSnapshot) RoomStatePayload {
	infos := make([]ParticipantInfo, 0, len(s.participants))
	for _, c := range s.participants {
		infos = append(infos, ParticipantInfo{Cid: c})
	}
	return RoomStatePayload{HostCid: s.hostCid, Participants: infos}
}

// Hub is the process-wide registry of sessions, rooms, and room watchers.
// The registry lock (mu) guards the sessions, rooms, watchers, and
// subscribed maps themselves; each Room's own lock guards that room's
// membership. Lock order is always registry-then-room, held together
// when both are needed, and never across a Session.Send or bus call.
//
// When bus is non-nil, room occupancy is additionally mirrored into a
// Redis set per room (one member per participant, cluster-wide) and
// room_status_update refreshes are fanned out over Redis pub/sub, so a
// horizontally-scaled deployment's watch_rooms subscribers see counts
// that include participants connected to other instances. Room
// membership and relay itself stay instance-local: a call's two
// participants must land on the same instance (e.g. via sticky routing
// upstream of the hub).
type Hub struct {
	mu         sync.Mutex
	sessions   map[string]*sessionEntry
	rooms      map[string]*Room
	watchers   map[string]map[string]struct{} // rid -> set of sid
	subscribed map[string]context.CancelFunc   // rid -> cancel for this instance's bus subscription

	minter *ids.RoomIDMinter
	tokens *tokenstore.Store
	bus    *bus.Service

	instanceID string
	turnHost   string
	turnSecret string
}

// New builds an empty Hub bound to a room-ID minter and token store.
// busService may be nil, in which case the hub runs single-instance:
// occupancy counts come purely from local room state.
func New(minter *ids.RoomIDMinter, tokens *tokenstore.Store, busService *bus.Service, turnHost, turnSecret string) *Hub {
	return &Hub{
		sessions:   make(map[string]*sessionEntry),
		rooms:      make(map[string]*Room),
		watchers:   make(map[string]map[string]struct{}),
		subscribed: make(map[string]context.CancelFunc),
		minter:     minter,
		tokens:     tokens,
		bus:        busService,
		instanceID: uuid.NewString(),
		turnHost:   turnHost,
		turnSecret: turnSecret,
	}
}

func participantSetKey(rid string) string {
	return "signal:participants:" + rid
}

// markPresence mirrors one participant's presence in rid into the
// cluster-wide Redis set backing cross-instance occupancy counts. No-op
// in single-instance mode.
func (h *Hub) markPresence(rid, sid string, present bool) {
	if h.bus == nil {
		return
	}
	key := participantSetKey(rid)
	var err error
	if present {
		err = h.bus.SetAdd(context.Background(), key, sid)
	} else {
		err = h.bus.SetRem(context.Background(), key, sid)
	}
	if err != nil {
		logging.Warn(context.Background(), "hub: failed to update presence set",
			zap.String("rid", rid), zap.Error(err))
	}
}

// publishRoomEvent tells other instances that rid's occupancy changed, so
// their notifyWatchers can refresh and push to their own local watchers.
// No-op in single-instance mode.
func (h *Hub) publishRoomEvent(rid string) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(context.Background(), rid, "room_status_update", nil, h.instanceID); err != nil {
		logging.Warn(context.Background(), "hub: failed to publish room event",
			zap.String("rid", rid), zap.Error(err))
	}
}

// ensureSubscribed starts this instance's Redis subscription for rid the
// first time a local watcher asks about it, so remote occupancy changes
// reach notifyWatchers here too. No-op in single-instance mode or if
// already subscribed.
func (h *Hub) ensureSubscribed(rid string) {
	if h.bus == nil {
		return
	}

	h.mu.Lock()
	if _, ok := h.subscribed[rid]; ok {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.subscribed[rid] = cancel
	h.mu.Unlock()

	h.bus.Subscribe(ctx, rid, nil, func(msg bus.PubSubPayload) {
		if msg.SenderID == h.instanceID {
			return
		}
		h.notifyWatchers(rid)
	})
}

// Register adds a newly-connected session to the registry. Callers must
// register a session before calling Deliver for it.
func (h *Hub) Register(s Session) {
	h.mu.Lock()
	h.sessions[s.Sid()] = &sessionEntry{session: s}
	h.mu.Unlock()

	metrics.IncSession(s.Transport())
}

// Replace swaps the live Session object bound to sid and closes the old
// one, for a transport that resumes an existing sid on a new Session
// object. The event-stream adapter does not call it: its resume path
// reattaches the new HTTP connection to the same session object. Returns
// false if sid was not already registered (the caller should Register
// instead).
func (h *Hub) Replace(sid string, newSession Session) bool {
	h.mu.Lock()
	e, ok := h.sessions[sid]
	if !ok {
		h.mu.Unlock()
		return false
	}
	old := e.session
	e.session = newSession
	h.mu.Unlock()

	if old != nil && old != newSession {
		old.Close()
	}
	return true
}

// Disconnect removes a session from the registry entirely: it leaves its
// current room (if any), is dropped from every watch-set, and is
// forgotten. Safe to call more than once for the same session.
func (h *Hub) Disconnect(s Session) {
	sid := s.Sid()

	h.removeFromRoom(sid)

	h.mu.Lock()
	_, existed := h.sessions[sid]
	delete(h.sessions, sid)
	for _, set := range h.watchers {
		delete(set, sid)
	}
	h.mu.Unlock()

	if existed {
		metrics.DecSession(s.Transport())
	}
}

// Deliver parses and dispatches one inbound envelope on behalf of session
// s, which must already be registered.
func (h *Hub) Deliver(s Session, raw []byte) {
	start := time.Now()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.recordDispatch("", "bad_request", start)
		s.Send(h.errorEnvelope(Envelope{}, CodeBadRequest, "malformed json"))
		return
	}

	if env.V != ProtocolVersion {
		h.recordDispatch(env.Type, "unsupported_version", start)
		s.Send(h.errorEnvelope(env, CodeUnsupportedVersion, "unsupported protocol version"))
		return
	}

	switch env.Type {
	case TypeJoin:
		h.handleJoin(s, env)
	case TypeLeave:
		h.removeFromRoom(s.Sid())
	case TypeEndRoom:
		h.handleEndRoom(s, env)
	case TypeOffer, TypeAnswer, TypeIce:
		h.handleRelay(s, env)
	case TypeWatchRooms:
		h.handleWatchRooms(s, env)
	case TypePing:
		// No hub-level action; liveness bookkeeping lives in the transport.
	default:
		logging.Warn(context.Background(), "hub: dropping unknown message type",
			zap.String("type", env.Type), zap.String("sid", s.Sid()))
		h.recordDispatch(env.Type, "unknown_type", start)
		return
	}

	h.recordDispatch(env.Type, "ok", start)
}

func (h *Hub) recordDispatch(msgType, status string, start time.Time) {
	if msgType == "" {
		msgType = "unknown"
	}
	metrics.MessagesDispatched.WithLabelValues(msgType, status).Inc()
	metrics.DispatchDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
}

func (h *Hub) errorEnvelope(env Envelope, code Code, message string) Envelope {
	return Envelope{
		V:       ProtocolVersion,
		Type:    TypeError,
		Rid:     env.Rid,
		Sid:     env.Sid,
		Payload: marshalOrEmpty(ErrorPayload{Code: code, Message: message}),
	}
}

func (h *Hub) getEntry(sid string) (Session, string, string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.sessions[sid]
	if !ok {
		return nil, "", "", false
	}
	return e.session, e.rid, e.cid, true
}

func (h *Hub) getSession(sid string) Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.sessions[sid]
	if !ok {
		return nil
	}
	return e.session
}

func (h *Hub) setSessionRoomState(sid, rid, cid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.sessions[sid]; ok {
		e.rid = rid
		e.cid = cid
	}
}

func (h *Hub) clearSessionRoomState(sid string) {
	h.setSessionRoomState(sid, "", "")
}

// handleJoin implements §4.6.3: leave any prior room, validate rid,
// evict a matching ghost under reconnect, admit the session if the room
// has capacity, mint a relay-credential token, and broadcast room_state.
func (h *Hub) handleJoin(s Session, env Envelope) {
	var payload JoinPayload
	_ = json.Unmarshal(env.Payload, &payload)

	if _, rid, _, ok := h.getEntry(s.Sid()); ok && rid != "" {
		h.removeFromRoom(s.Sid())
	}

	if err := h.minter.Validate(env.Rid); err != nil {
		code := CodeInvalidRoomID
		if errors.Is(err, ids.ErrNotConfigured) {
			code = CodeServerNotConfigured
		}
		s.Send(h.errorEnvelope(env, code, err.Error()))
		return
	}

	var cid, evictedSid string
	var snapshot roomSnapshot
	var full, createdRoom bool

	h.mu.Lock()
	room, exists := h.rooms[env.Rid]
	if !exists {
		room = newRoom(env.Rid)
		h.rooms[env.Rid] = room
		createdRoom = true
	}

	room.mu.Lock()
	if payload.ReconnectCid != "" {
		for sid, c := range room.participants {
			if c == payload.ReconnectCid {
				delete(room.participants, sid)
				evictedSid = sid
				cid = payload.ReconnectCid
				metrics.GhostEvictions.Inc()
				break
			}
		}
	}

	full = len(room.participants) >= 2
	if !full {
		if cid == "" {
			cid = ids.NewClientID()
		}
		room.participants[s.Sid()] = cid
		if room.hostCid == "" {
			room.hostCid = cid
		}
		snapshot = room.snapshotLocked()
		metrics.RoomParticipants.WithLabelValues(env.Rid).Set(float64(len(room.participants)))
	}
	room.mu.Unlock()
	h.mu.Unlock()

	if createdRoom {
		metrics.ActiveRooms.Inc()
	}

	if full {
		s.Send(h.errorEnvelope(env, CodeRoomFull, "room is full"))
		return
	}

	h.setSessionRoomState(s.Sid(), env.Rid, cid)
	if evictedSid != "" {
		h.clearSessionRoomState(evictedSid)
		h.markPresence(env.Rid, evictedSid, false)
	}
	h.markPresence(env.Rid, s.Sid(), true)
	h.publishRoomEvent(env.Rid)

	joined := JoinedPayload{
		HostCid:      snapshot.hostCid,
		Participants: snapshotToPayload(snapshot).Participants,
	}
	if token, expiresAt, err := h.tokens.Issue(s.IP(), callTokenTTL, tokenstore.KindCall); err == nil {
		metrics.TokensIssued.WithLabelValues(string(tokenstore.KindCall)).Inc()
		joined.TurnToken = token
		joined.TurnTokenExpiresAt = &expiresAt
	} else {
		logging.Warn(context.Background(), "hub: failed to mint relay credential token", zap.Error(err))
	}

	s.Send(Envelope{
		V:       ProtocolVersion,
		Type:    TypeJoined,
		Rid:     env.Rid,
		Sid:     s.Sid(),
		Cid:     cid,
		Payload: marshalOrEmpty(joined),
	})

	h.broadcastRoomState(env.Rid, snapshot)
	h.notifyWatchers(env.Rid)
}

// removeFromRoom implements §4.6.4/§4.6.8's shared leave logic: drop the
// session from whatever room it currently holds, reassign host if it was
// host, delete the room if now empty, and broadcast the result.
func (h *Hub) removeFromRoom(sid string) {
	_, rid, cid, ok := h.getEntry(sid)
	if !ok || rid == "" {
		return
	}

	var snapshot roomSnapshot
	var empty bool

	h.mu.Lock()
	room, exists := h.rooms[rid]
	if !exists {
		h.mu.Unlock()
		h.clearSessionRoomState(sid)
		return
	}

	room.mu.Lock()
	delete(room.participants, sid)
	if room.hostCid == cid {
		room.hostCid = ""
		for _, c := range room.participants {
			room.hostCid = c
			break
		}
	}
	empty = len(room.participants) == 0
	if empty {
		delete(h.rooms, rid)
	} else {
		metrics.RoomParticipants.WithLabelValues(rid).Set(float64(len(room.participants)))
	}
	snapshot = room.snapshotLocked()
	room.mu.Unlock()
	h.mu.Unlock()

	h.clearSessionRoomState(sid)
	h.markPresence(rid, sid, false)
	h.publishRoomEvent(rid)

	if empty {
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(rid)
	} else {
		h.broadcastRoomState(rid, snapshot)
	}
	h.notifyWatchers(rid)
}

// handleEndRoom implements §4.6.5: only the current host may end a room.
func (h *Hub) handleEndRoom(s Session, env Envelope) {
	_, rid, cid, ok := h.getEntry(s.Sid())
	if !ok || rid == "" {
		s.Send(h.errorEnvelope(env, CodeNotHost, "not in a room"))
		return
	}

	var members map[string]string
	var isHost bool

	h.mu.Lock()
	room, exists := h.rooms[rid]
	if exists {
		room.mu.Lock()
		isHost = room.hostCid == cid
		if isHost {
			members = make(map[string]string, len(room.participants))
			for sid, c := range room.participants {
				members[sid] = c
			}
			delete(h.rooms, rid)
		}
		room.mu.Unlock()
	}
	h.mu.Unlock()

	if !exists || !isHost {
		s.Send(h.errorEnvelope(env, CodeNotHost, "only the host may end the room"))
		return
	}

	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(rid)

	ended := Envelope{
		V:       ProtocolVersion,
		Type:    TypeRoomEnded,
		Rid:     rid,
		Payload: marshalOrEmpty(RoomEndedPayload{By: cid, Reason: "host_ended"}),
	}
	for sid := range members {
		if sess := h.getSession(sid); sess != nil {
			sess.Send(ended)
		}
		h.clearSessionRoomState(sid)
		h.markPresence(rid, sid, false)
	}
	h.publishRoomEvent(rid)

	h.notifyWatchers(rid)
}

// handleRelay implements §4.6.6: forward an offer/answer/ice payload,
// stamped with the sender's cid, to the named recipient or to every other
// participant if none was named.
func (h *Hub) handleRelay(s Session, env Envelope) {
	_, rid, cid, ok := h.getEntry(s.Sid())
	if !ok || rid == "" {
		logging.Warn(context.Background(), "hub: dropping relay from session not in a room",
			zap.String("sid", s.Sid()), zap.String("type", env.Type))
		return
	}

	h.mu.Lock()
	room, exists := h.rooms[rid]
	h.mu.Unlock()
	if !exists {
		return
	}

	room.mu.Lock()
	targets := make(map[string]string, len(room.participants))
	for sid, c := range room.participants {
		targets[sid] = c
	}
	room.mu.Unlock()

	if targets[s.Sid()] != cid {
		logging.Warn(context.Background(), "hub: dropping relay from stale participant",
			zap.String("sid", s.Sid()), zap.String("rid", rid))
		return
	}

	payload := stampFrom(env.Payload, cid)

	for sid, c := range targets {
		if sid == s.Sid() {
			continue
		}
		if env.To != "" && c != env.To {
			continue
		}
		if sess := h.getSession(sid); sess != nil {
			sess.Send(Envelope{
				V:       ProtocolVersion,
				Type:    env.Type,
				Rid:     rid,
				Cid:     c,
				Payload: payload,
			})
		}
	}
}

// stampFrom decodes payload as a JSON object, adds/overwrites its "from"
// field with senderCid, and re-encodes. Non-object or empty payloads are
// replaced with a bare {"from": senderCid} object.
func stampFrom(payload json.RawMessage, senderCid string) json.RawMessage {
	fields := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &fields)
	}
	fromJSON, _ := json.Marshal(senderCid)
	fields["from"] = fromJSON

	out, err := json.Marshal(fields)
	if err != nil {
		return json.RawMessage(`{"from":"` + senderCid + `"}`)
	}
	return out
}

// handleWatchRooms implements §4.6.7: subscribe the session to
// room_status_update notifications for each valid rid and reply with a
// point-in-time snapshot of counts.
func (h *Hub) handleWatchRooms(s Session, env Envelope) {
	var payload struct {
		Rids []string `json:"rids"`
	}
	_ = json.Unmarshal(env.Payload, &payload)

	h.mu.Lock()
	for _, rid := range payload.Rids {
		if h.minter.Validate(rid) != nil {
			continue
		}
		if h.watchers[rid] == nil {
			h.watchers[rid] = make(map[string]struct{})
		}
		h.watchers[rid][s.Sid()] = struct{}{}
	}
	h.mu.Unlock()

	for _, rid := range payload.Rids {
		if h.minter.Validate(rid) != nil {
			continue
		}
		h.ensureSubscribed(rid)
	}

	statuses := make(map[string]int)
	for _, rid := range payload.Rids {
		if h.minter.Validate(rid) != nil {
			continue
		}
		statuses[rid] = h.roomCount(rid)
	}

	s.Send(Envelope{
		V:       ProtocolVersion,
		Type:    TypeRoomStatuses,
		Payload: marshalOrEmpty(statuses),
	})
}

// roomCount reports rid's occupancy. With a bus configured, the Redis
// participant set is the cluster-wide source of truth; local room state
// alone is only this instance's view. Falls back to the local count if
// the bus is unavailable or unconfigured.
func (h *Hub) roomCount(rid string) int {
	h.mu.Lock()
	room, exists := h.rooms[rid]
	h.mu.Unlock()

	local := 0
	if exists {
		room.mu.Lock()
		local = len(room.participants)
		room.mu.Unlock()
	}

	if h.bus == nil {
		return local
	}

	members, err := h.bus.SetMembers(context.Background(), participantSetKey(rid))
	if err != nil {
		logging.Warn(context.Background(), "hub: failed to read presence set, falling back to local count",
			zap.String("rid", rid), zap.Error(err))
		return local
	}
	if members == nil {
		// The bus returns a nil list without an error while its circuit
		// breaker is open; an empty Redis set comes back as a non-nil list.
		return local
	}
	return len(members)
}

// broadcastRoomState sends a room_state message, built from a snapshot
// taken under the room lock, to every current participant. Never called
// while holding any lock.
func (h *Hub) broadcastRoomState(rid string, snapshot roomSnapshot) {
	h.mu.Lock()
	room, exists := h.rooms[rid]
	h.mu.Unlock()
	if !exists {
		return
	}

	room.mu.Lock()
	sids := make([]string, 0, len(room.participants))
	for sid := range room.participants {
		sids = append(sids, sid)
	}
	room.mu.Unlock()

	env := Envelope{
		V:       ProtocolVersion,
		Type:    TypeRoomState,
		Rid:     rid,
		Payload: marshalOrEmpty(snapshotToPayload(snapshot)),
	}
	for _, sid := range sids {
		if sess := h.getSession(sid); sess != nil {
			sess.Send(env)
		}
	}
}

// notifyWatchers sends a room_status_update to every session watching
// rid, resolving each watcher's live Session object at send time so a
// stale reference left by an event-stream reconnect is never used.
func (h *Hub) notifyWatchers(rid string) {
	h.mu.Lock()
	set := h.watchers[rid]
	sids := make([]string, 0, len(set))
	for sid := range set {
		sids = append(sids, sid)
	}
	h.mu.Unlock()

	if len(sids) == 0 {
		return
	}

	count := h.roomCount(rid)
	env := Envelope{
		V:       ProtocolVersion,
		Type:    TypeRoomStatusUpdate,
		Rid:     rid,
		Payload: marshalOrEmpty(RoomStatusUpdatePayload{Rid: rid, Count: count}),
	}
	for _, sid := range sids {
		if sess := h.getSession(sid); sess != nil {
			sess.Send(env)
		}
	}
}

// Shutdown ends every room, notifying their members, ahead of process
// exit. Best-effort: transport adapters close their own connections.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	rids := make([]string, 0, len(h.rooms))
	for rid := range h.rooms {
		rids = append(rids, rid)
	}
	h.mu.Unlock()

	for _, rid := range rids {
		h.mu.Lock()
		room, exists := h.rooms[rid]
		if exists {
			delete(h.rooms, rid)
		}
		h.mu.Unlock()
		if !exists {
			continue
		}

		room.mu.Lock()
		members := make(map[string]string, len(room.participants))
		for sid, c := range room.participants {
			members[sid] = c
		}
		room.mu.Unlock()

		ended := Envelope{
			V:       ProtocolVersion,
			Type:    TypeRoomEnded,
			Rid:     rid,
			Payload: marshalOrEmpty(RoomEndedPayload{Reason: "server_shutdown"}),
		}
		for sid := range members {
			if sess := h.getSession(sid); sess != nil {
				sess.Send(ended)
			}
			h.markPresence(rid, sid, false)
		}
	}

	h.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(h.subscribed))
	for rid, cancel := range h.subscribed {
		cancels = append(cancels, cancel)
		delete(h.subscribed, rid)
	}
	h.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
