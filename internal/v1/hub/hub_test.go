package hub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agatx/serenada/internal/v1/bus"
	"github.com/agatx/serenada/internal/v1/ids"
	"github.com/agatx/serenada/internal/v1/tokenstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession is a minimal in-memory Session for exercising the hub
// without a real transport.
type fakeSession struct {
	mu        sync.Mutex
	sid       string
	ip        string
	transport string
	inbox     []Envelope
	closed    bool
}

func newFakeSession(sid string) *fakeSession {
	return &fakeSession{sid: sid, ip: "10.0.0.1", transport: "full-duplex"}
}

func (f *fakeSession) Sid() string       { return f.sid }
func (f *fakeSession) Transport() string { return f.transport }
func (f *fakeSession) IP() string        { return f.ip }
func (f *fakeSession) Close()            { f.mu.Lock(); f.closed = true; f.mu.Unlock() }
func (f *fakeSession) Send(e Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, e)
}

func (f *fakeSession) last() (Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return Envelope{}, false
	}
	return f.inbox[len(f.inbox)-1], true
}

// first returns the earliest envelope sent to f. A session that joins a
// room receives its joined reply first, followed by the room_state
// broadcast that every participant, the joiner included, receives.
func (f *fakeSession) first() (Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return Envelope{}, false
	}
	return f.inbox[0], true
}

func (f *fakeSession) all() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, len(f.inbox))
	copy(out, f.inbox)
	return out
}

func (f *fakeSession) countType(t string) int {
	n := 0
	for _, e := range f.all() {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testHub(t *testing.T) (*Hub, string) {
	t.Helper()
	minter := ids.NewRoomIDMinter("test-secret", "test")
	rid, err := minter.Mint()
	require.NoError(t, err)
	return New(minter, tokenstore.New(), nil, "turn.example.com", "turn-secret"), rid
}

func joinEnvelope(rid, reconnectCid string) Envelope {
	p := JoinPayload{ReconnectCid: reconnectCid}
	b, _ := json.Marshal(p)
	return Envelope{V: 1, Type: TypeJoin, Rid: rid, Payload: b}
}

func TestJoin_FirstParticipantBecomesHost(t *testing.T) {
	h, rid := testHub(t)
	s1 := newFakeSession("sid-1")
	h.Register(s1)

	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))

	joined, ok := s1.first()
	require.True(t, ok)
	assert.Equal(t, TypeJoined, joined.Type)

	var p JoinedPayload
	require.NoError(t, json.Unmarshal(joined.Payload, &p))
	assert.Equal(t, joined.Cid, p.HostCid)
	assert.Len(t, p.Participants, 1)
	assert.NotEmpty(t, p.TurnToken)
}

func TestJoin_SecondParticipantJoinsSameRoom(t *testing.T) {
	h, rid := testHub(t)
	s1, s2 := newFakeSession("sid-1"), newFakeSession("sid-2")
	h.Register(s1)
	h.Register(s2)

	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))
	h.Deliver(s2, marshalEnv(joinEnvelope(rid, "")))

	j2, ok := s2.first()
	require.True(t, ok)
	assert.Equal(t, TypeJoined, j2.Type)

	// s1 should have observed a room_state broadcast with two participants
	// after s2 joined.
	var latest RoomStatePayload
	for _, e := range s1.all() {
		if e.Type == TypeRoomState {
			require.NoError(t, json.Unmarshal(e.Payload, &latest))
		}
	}
	assert.Len(t, latest.Participants, 2)
}

func TestJoin_ThirdParticipantRejectedRoomFull(t *testing.T) {
	h, rid := testHub(t)
	s1, s2, s3 := newFakeSession("sid-1"), newFakeSession("sid-2"), newFakeSession("sid-3")
	h.Register(s1)
	h.Register(s2)
	h.Register(s3)

	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))
	h.Deliver(s2, marshalEnv(joinEnvelope(rid, "")))
	h.Deliver(s3, marshalEnv(joinEnvelope(rid, "")))

	last, ok := s3.last()
	require.True(t, ok)
	assert.Equal(t, TypeError, last.Type)

	var errp ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &errp))
	assert.Equal(t, CodeRoomFull, errp.Code)
}

func TestJoin_InvalidRoomID(t *testing.T) {
	h, _ := testHub(t)
	s1 := newFakeSession("sid-1")
	h.Register(s1)

	h.Deliver(s1, marshalEnv(joinEnvelope("not-a-real-room-id", "")))

	last, ok := s1.last()
	require.True(t, ok)
	assert.Equal(t, TypeError, last.Type)
	var errp ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &errp))
	assert.Equal(t, CodeInvalidRoomID, errp.Code)
}

func TestJoin_ReconnectEvictsGhost(t *testing.T) {
	h, rid := testHub(t)
	s1, s2 := newFakeSession("sid-1"), newFakeSession("sid-2")
	h.Register(s1)
	h.Register(s2)

	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))
	j1, _ := s1.first()
	ghostCid := j1.Cid

	h.Deliver(s2, marshalEnv(joinEnvelope(rid, "")))

	// A reconnect with the ghost's cid must evict it rather than being
	// rejected with ROOM_FULL, and must reuse the same cid.
	s3 := newFakeSession("sid-3")
	h.Register(s3)
	h.Deliver(s3, marshalEnv(joinEnvelope(rid, ghostCid)))

	j3, ok := s3.first()
	require.True(t, ok)
	assert.Equal(t, TypeJoined, j3.Type)
	assert.Equal(t, ghostCid, j3.Cid)
}

func TestLeave_ReassignsHostAndBroadcasts(t *testing.T) {
	h, rid := testHub(t)
	s1, s2 := newFakeSession("sid-1"), newFakeSession("sid-2")
	h.Register(s1)
	h.Register(s2)
	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))
	h.Deliver(s2, marshalEnv(joinEnvelope(rid, "")))

	j2, _ := s2.first()

	h.Deliver(s1, marshalEnv(Envelope{V: 1, Type: TypeLeave, Rid: rid}))

	var latest RoomStatePayload
	for _, e := range s2.all() {
		if e.Type == TypeRoomState {
			require.NoError(t, json.Unmarshal(e.Payload, &latest))
		}
	}
	assert.Len(t, latest.Participants, 1)
	assert.Equal(t, j2.Cid, latest.HostCid)
}

func TestLeave_EmptyRoomIsDeleted(t *testing.T) {
	h, rid := testHub(t)
	s1 := newFakeSession("sid-1")
	h.Register(s1)
	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))

	h.Deliver(s1, marshalEnv(Envelope{V: 1, Type: TypeLeave, Rid: rid}))

	h.mu.Lock()
	_, exists := h.rooms[rid]
	h.mu.Unlock()
	assert.False(t, exists)
}

func TestEndRoom_OnlyHostMayEnd(t *testing.T) {
	h, rid := testHub(t)
	s1, s2 := newFakeSession("sid-1"), newFakeSession("sid-2")
	h.Register(s1)
	h.Register(s2)
	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))
	h.Deliver(s2, marshalEnv(joinEnvelope(rid, "")))

	h.Deliver(s2, marshalEnv(Envelope{V: 1, Type: TypeEndRoom, Rid: rid}))

	last, ok := s2.last()
	require.True(t, ok)
	assert.Equal(t, TypeError, last.Type)
	var errp ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &errp))
	assert.Equal(t, CodeNotHost, errp.Code)
}

func TestEndRoom_HostEndsNotifiesAll(t *testing.T) {
	h, rid := testHub(t)
	s1, s2 := newFakeSession("sid-1"), newFakeSession("sid-2")
	h.Register(s1)
	h.Register(s2)
	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))
	h.Deliver(s2, marshalEnv(joinEnvelope(rid, "")))

	h.Deliver(s1, marshalEnv(Envelope{V: 1, Type: TypeEndRoom, Rid: rid}))

	assert.Equal(t, 1, s2.countType(TypeRoomEnded))

	h.mu.Lock()
	_, exists := h.rooms[rid]
	h.mu.Unlock()
	assert.False(t, exists)
}

func TestRelay_OfferForwardedWithFrom(t *testing.T) {
	h, rid := testHub(t)
	s1, s2 := newFakeSession("sid-1"), newFakeSession("sid-2")
	h.Register(s1)
	h.Register(s2)
	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))
	h.Deliver(s2, marshalEnv(joinEnvelope(rid, "")))
	j1, _ := s1.first()

	offerPayload, _ := json.Marshal(map[string]string{"sdp": "v=0..."})
	h.Deliver(s1, marshalEnv(Envelope{V: 1, Type: TypeOffer, Rid: rid, Payload: offerPayload}))

	var last Envelope
	for _, e := range s2.all() {
		if e.Type == TypeOffer {
			last = e
		}
	}
	assert.Equal(t, TypeOffer, last.Type)

	var fields map[string]string
	require.NoError(t, json.Unmarshal(last.Payload, &fields))
	assert.Equal(t, j1.Cid, fields["from"])
	assert.Equal(t, "v=0...", fields["sdp"])
}

func TestRelay_DroppedWhenSenderNotInRoom(t *testing.T) {
	h, rid := testHub(t)
	s1 := newFakeSession("sid-1")
	h.Register(s1)

	h.Deliver(s1, marshalEnv(Envelope{V: 1, Type: TypeOffer, Rid: rid, Payload: []byte(`{}`)}))

	assert.Empty(t, s1.all())
}

func TestWatchRooms_ReportsCountsAndUpdates(t *testing.T) {
	h, rid := testHub(t)
	watcher := newFakeSession("sid-watch")
	h.Register(watcher)

	rids, _ := json.Marshal(struct {
		Rids []string `json:"rids"`
	}{Rids: []string{rid}})
	h.Deliver(watcher, marshalEnv(Envelope{V: 1, Type: TypeWatchRooms, Payload: rids}))

	last, ok := watcher.last()
	require.True(t, ok)
	assert.Equal(t, TypeRoomStatuses, last.Type)
	var statuses map[string]int
	require.NoError(t, json.Unmarshal(last.Payload, &statuses))
	assert.Equal(t, 0, statuses[rid])

	s1 := newFakeSession("sid-1")
	h.Register(s1)
	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))

	assert.Equal(t, 1, watcher.countType(TypeRoomStatusUpdate))
}

func TestUnsupportedVersionRejected(t *testing.T) {
	h, rid := testHub(t)
	s1 := newFakeSession("sid-1")
	h.Register(s1)

	h.Deliver(s1, marshalEnv(Envelope{V: 2, Type: TypeJoin, Rid: rid}))

	last, ok := s1.last()
	require.True(t, ok)
	assert.Equal(t, TypeError, last.Type)
	var errp ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &errp))
	assert.Equal(t, CodeUnsupportedVersion, errp.Code)
}

func TestMalformedJSONRejected(t *testing.T) {
	h, _ := testHub(t)
	s1 := newFakeSession("sid-1")
	h.Register(s1)

	h.Deliver(s1, []byte("not json"))

	last, ok := s1.last()
	require.True(t, ok)
	assert.Equal(t, TypeError, last.Type)
	var errp ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &errp))
	assert.Equal(t, CodeBadRequest, errp.Code)
}

func TestDisconnect_RemovesFromRoomAndWatchers(t *testing.T) {
	h, rid := testHub(t)
	s1, s2 := newFakeSession("sid-1"), newFakeSession("sid-2")
	h.Register(s1)
	h.Register(s2)
	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))
	h.Deliver(s2, marshalEnv(joinEnvelope(rid, "")))

	h.Disconnect(s1)

	h.mu.Lock()
	_, registered := h.sessions[s1.Sid()]
	h.mu.Unlock()
	assert.False(t, registered)

	// s2 sees one room_state from its own join and a second after s1
	// disconnects and is dropped from the room.
	assert.Equal(t, 2, s2.countType(TypeRoomState))
}

func TestReplace_SwapsLiveSessionForSameSid(t *testing.T) {
	h, _ := testHub(t)
	s1 := newFakeSession("sid-1")
	h.Register(s1)

	s1b := newFakeSession("sid-1")
	ok := h.Replace("sid-1", s1b)
	require.True(t, ok)

	h.mu.Lock()
	entry := h.sessions["sid-1"]
	h.mu.Unlock()
	assert.Same(t, Session(s1b), entry.session)

	s1.mu.Lock()
	closed := s1.closed
	s1.mu.Unlock()
	assert.True(t, closed)
}

func TestShutdown_EndsAllRoomsAndNotifiesMembers(t *testing.T) {
	h, rid := testHub(t)
	s1, s2 := newFakeSession("sid-1"), newFakeSession("sid-2")
	h.Register(s1)
	h.Register(s2)
	h.Deliver(s1, marshalEnv(joinEnvelope(rid, "")))
	h.Deliver(s2, marshalEnv(joinEnvelope(rid, "")))

	h.Shutdown()

	assert.Equal(t, 1, s1.countType(TypeRoomEnded))
	assert.Equal(t, 1, s2.countType(TypeRoomEnded))

	h.mu.Lock()
	n := len(h.rooms)
	h.mu.Unlock()
	assert.Equal(t, 0, n)
}

func marshalEnv(e Envelope) []byte {
	b, _ := json.Marshal(e)
	return b
}

func TestTurnTokenTTLIsFiveMinutes(t *testing.T) {
	assert.Equal(t, 5*time.Minute, callTokenTTL)
}

// TestWatchRooms_CrossInstanceOccupancyViaBus exercises two Hubs backed by
// the same Redis instance, modeling a horizontally-scaled deployment: a
// participant joining on one instance's hub must be reflected in the
// occupancy count a watcher reports on the other instance's hub.
func TestWatchRooms_CrossInstanceOccupancyViaBus(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	svcA, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer svcA.Close()
	svcB, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer svcB.Close()

	minter := ids.NewRoomIDMinter("test-secret", "test")
	rid, err := minter.Mint()
	require.NoError(t, err)

	hubA := New(minter, tokenstore.New(), svcA, "turn.example.com", "turn-secret")
	hubB := New(minter, tokenstore.New(), svcB, "turn.example.com", "turn-secret")

	participant := newFakeSession("sid-participant")
	hubA.Register(participant)
	hubA.Deliver(participant, marshalEnv(joinEnvelope(rid, "")))

	watcher := newFakeSession("sid-watcher")
	hubB.Register(watcher)
	watchEnv := Envelope{V: 1, Type: TypeWatchRooms, Payload: marshalOrEmpty(struct {
		Rids []string `json:"rids"`
	}{Rids: []string{rid}})}
	hubB.Deliver(watcher, marshalEnv(watchEnv))

	last, ok := watcher.last()
	require.True(t, ok)
	require.Equal(t, TypeRoomStatuses, last.Type)
	var statuses map[string]int
	require.NoError(t, json.Unmarshal(last.Payload, &statuses))
	assert.Equal(t, 1, statuses[rid])

	// Give hubB's Redis subscription time to actually register before
	// hubA publishes the next occupancy change; pub/sub delivers only to
	// subscribers already attached, same as bus's own tests.
	time.Sleep(50 * time.Millisecond)

	second := newFakeSession("sid-second")
	hubA.Register(second)
	hubA.Deliver(second, marshalEnv(joinEnvelope(rid, "")))

	require.Eventually(t, func() bool {
		return watcher.countType(TypeRoomStatusUpdate) > 0
	}, time.Second, 10*time.Millisecond)

	update, ok := watcher.last()
	require.True(t, ok)
	require.Equal(t, TypeRoomStatusUpdate, update.Type)
	var statusUpdate RoomStatusUpdatePayload
	require.NoError(t, json.Unmarshal(update.Payload, &statusUpdate))
	assert.Equal(t, 2, statusUpdate.Count)
}
