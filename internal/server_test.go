package internal

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"syscall"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"wirechat/internal/protocol"
	"wirechat/internal/storage"
)

func newChatServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewServer(store, NewMetrics(prometheus.NewRegistry())), store
}

// testClient scripts one session end: push queues client-to-server frames,
// drain decodes everything the server wrote back.
type testClient struct {
	t          *testing.T
	in         []byte
	out        []byte
	peerClosed bool
	sess       *Session
}

func connect(t *testing.T, srv *Server) *testClient {
	c := &testClient{t: t}
	c.sess = newScriptedSession(c.read, c.write, fmt.Sprintf("client-%p", c))
	srv.attach(c.sess)
	return c
}

func (c *testClient) read(p []byte) (int, error) {
	if len(c.in) == 0 {
		if c.peerClosed {
			return 0, errPeerClosed
		}
		return 0, errWouldBlock
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *testClient) write(p []byte) (int, error) {
	c.out = append(c.out, p...)
	return len(p), nil
}

func (c *testClient) push(msg protocol.Message) {
	payload := msg.Encode()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	c.in = append(c.in, lenBuf[:]...)
	c.in = append(c.in, payload...)
}

func (c *testClient) drain() []protocol.Message {
	c.t.Helper()
	var msgs []protocol.Message
	for len(c.out) > 0 {
		if len(c.out) < 4 {
			c.t.Fatalf("truncated length prefix in output: % x", c.out)
		}
		n := binary.LittleEndian.Uint32(c.out[:4])
		if len(c.out) < int(4+n) {
			c.t.Fatalf("truncated frame in output: want %d bytes, have %d", n, len(c.out)-4)
		}
		msg, err := protocol.DecodeMessage(c.out[4 : 4+n])
		if err != nil {
			c.t.Fatalf("decode server frame: %v", err)
		}
		msgs = append(msgs, msg)
		c.out = c.out[4+n:]
	}
	return msgs
}

func (c *testClient) login(srv *Server, name string) uint64 {
	c.t.Helper()
	c.push(&protocol.Login{Username: name})
	srv.tickAll(context.Background())
	msgs := c.drain()
	ack := first[*protocol.LoginAck](c.t, msgs)
	if ack.Result != protocol.LoginOK {
		c.t.Fatalf("login %q failed: %v", name, ack.Result)
	}
	return ack.UserID
}

// first returns the earliest message of type T, failing the test when none
// arrived.
func first[T protocol.Message](t *testing.T, msgs []protocol.Message) T {
	t.Helper()
	for _, m := range msgs {
		if typed, ok := m.(T); ok {
			return typed
		}
	}
	var zero T
	t.Fatalf("no %T among %d messages: %#v", zero, len(msgs), msgs)
	return zero
}

func pick[T protocol.Message](msgs []protocol.Message) []T {
	var out []T
	for _, m := range msgs {
		if typed, ok := m.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func TestLoginCreatesUserAndPushesRoomList(t *testing.T) {
	srv, store := newChatServer(t)
	ctx := context.Background()
	c := connect(t, srv)

	c.push(&protocol.Login{Username: "alice"})
	srv.tickAll(ctx)
	msgs := c.drain()

	ack := first[*protocol.LoginAck](t, msgs)
	if ack.Result != protocol.LoginOK || ack.UserID == protocol.InvalidUserID {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	list := first[*protocol.RoomList](t, msgs)
	if len(list.Rooms) != 0 {
		t.Fatalf("new user should have no rooms: %+v", list.Rooms)
	}
	user, err := store.GetUserByName(ctx, "alice")
	if err != nil || user == nil || user.ID != ack.UserID {
		t.Fatalf("user not persisted: %+v err=%v", user, err)
	}
}

func TestLoginUsernameLengthBounds(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"ab", false},
		{"abc", true},
		{strings.Repeat("x", 24), true},
		{strings.Repeat("x", 25), false},
	}
	srv, _ := newChatServer(t)
	ctx := context.Background()
	for _, tc := range cases {
		c := connect(t, srv)
		c.push(&protocol.Login{Username: tc.name})
		srv.tickAll(ctx)
		ack := first[*protocol.LoginAck](t, c.drain())
		if tc.ok {
			if ack.Result != protocol.LoginOK {
				t.Fatalf("%q: expected success, got %v", tc.name, ack.Result)
			}
			continue
		}
		if ack.Result != protocol.LoginBadUsername {
			t.Fatalf("%q: expected rejection, got %v", tc.name, ack.Result)
		}
		for _, sess := range srv.sessions {
			if sess == c.sess {
				t.Fatalf("%q: rejected session should be closed", tc.name)
			}
		}
	}
}

func TestDuplicateLoginEvictsOldSession(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	c1 := connect(t, srv)
	id1 := c1.login(srv, "alice")

	c2 := connect(t, srv)
	id2 := c2.login(srv, "alice")
	if id1 != id2 {
		t.Fatalf("same username must map to the same user: %d vs %d", id1, id2)
	}

	// next tick flushes the eviction notice and closes the old session
	srv.tickAll(ctx)
	notice := first[*protocol.Notice](t, c1.drain())
	if notice.Text != "Logged out by another client" || !notice.Disconnect {
		t.Fatalf("unexpected eviction notice: %+v", notice)
	}
	if len(srv.sessions) != 1 || srv.sessions[0] != c2.sess {
		t.Fatalf("expected only the new session to survive")
	}
	if srv.dir.lookup(id1) != c2.sess {
		t.Fatalf("directory should point at the new session")
	}
}

func TestCreateRoomFanOut(t *testing.T) {
	srv, store := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	aliceID := alice.login(srv, "alice")
	bob := connect(t, srv)
	bobID := bob.login(srv, "bobby")
	carolID, err := store.CreateUser(ctx, "carol")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	alice.push(&protocol.CreateRoom{Group: true, Participants: []uint64{bobID, carolID}})
	srv.tickAll(ctx)

	aliceRoom := first[*protocol.NewRoom](t, alice.drain())
	if aliceRoom.Flash {
		t.Fatalf("creator's announcement must not flash")
	}
	bobRoom := first[*protocol.NewRoom](t, bob.drain())
	if !bobRoom.Flash || bobRoom.RoomID != aliceRoom.RoomID {
		t.Fatalf("invitee announcement mismatch: %+v vs %+v", bobRoom, aliceRoom)
	}

	room, err := store.GetRoomByID(ctx, aliceRoom.RoomID)
	if err != nil || room == nil {
		t.Fatalf("room not persisted: %v", err)
	}
	if len(room.Participants) != 3 {
		t.Fatalf("expected 3 participants incl. %d, got %v", aliceID, room.Participants)
	}
}

func TestCreateRoomUnknownUserDropped(t *testing.T) {
	srv, store := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	aliceID := alice.login(srv, "alice")

	alice.push(&protocol.CreateRoom{Group: true, Participants: []uint64{424242}})
	srv.tickAll(ctx)
	if rooms := pick[*protocol.NewRoom](alice.drain()); len(rooms) != 0 {
		t.Fatalf("no room should be announced: %+v", rooms)
	}
	rooms, err := store.ListRooms(ctx, aliceID)
	if err != nil || len(rooms) != 0 {
		t.Fatalf("nothing should persist: %+v err=%v", rooms, err)
	}
}

func TestOpenRoomReplaysHistory(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	alice.login(srv, "alice")

	alice.push(&protocol.CreateRoom{Group: true})
	srv.tickAll(ctx)
	roomID := first[*protocol.NewRoom](t, alice.drain()).RoomID

	alice.push(&protocol.OpenRoom{RoomID: roomID})
	srv.tickAll(ctx)
	msgs := alice.drain()

	history := first[*protocol.RoomHistory](t, msgs)
	if len(history.Messages) != 1 || history.Messages[0].Author != protocol.SystemAuthor {
		t.Fatalf("expected the system creation message, got %+v", history.Messages)
	}
	list := first[*protocol.ParticipantList](t, msgs)
	if len(list.Users) != 1 || list.Users[0].LastSeen != protocol.CurrentlyOnline {
		t.Fatalf("creator should show as online: %+v", list.Users)
	}
	if alice.sess.activeRoom != roomID {
		t.Fatalf("room should be active, got %d", alice.sess.activeRoom)
	}
}

func TestSendMessageFanOut(t *testing.T) {
	srv, store := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	aliceID := alice.login(srv, "alice")
	bob := connect(t, srv)
	bobID := bob.login(srv, "bobby")
	carolID, _ := store.CreateUser(ctx, "carol")

	alice.push(&protocol.CreateRoom{Group: true, Participants: []uint64{bobID, carolID}})
	srv.tickAll(ctx)
	roomID := first[*protocol.NewRoom](t, alice.drain()).RoomID
	bob.drain()

	alice.push(&protocol.OpenRoom{RoomID: roomID})
	srv.tickAll(ctx)
	alice.drain()

	alice.push(&protocol.SendMessage{Content: "hi all"})
	srv.tickAll(ctx)

	got := first[*protocol.NewMessage](t, alice.drain())
	if got.RoomID != roomID || got.Message.Author != aliceID || got.Message.Content != "hi all" {
		t.Fatalf("unexpected echo: %+v", got)
	}
	bobGot := first[*protocol.NewMessage](t, bob.drain())
	if bobGot.Message.Content != "hi all" {
		t.Fatalf("bob should receive the message: %+v", bobGot)
	}
	if bobGot.Message.SentAt == 0 {
		t.Fatalf("pushed message must carry the stored timestamp")
	}
}

func TestSendMessageWithoutOpenRoomIgnored(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	alice.login(srv, "alice")

	alice.push(&protocol.SendMessage{Content: "into the void"})
	srv.tickAll(ctx)
	if msgs := alice.drain(); len(msgs) != 0 {
		t.Fatalf("expected silence, got %#v", msgs)
	}
	if len(srv.sessions) != 1 {
		t.Fatalf("session must stay open")
	}
}

func TestReadReceiptOnlyOnTransition(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	aliceID := alice.login(srv, "alice")
	bob := connect(t, srv)
	bobID := bob.login(srv, "bobby")

	alice.push(&protocol.CreateRoom{Participants: []uint64{bobID}})
	srv.tickAll(ctx)
	roomID := first[*protocol.NewRoom](t, alice.drain()).RoomID
	bob.drain()

	alice.push(&protocol.OpenRoom{RoomID: roomID})
	bob.push(&protocol.OpenRoom{RoomID: roomID})
	srv.tickAll(ctx)
	alice.drain()
	bob.drain()

	// bob posts; alice's read flag flips off until maintenance reconciles it
	bob.push(&protocol.SendMessage{Content: "ping"})
	srv.tickAll(ctx)
	alice.drain()
	bob.drain()

	srv.maintain(ctx)
	srv.tickAll(ctx) // flush what maintenance queued
	receipts := pick[*protocol.ReadReceipt](bob.drain())
	found := false
	for _, r := range receipts {
		if r.RoomID == roomID && r.UserID == aliceID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a read receipt for alice, got %+v", receipts)
	}

	srv.maintain(ctx)
	srv.tickAll(ctx)
	if again := pick[*protocol.ReadReceipt](bob.drain()); len(again) != 0 {
		t.Fatalf("read receipt must fire only on the transition: %+v", again)
	}
}

func TestAddRemoveUser(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	alice.login(srv, "alice")
	bob := connect(t, srv)
	bobID := bob.login(srv, "bobby")
	carol := connect(t, srv)
	carolID := carol.login(srv, "carol")

	alice.push(&protocol.CreateRoom{Group: true, Participants: []uint64{bobID}})
	srv.tickAll(ctx)
	roomID := first[*protocol.NewRoom](t, alice.drain()).RoomID
	bob.drain()

	alice.push(&protocol.OpenRoom{RoomID: roomID})
	srv.tickAll(ctx)
	alice.drain()

	alice.push(&protocol.AddRemoveUser{UserID: carolID})
	srv.tickAll(ctx)
	carolRoom := first[*protocol.NewRoom](t, carol.drain())
	if !carolRoom.Flash || carolRoom.RoomID != roomID {
		t.Fatalf("added user should be flashed the room: %+v", carolRoom)
	}
	list := first[*protocol.ParticipantList](t, alice.drain())
	if len(list.Users) != 3 {
		t.Fatalf("expected 3 participants after add, got %+v", list.Users)
	}

	alice.push(&protocol.AddRemoveUser{UserID: carolID})
	srv.tickAll(ctx)
	notice := first[*protocol.Notice](t, alice.drain())
	if notice.Text != "The user you are trying to add is already in this group." || notice.Disconnect {
		t.Fatalf("unexpected duplicate-add notice: %+v", notice)
	}

	bob.push(&protocol.OpenRoom{RoomID: roomID})
	srv.tickAll(ctx)
	srv.tickAll(ctx) // alice's refreshed panel flushes one tick after bob's open
	bob.drain()
	alice.drain()

	alice.push(&protocol.AddRemoveUser{UserID: bobID, Remove: true})
	srv.tickAll(ctx)
	first[*protocol.RoomList](t, bob.drain())
	if bob.sess.activeRoom != protocol.InvalidRoomID {
		t.Fatalf("removed user's active room should reset")
	}
	list = first[*protocol.ParticipantList](t, alice.drain())
	if len(list.Users) != 2 {
		t.Fatalf("expected 2 participants after removal, got %+v", list.Users)
	}
}

func TestAddParticipantToDirectRoom(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	alice.login(srv, "alice")
	bob := connect(t, srv)
	bobID := bob.login(srv, "bobby")
	carol := connect(t, srv)
	carolID := carol.login(srv, "carol")

	alice.push(&protocol.CreateRoom{Participants: []uint64{bobID}})
	srv.tickAll(ctx)
	roomID := first[*protocol.NewRoom](t, alice.drain()).RoomID
	bob.drain()

	alice.push(&protocol.OpenRoom{RoomID: roomID})
	srv.tickAll(ctx)
	alice.drain()

	// membership edits are not limited to group rooms
	alice.push(&protocol.AddRemoveUser{UserID: carolID})
	srv.tickAll(ctx)
	carolRoom := first[*protocol.NewRoom](t, carol.drain())
	if !carolRoom.Flash || carolRoom.RoomID != roomID {
		t.Fatalf("added user should be flashed the room: %+v", carolRoom)
	}
	list := first[*protocol.ParticipantList](t, alice.drain())
	if len(list.Users) != 3 {
		t.Fatalf("expected 3 participants after add, got %+v", list.Users)
	}
}

func TestRenameRoomRefreshesLists(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	alice.login(srv, "alice")
	bob := connect(t, srv)
	bobID := bob.login(srv, "bobby")

	alice.push(&protocol.CreateRoom{Group: true, Participants: []uint64{bobID}})
	srv.tickAll(ctx)
	roomID := first[*protocol.NewRoom](t, alice.drain()).RoomID
	bob.drain()

	alice.push(&protocol.OpenRoom{RoomID: roomID})
	srv.tickAll(ctx)
	alice.drain()

	alice.push(&protocol.RenameRoom{Name: "planning"})
	srv.tickAll(ctx)

	bobList := first[*protocol.RoomList](t, bob.drain())
	found := false
	for _, r := range bobList.Rooms {
		if r.ID == roomID && r.Name == "planning" {
			found = true
		}
	}
	if !found {
		t.Fatalf("bob's list should carry the new name: %+v", bobList.Rooms)
	}
	if alice.sess.activeRoom != protocol.InvalidRoomID {
		t.Fatalf("list refresh returns the client to the room list")
	}
}

func TestFileOfferRequestRelay(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	aliceID := alice.login(srv, "alice")
	bob := connect(t, srv)
	bobID := bob.login(srv, "bobby")

	alice.push(&protocol.CreateRoom{Participants: []uint64{bobID}})
	srv.tickAll(ctx)
	roomID := first[*protocol.NewRoom](t, alice.drain()).RoomID
	bob.drain()

	alice.push(&protocol.OpenRoom{RoomID: roomID})
	srv.tickAll(ctx)
	alice.drain()

	alice.push(&protocol.FileOffer{PromiseID: 99, FileName: "notes.txt"})
	srv.tickAll(ctx)
	offer := first[*protocol.NewMessage](t, bob.drain())
	if offer.Message.PromiseID != 99 || offer.Message.Content != "notes.txt" || offer.Message.Author != aliceID {
		t.Fatalf("unexpected offer message: %+v", offer.Message)
	}
	alice.drain()

	bob.push(&protocol.FileRequest{PromiseID: 99})
	srv.tickAll(ctx)
	srv.tickAll(ctx) // alice is serviced before bob, so her queue flushes next tick
	start := first[*protocol.StartTransfer](t, alice.drain())
	if start.PromiseID != 99 || start.TargetUserID != bobID {
		t.Fatalf("unexpected transfer start: %+v", start)
	}

	alice.push(&protocol.FileChunk{Data: []byte{1, 2, 3}})
	srv.tickAll(ctx)
	chunk := first[*protocol.FileChunkRelay](t, bob.drain())
	if string(chunk.Data) != string([]byte{1, 2, 3}) {
		t.Fatalf("unexpected chunk: %v", chunk.Data)
	}

	// a second chunk without a fresh request goes nowhere
	alice.push(&protocol.FileChunk{Data: []byte{4}})
	srv.tickAll(ctx)
	if stray := pick[*protocol.FileChunkRelay](bob.drain()); len(stray) != 0 {
		t.Fatalf("chunk routing state must reset per chunk: %+v", stray)
	}
}

func TestFileRequestUnknownPromise(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	alice.login(srv, "alice")

	alice.push(&protocol.FileRequest{PromiseID: 555})
	srv.tickAll(ctx)
	notice := first[*protocol.Notice](t, alice.drain())
	if notice.Text != "This file is no longer available." || notice.Disconnect {
		t.Fatalf("unexpected notice: %+v", notice)
	}
}

func TestFileRequestOwnerOffline(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	alice.login(srv, "alice")
	bob := connect(t, srv)
	bobID := bob.login(srv, "bobby")

	alice.push(&protocol.CreateRoom{Participants: []uint64{bobID}})
	srv.tickAll(ctx)
	roomID := first[*protocol.NewRoom](t, alice.drain()).RoomID
	bob.drain()

	alice.push(&protocol.OpenRoom{RoomID: roomID})
	srv.tickAll(ctx)
	alice.drain()
	alice.push(&protocol.FileOffer{PromiseID: 7, FileName: "big.iso"})
	srv.tickAll(ctx)
	bob.drain()

	alice.peerClosed = true
	srv.tickAll(ctx)

	bob.push(&protocol.FileRequest{PromiseID: 7})
	srv.tickAll(ctx)
	notice := first[*protocol.Notice](t, bob.drain())
	if notice.Text != "The sender of this file is not online\nThe file cannot be sent." {
		t.Fatalf("unexpected notice: %q", notice.Text)
	}
}

func TestResolveUser(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	alice := connect(t, srv)
	aliceID := alice.login(srv, "alice")

	alice.push(&protocol.ResolveUser{ByName: true, Username: "alice"})
	srv.tickAll(ctx)
	ack := first[*protocol.ResolveUserAck](t, alice.drain())
	if ack.UserID != aliceID || ack.Username != "alice" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	alice.push(&protocol.ResolveUser{ByName: true, Username: "nobody"})
	srv.tickAll(ctx)
	ack = first[*protocol.ResolveUserAck](t, alice.drain())
	if ack.UserID != protocol.InvalidUserID {
		t.Fatalf("unknown name must resolve to the invalid ID: %+v", ack)
	}

	alice.push(&protocol.ResolveUser{UserID: aliceID})
	srv.tickAll(ctx)
	ack = first[*protocol.ResolveUserAck](t, alice.drain())
	if ack.Username != "alice" {
		t.Fatalf("lookup by ID should return the name: %+v", ack)
	}
}

func TestMessageBeforeLoginTerminates(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	c := connect(t, srv)

	c.push(&protocol.SendMessage{Content: "sneaky"})
	srv.tickAll(ctx)
	if len(srv.sessions) != 0 {
		t.Fatalf("unauthenticated traffic must end the connection")
	}
}

func TestWriteResetTerminatesSession(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()

	// a peer that reset the connection fails the write; that is a transport
	// error and ends the session abortively, unlike a clean EOF on read
	c := &testClient{t: t}
	failWrite := func(p []byte) (int, error) {
		_, err := mapWriteResult(0, syscall.EPIPE)
		return 0, err
	}
	c.sess = newScriptedSession(c.read, failWrite, "client-epipe")
	c.push(&protocol.Login{Username: "alice"})
	if status := srv.service(ctx, c.sess); status != sessionTerminate {
		t.Fatalf("expected terminate on write reset, got %v", status)
	}

	eof := &testClient{t: t, peerClosed: true}
	eof.sess = newScriptedSession(eof.read, eof.write, "client-eof")
	if status := srv.service(ctx, eof.sess); status != sessionClose {
		t.Fatalf("expected graceful close on read EOF, got %v", status)
	}
}

func TestOversizedFrameTerminates(t *testing.T) {
	srv, _ := newChatServer(t)
	ctx := context.Background()
	c := connect(t, srv)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	c.in = append(c.in, lenBuf[:]...)
	srv.tickAll(ctx)
	if len(srv.sessions) != 0 {
		t.Fatalf("oversized frame must end the connection")
	}
}
