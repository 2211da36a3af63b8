package internal

import (
	"context"
	"errors"
	"slices"

	"wirechat/internal/protocol"
	"wirechat/internal/storage"
)

// handleLogin authenticates a connection. Unknown usernames are registered on
// the spot; a second login for a user already online evicts the older
// session.
func (s *Server) handleLogin(ctx context.Context, sess *Session, msg *protocol.Login) error {
	if sess.loggedIn() {
		return nil
	}
	if n := len(msg.Username); n < MinUsernameLen || n > MaxUsernameLen {
		sess.send(&protocol.LoginAck{Result: protocol.LoginBadUsername})
		sess.closing = true
		return nil
	}

	user, err := s.store.GetUserByName(ctx, msg.Username)
	if err != nil {
		return err
	}
	var id uint64
	if user == nil {
		if id, err = s.store.CreateUser(ctx, msg.Username); err != nil {
			return err
		}
	} else {
		id = user.ID
	}

	if old := s.dir.lookup(id); old != nil {
		old.sendNotice("Logged out by another client", true)
		s.metrics.EvictionsTotal.Inc()
	}
	s.dir.bind(id, sess)
	sess.userID = id
	sess.username = msg.Username

	if err := s.store.UpdateLastSeen(ctx, id); err != nil {
		return err
	}
	s.metrics.LoginsTotal.Inc()
	sess.send(&protocol.LoginAck{Result: protocol.LoginOK, UserID: id})
	return s.pushRoomList(ctx, sess)
}

func (s *Server) handleResolveUser(ctx context.Context, sess *Session, msg *protocol.ResolveUser) error {
	ack := &protocol.ResolveUserAck{UserID: protocol.InvalidUserID}
	if msg.ByName {
		ack.Username = msg.Username
		user, err := s.store.GetUserByName(ctx, msg.Username)
		if err != nil {
			return err
		}
		if user != nil {
			ack.UserID = user.ID
		}
	} else {
		user, err := s.store.GetUserByID(ctx, msg.UserID)
		if err != nil {
			return err
		}
		if user != nil {
			ack.Username = user.Username
			ack.UserID = user.ID
		}
	}
	sess.send(ack)
	return nil
}

// handleCreateRoom persists the room and announces it to every participant
// who is online. A request naming a nonexistent user is dropped whole.
func (s *Server) handleCreateRoom(ctx context.Context, sess *Session, msg *protocol.CreateRoom) error {
	roomID, err := s.store.CreateRoom(ctx, sess.userID, msg.Participants, msg.Group)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	room, err := s.store.GetRoomByID(ctx, roomID)
	if err != nil {
		return err
	}
	for _, uid := range room.Participants {
		if target := s.dir.lookup(uid); target != nil {
			target.send(&protocol.NewRoom{Flash: uid != sess.userID, RoomID: room.ID, Name: room.Name})
		}
	}
	return nil
}

// handleOpenRoom replays the room's history and makes it the session's active
// room. InvalidRoomID instead asks for a fresh room list.
func (s *Server) handleOpenRoom(ctx context.Context, sess *Session, msg *protocol.OpenRoom) error {
	if msg.RoomID == protocol.InvalidRoomID {
		return s.pushRoomList(ctx, sess)
	}
	room, err := s.store.GetRoomByID(ctx, msg.RoomID)
	if err != nil {
		return err
	}
	if room == nil || !slices.Contains(room.Participants, sess.userID) {
		return nil
	}

	stored, err := s.store.ListMessages(ctx, room.ID)
	if err != nil {
		return err
	}
	history := make([]protocol.ChatMessage, len(stored))
	for i, m := range stored {
		history[i] = protocol.ChatMessage{Author: m.Author, SentAt: m.SentAt, PromiseID: m.PromiseID, Content: m.Content}
	}
	sess.send(&protocol.RoomHistory{Messages: history})
	sess.activeRoom = room.ID

	changed, err := s.store.MarkRoomRead(ctx, room.ID, sess.userID)
	if err != nil {
		return err
	}
	if changed {
		if err := s.broadcastReadReceipt(ctx, room.ID, sess.userID); err != nil {
			return err
		}
	}
	return s.refreshParticipants(ctx, room.ID)
}

// handleSendMessage stores the text in the active room and pushes it to every
// participant who is online.
func (s *Server) handleSendMessage(ctx context.Context, sess *Session, msg *protocol.SendMessage) error {
	if sess.activeRoom == protocol.InvalidRoomID || msg.Content == "" {
		return nil
	}
	if !s.limiter.Allow(sess.remote) {
		sess.sendNotice("You are sending messages too fast. Hold on a moment.", false)
		return nil
	}
	sentAt, err := s.store.AppendMessage(ctx, sess.activeRoom, sess.userID, msg.Content, 0)
	if err != nil {
		return err
	}
	s.metrics.MessagesTotal.Inc()
	return s.fanOutMessage(ctx, sess.activeRoom, protocol.ChatMessage{
		Author:  sess.userID,
		SentAt:  sentAt,
		Content: msg.Content,
	})
}

// handleAddRemoveUser edits the membership of the session's active room.
func (s *Server) handleAddRemoveUser(ctx context.Context, sess *Session, msg *protocol.AddRemoveUser) error {
	if sess.activeRoom == protocol.InvalidRoomID {
		return nil
	}
	room, err := s.store.GetRoomByID(ctx, sess.activeRoom)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}

	if msg.Remove {
		if !slices.Contains(room.Participants, msg.UserID) {
			return nil
		}
		if err := s.store.RemoveParticipant(ctx, room.ID, msg.UserID); err != nil {
			return err
		}
		// the removed user's list no longer has this room
		if target := s.dir.lookup(msg.UserID); target != nil {
			if err := s.pushRoomList(ctx, target); err != nil {
				return err
			}
		}
	} else {
		if slices.Contains(room.Participants, msg.UserID) {
			sess.sendNotice("The user you are trying to add is already in this group.", false)
			return nil
		}
		user, err := s.store.GetUserByID(ctx, msg.UserID)
		if err != nil {
			return err
		}
		if user == nil {
			return nil
		}
		if err := s.store.AddParticipant(ctx, room.ID, msg.UserID); err != nil {
			return err
		}
		if target := s.dir.lookup(msg.UserID); target != nil {
			target.send(&protocol.NewRoom{Flash: true, RoomID: room.ID, Name: room.Name})
		}
	}
	return s.refreshParticipants(ctx, room.ID)
}

// handleRenameRoom renames the active room and refreshes the room list of
// every participant who is online.
func (s *Server) handleRenameRoom(ctx context.Context, sess *Session, msg *protocol.RenameRoom) error {
	if sess.activeRoom == protocol.InvalidRoomID || msg.Name == "" {
		return nil
	}
	room, err := s.store.GetRoomByID(ctx, sess.activeRoom)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}
	if err := s.store.RenameRoom(ctx, room.ID, msg.Name); err != nil {
		return err
	}
	for _, uid := range room.Participants {
		if target := s.dir.lookup(uid); target != nil {
			if err := s.pushRoomList(ctx, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleFileOffer records the promise and posts the file name into the active
// room as a message carrying the promise ID.
func (s *Server) handleFileOffer(ctx context.Context, sess *Session, msg *protocol.FileOffer) error {
	if sess.activeRoom == protocol.InvalidRoomID || msg.FileName == "" {
		return nil
	}
	if !s.relay.register(msg.PromiseID, sess.userID) {
		// the ID belongs to someone else's live offer
		s.metrics.ViolationsTotal.Inc()
		sess.sendNotice("This file cannot be shared right now.", false)
		return nil
	}
	sentAt, err := s.store.AppendMessage(ctx, sess.activeRoom, sess.userID, msg.FileName, msg.PromiseID)
	if err != nil {
		return err
	}
	s.metrics.MessagesTotal.Inc()
	return s.fanOutMessage(ctx, sess.activeRoom, protocol.ChatMessage{
		Author:    sess.userID,
		SentAt:    sentAt,
		PromiseID: msg.PromiseID,
		Content:   msg.FileName,
	})
}

// handleFileRequest asks the offering client to start sending, provided the
// promise is known and its owner is online.
func (s *Server) handleFileRequest(ctx context.Context, sess *Session, msg *protocol.FileRequest) error {
	owner, ok := s.relay.owner(msg.PromiseID)
	if !ok {
		sess.sendNotice("This file is no longer available.", false)
		return nil
	}
	ownerSess := s.dir.lookup(owner)
	if ownerSess == nil {
		sess.sendNotice("The sender of this file is not online\nThe file cannot be sent.", false)
		return nil
	}
	ownerSess.nextFileRecipient = sess.userID
	ownerSess.send(&protocol.StartTransfer{PromiseID: msg.PromiseID, TargetUserID: sess.userID})
	return nil
}

// handleFileChunk forwards one chunk to the recipient named by the preceding
// StartTransfer exchange. Each chunk consumes the routing state; the receiver
// requests the next one.
func (s *Server) handleFileChunk(ctx context.Context, sess *Session, msg *protocol.FileChunk) error {
	target := sess.nextFileRecipient
	sess.nextFileRecipient = protocol.InvalidUserID
	if target == protocol.InvalidUserID {
		return nil
	}
	if targetSess := s.dir.lookup(target); targetSess != nil {
		targetSess.send(&protocol.FileChunkRelay{Data: msg.Data})
		s.metrics.ChunksTotal.Inc()
	}
	return nil
}

// pushRoomList replaces the session's room list. The client returns to the
// list view, so the active room resets until the next OpenRoom.
func (s *Server) pushRoomList(ctx context.Context, sess *Session) error {
	rooms, err := s.store.ListRooms(ctx, sess.userID)
	if err != nil {
		return err
	}
	list := &protocol.RoomList{}
	if len(rooms) > 0 {
		list.Rooms = make([]protocol.RoomSummary, len(rooms))
		for i, r := range rooms {
			list.Rooms[i] = protocol.RoomSummary{Name: r.Name, ID: r.ID, Unread: r.Unread}
		}
	}
	sess.activeRoom = protocol.InvalidRoomID
	sess.send(list)
	return nil
}

// pushParticipantList sends the participant panel for the session's active
// room, substituting CurrentlyOnline for users with a live session.
func (s *Server) pushParticipantList(ctx context.Context, sess *Session) error {
	list, err := s.buildParticipantList(ctx, sess.activeRoom)
	if err != nil {
		return err
	}
	sess.send(list)
	return nil
}

func (s *Server) buildParticipantList(ctx context.Context, roomID uint64) (*protocol.ParticipantList, error) {
	members, err := s.store.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	list := &protocol.ParticipantList{}
	if len(members) > 0 {
		list.Users = make([]protocol.Participant, len(members))
		for i, m := range members {
			lastSeen := m.LastSeen
			if s.dir.online(m.UserID) {
				lastSeen = protocol.CurrentlyOnline
			}
			list.Users[i] = protocol.Participant{UserID: m.UserID, LastSeen: lastSeen, HasRead: m.HasRead}
		}
	}
	return list, nil
}

// refreshParticipants re-sends the participant panel to every online
// participant who currently has the room open.
func (s *Server) refreshParticipants(ctx context.Context, roomID uint64) error {
	room, err := s.store.GetRoomByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}
	var list *protocol.ParticipantList
	for _, uid := range room.Participants {
		target := s.dir.lookup(uid)
		if target == nil || target.activeRoom != roomID {
			continue
		}
		if list == nil {
			if list, err = s.buildParticipantList(ctx, roomID); err != nil {
				return err
			}
		}
		target.send(list)
	}
	return nil
}

// broadcastReadReceipt tells every online participant that a user has read
// the room.
func (s *Server) broadcastReadReceipt(ctx context.Context, roomID, userID uint64) error {
	room, err := s.store.GetRoomByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}
	receipt := &protocol.ReadReceipt{RoomID: roomID, UserID: userID}
	for _, uid := range room.Participants {
		if target := s.dir.lookup(uid); target != nil {
			target.send(receipt)
		}
	}
	return nil
}

// fanOutMessage pushes one stored message to every online participant of the
// room, the author included.
func (s *Server) fanOutMessage(ctx context.Context, roomID uint64, msg protocol.ChatMessage) error {
	room, err := s.store.GetRoomByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}
	push := &protocol.NewMessage{RoomID: roomID, Message: msg}
	for _, uid := range room.Participants {
		if target := s.dir.lookup(uid); target != nil {
			target.send(push)
		}
	}
	return nil
}
