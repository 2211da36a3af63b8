package internal

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"wirechat/internal/protocol"
	"wirechat/internal/storage"
)

const (
	// MinUsernameLen and MaxUsernameLen bound accepted login names.
	MinUsernameLen = 3
	MaxUsernameLen = 24

	// tickInterval is the pause between service passes over all sessions.
	tickInterval = 15 * time.Millisecond

	// maintenanceInterval paces the periodic last-seen and read-state work.
	maintenanceInterval = time.Second

	// messageRateLimit / messageRateWindow bound how fast one connection may
	// post chat messages.
	messageRateLimit  = 20
	messageRateWindow = 5 * time.Second
)

// Store is the persistence surface the server needs. *storage.Store
// implements it; tests may substitute their own.
type Store interface {
	GetUserByID(ctx context.Context, id uint64) (*storage.User, error)
	GetUserByName(ctx context.Context, username string) (*storage.User, error)
	CreateUser(ctx context.Context, username string) (uint64, error)
	UpdateLastSeen(ctx context.Context, userID uint64) error

	ListRooms(ctx context.Context, userID uint64) ([]storage.RoomSummary, error)
	CreateRoom(ctx context.Context, ownerID uint64, participants []uint64, group bool) (uint64, error)
	GetRoomByID(ctx context.Context, roomID uint64) (*storage.Room, error)
	AddParticipant(ctx context.Context, roomID, userID uint64) error
	RemoveParticipant(ctx context.Context, roomID, userID uint64) error
	ListParticipants(ctx context.Context, roomID uint64) ([]storage.Member, error)
	RenameRoom(ctx context.Context, roomID uint64, name string) error

	ListMessages(ctx context.Context, roomID uint64) ([]storage.Message, error)
	AppendMessage(ctx context.Context, roomID, author uint64, content string, promiseID uint64) (uint64, error)
	MarkRoomRead(ctx context.Context, roomID, userID uint64) (bool, error)
}

// Server drives every client session from a single loop: it accepts
// connections, services each session once per tick, and runs the periodic
// maintenance work. Session, directory, and relay state are only ever touched
// from that loop, so none of it is locked.
type Server struct {
	store   Store
	metrics *Metrics
	limiter *RateLimiter

	dir      *directory
	relay    *relayTable
	sessions []*Session

	accepts chan *net.TCPConn
}

func NewServer(store Store, metrics *Metrics) *Server {
	return &Server{
		store:   store,
		metrics: metrics,
		limiter: NewRateLimiter(messageRateLimit, messageRateWindow),
		dir:     newDirectory(),
		relay:   newRelayTable(),
		accepts: make(chan *net.TCPConn, 64),
	}
}

// Run accepts and services connections until ctx is cancelled. It owns the
// listener and closes it on return.
func (s *Server) Run(ctx context.Context, ln *net.TCPListener) error {
	defer ln.Close()
	go s.acceptLoop(ctx, ln)

	lastMaintenance := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		default:
		}

		s.drainAccepts()
		s.tickAll(ctx)
		if time.Since(lastMaintenance) >= maintenanceInterval {
			s.maintain(ctx)
			lastMaintenance = time.Now()
		}
		time.Sleep(tickInterval)
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln *net.TCPListener) {
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Printf("accept: %v", err)
			continue
		}
		select {
		case s.accepts <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) drainAccepts() {
	for {
		select {
		case conn := <-s.accepts:
			s.admit(conn)
		default:
			return
		}
	}
}

func (s *Server) admit(conn *net.TCPConn) {
	_ = conn.SetNoDelay(true)
	sess, err := newSession(conn)
	if err != nil {
		log.Printf("admit %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	s.attach(sess)
}

// attach registers a session with the loop. Exposed within the package so
// tests can drive scripted sessions through the real service path.
func (s *Server) attach(sess *Session) {
	s.sessions = append(s.sessions, sess)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ActiveSessions.Inc()
}

// tickAll services every session once and reaps the ones that ended.
func (s *Server) tickAll(ctx context.Context) {
	survivors := s.sessions[:0]
	for _, sess := range s.sessions {
		switch status := s.service(ctx, sess); status {
		case sessionKeep:
			survivors = append(survivors, sess)
		case sessionClose:
			s.drop(sess, false)
		case sessionTerminate:
			s.drop(sess, true)
		}
	}
	// keep reaped slots from pinning sessions
	for i := len(survivors); i < len(s.sessions); i++ {
		s.sessions[i] = nil
	}
	s.sessions = survivors
}

// service runs one tick for one session: drain and dispatch inbound frames
// until the socket has nothing more, then flush the outbound queue.
func (s *Server) service(ctx context.Context, sess *Session) sessionStatus {
readLoop:
	for !sess.closing {
		frame, err := sess.fr.next(sess.read)
		switch {
		case err == nil:
		case errors.Is(err, errWouldBlock):
			break readLoop
		case errors.Is(err, errPeerClosed):
			return sessionClose
		case errors.Is(err, errFrameTooLarge):
			s.violation(sess, "oversized frame")
			return sessionTerminate
		default:
			log.Printf("session %s: read: %v", sess.remote, err)
			return sessionTerminate
		}

		msg, err := protocol.DecodeMessage(frame)
		if err != nil {
			s.violation(sess, err.Error())
			return sessionTerminate
		}
		s.metrics.FramesTotal.Inc()
		if status := s.dispatch(ctx, sess, msg); status != sessionKeep {
			return status
		}
	}

	if err := sess.flushOutbound(); err != nil {
		if errors.Is(err, errPeerClosed) {
			return sessionClose
		}
		log.Printf("session %s: write: %v", sess.remote, err)
		return sessionTerminate
	}
	if sess.overflow {
		log.Printf("session %s: outbound queue overflow", sess.remote)
		return sessionTerminate
	}
	if sess.closing && sess.fw.empty() {
		return sessionClose
	}
	return sessionKeep
}

// dispatch routes one decoded message to its handler. Anything a client must
// not send, either because it is unauthenticated or because the kind is
// server-originated, ends the connection.
func (s *Server) dispatch(ctx context.Context, sess *Session, msg protocol.Message) sessionStatus {
	if login, ok := msg.(*protocol.Login); ok {
		return s.fallible(sess, s.handleLogin(ctx, sess, login))
	}
	if !sess.loggedIn() {
		s.violation(sess, "message before login")
		return sessionTerminate
	}

	var err error
	switch m := msg.(type) {
	case *protocol.ResolveUser:
		err = s.handleResolveUser(ctx, sess, m)
	case *protocol.CreateRoom:
		err = s.handleCreateRoom(ctx, sess, m)
	case *protocol.OpenRoom:
		err = s.handleOpenRoom(ctx, sess, m)
	case *protocol.SendMessage:
		err = s.handleSendMessage(ctx, sess, m)
	case *protocol.AddRemoveUser:
		err = s.handleAddRemoveUser(ctx, sess, m)
	case *protocol.RenameRoom:
		err = s.handleRenameRoom(ctx, sess, m)
	case *protocol.FileOffer:
		err = s.handleFileOffer(ctx, sess, m)
	case *protocol.FileRequest:
		err = s.handleFileRequest(ctx, sess, m)
	case *protocol.FileChunk:
		err = s.handleFileChunk(ctx, sess, m)
	default:
		s.violation(sess, "unexpected kind "+msg.MsgKind().String())
		return sessionTerminate
	}
	return s.fallible(sess, err)
}

// fallible converts a handler error into the session's fate. Storage trouble
// ends the one session it hit, not the process.
func (s *Server) fallible(sess *Session, err error) sessionStatus {
	if err != nil {
		log.Printf("session %s (%s): %v", sess.remote, sess.username, err)
		return sessionTerminate
	}
	return sessionKeep
}

func (s *Server) violation(sess *Session, detail string) {
	s.metrics.ViolationsTotal.Inc()
	log.Printf("session %s: protocol violation: %s", sess.remote, detail)
}

// drop tears a session down. Abortive drops reset the connection so the peer
// sees the failure immediately instead of a clean EOF.
func (s *Server) drop(sess *Session, abortive bool) {
	if sess.loggedIn() {
		s.dir.unbind(sess.userID, sess)
	}
	s.limiter.Forget(sess.remote)
	s.metrics.ActiveSessions.Dec()
	if sess.conn != nil {
		if abortive {
			_ = sess.conn.SetLinger(0)
		}
		_ = sess.conn.Close()
	}
}

func (s *Server) shutdown() {
	for _, sess := range s.sessions {
		s.drop(sess, false)
	}
	s.sessions = nil
	for {
		select {
		case conn := <-s.accepts:
			_ = conn.Close()
		default:
			return
		}
	}
}

// maintain runs once a second: refresh last-seen stamps, reconcile read state
// for open rooms, and re-push participant panels so idle clients see fresh
// presence.
func (s *Server) maintain(ctx context.Context) {
	for _, sess := range s.sessions {
		if !sess.loggedIn() || sess.closing {
			continue
		}
		if err := s.store.UpdateLastSeen(ctx, sess.userID); err != nil {
			log.Printf("maintenance: last seen for %s: %v", sess.username, err)
		}
	}
	for _, sess := range s.sessions {
		if !sess.loggedIn() || sess.closing || sess.activeRoom == protocol.InvalidRoomID {
			continue
		}
		changed, err := s.store.MarkRoomRead(ctx, sess.activeRoom, sess.userID)
		if err != nil {
			log.Printf("maintenance: mark read for %s: %v", sess.username, err)
			continue
		}
		if changed {
			if err := s.broadcastReadReceipt(ctx, sess.activeRoom, sess.userID); err != nil {
				log.Printf("maintenance: read receipt: %v", err)
			}
		}
	}
	for _, sess := range s.sessions {
		if !sess.loggedIn() || sess.closing || sess.activeRoom == protocol.InvalidRoomID {
			continue
		}
		if err := s.pushParticipantList(ctx, sess); err != nil {
			log.Printf("maintenance: participants for %s: %v", sess.username, err)
		}
	}
}
