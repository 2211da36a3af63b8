package internal

import (
	"net"

	"wirechat/internal/protocol"
)

// sessionStatus is the verdict the server loop reaches about a session after
// servicing it for one tick.
type sessionStatus int

const (
	// sessionKeep leaves the connection open.
	sessionKeep sessionStatus = iota
	// sessionClose closes the connection normally after the outbound queue
	// has drained.
	sessionClose
	// sessionTerminate resets the connection immediately, discarding
	// anything still queued.
	sessionTerminate
)

// Session is the server-side state of one TCP connection. All fields are
// owned by the server loop; nothing here is touched concurrently.
type Session struct {
	conn   *net.TCPConn
	read   ioFunc
	write  ioFunc
	remote string

	// InvalidUserID until a Login succeeds.
	userID   uint64
	username string

	// InvalidRoomID unless the client has a room open.
	activeRoom uint64

	// Set by a StartTransfer we issued; the next FileChunk from this
	// session is relayed to that user, then the field resets.
	nextFileRecipient uint64

	fr frameReader
	fw frameWriter

	// closing stops input processing; the connection shuts down once the
	// outbound queue drains.
	closing bool

	// overflow is set when the outbound queue hit its cap; the session is
	// terminated at the end of the tick.
	overflow bool
}

func newSession(conn *net.TCPConn) (*Session, error) {
	read, write, err := sessionIO(conn)
	if err != nil {
		return nil, err
	}
	return &Session{
		conn:              conn,
		read:              read,
		write:             write,
		remote:            conn.RemoteAddr().String(),
		userID:            protocol.InvalidUserID,
		activeRoom:        protocol.InvalidRoomID,
		nextFileRecipient: protocol.InvalidUserID,
	}, nil
}

// newScriptedSession builds a session driven by caller-provided I/O, with no
// underlying socket. Used by tests.
func newScriptedSession(read, write ioFunc, remote string) *Session {
	return &Session{
		read:              read,
		write:             write,
		remote:            remote,
		userID:            protocol.InvalidUserID,
		activeRoom:        protocol.InvalidRoomID,
		nextFileRecipient: protocol.InvalidUserID,
	}
}

func (s *Session) loggedIn() bool {
	return s.userID != protocol.InvalidUserID
}

// send queues one message for delivery. A full queue flags the session for
// termination instead of blocking the loop.
func (s *Session) send(msg protocol.Message) {
	if s.overflow {
		return
	}
	if !s.fw.enqueue(msg.Encode()) {
		s.overflow = true
	}
}

// sendNotice queues a user-facing notice. With disconnect set the session
// also enters the closing state: remaining output is flushed, then the
// connection closes.
func (s *Session) sendNotice(text string, disconnect bool) {
	s.send(&protocol.Notice{Text: text, Disconnect: disconnect})
	if disconnect {
		s.closing = true
	}
}

// flushOutbound pushes queued bytes to the socket as far as it will accept.
func (s *Session) flushOutbound() error {
	return s.fw.flush(s.write)
}
