package internal

import (
	"errors"
	"net"
	"syscall"
)

// The tick loop needs genuinely nonblocking socket I/O: a read deadline in
// the past makes Go fail the call before draining data the kernel already
// buffered, so reads and writes go through the raw descriptor instead. The
// descriptors are already in nonblocking mode under the runtime, which makes
// EAGAIN the would-block signal, exactly what the tick loop wants.

// nonblockingRead returns an ioFunc that reads whatever the socket has
// buffered without ever parking the goroutine.
func nonblockingRead(conn syscall.Conn) (ioFunc, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	return func(p []byte) (int, error) {
		var n int
		var rerr error
		cerr := raw.Read(func(fd uintptr) bool {
			n, rerr = ignoringEINTR(func() (int, error) {
				return syscall.Read(int(fd), p)
			})
			return true // report would-block ourselves instead of parking
		})
		if cerr != nil {
			return 0, cerr
		}
		return mapReadResult(n, rerr)
	}, nil
}

// nonblockingWrite returns an ioFunc that writes as much as the socket
// accepts without ever parking the goroutine.
func nonblockingWrite(conn syscall.Conn) (ioFunc, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	return func(p []byte) (int, error) {
		var n int
		var werr error
		cerr := raw.Write(func(fd uintptr) bool {
			n, werr = ignoringEINTR(func() (int, error) {
				return syscall.Write(int(fd), p)
			})
			return true
		})
		if cerr != nil {
			return 0, cerr
		}
		return mapWriteResult(n, werr)
	}, nil
}

func mapReadResult(n int, err error) (int, error) {
	switch {
	case errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK):
		return 0, errWouldBlock
	case err != nil:
		return 0, err
	case n == 0:
		// orderly shutdown by the peer
		return 0, errPeerClosed
	}
	return n, nil
}

// mapWriteResult passes write failures through verbatim: a peer that reset
// the connection is a transport error and terminates the session, unlike a
// clean EOF on the read side.
func mapWriteResult(n int, err error) (int, error) {
	switch {
	case errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK):
		return 0, errWouldBlock
	case err != nil:
		return 0, err
	}
	return n, nil
}

func ignoringEINTR(op func() (int, error)) (int, error) {
	for {
		n, err := op()
		if !errors.Is(err, syscall.EINTR) {
			if n < 0 {
				n = 0
			}
			return n, err
		}
	}
}

// sessionIO binds a session's read and write halves to a live TCP conn.
func sessionIO(conn *net.TCPConn) (read, write ioFunc, err error) {
	if read, err = nonblockingRead(conn); err != nil {
		return nil, nil, err
	}
	if write, err = nonblockingWrite(conn); err != nil {
		return nil, nil, err
	}
	return read, write, nil
}
