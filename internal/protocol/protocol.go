// Package protocol defines the wirechat binary wire format (protocol
// version 1) shared by the server and its clients.
//
// Every frame payload starts with a one-byte message kind tag followed by a
// fixed, kind-specific layout. All multi-byte integers are little-endian and
// fixed width; booleans are a single byte (0 or 1); strings and byte blobs
// are a uint32 length followed by that many raw bytes; collections are a
// uint32 element count followed by the encoded elements.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind is the one-byte tag identifying a message's purpose. It is always the
// first byte of a frame payload.
type Kind uint8

const (
	KindLogin           Kind = 0  // C2S
	KindLoginAck        Kind = 1  // S2C
	KindCreateRoom      Kind = 2  // C2S
	KindNewRoom         Kind = 3  // S2C
	KindResolveUser     Kind = 4  // C2S
	KindResolveUserAck  Kind = 5  // S2C
	KindOpenRoom        Kind = 6  // C2S
	KindRoomHistory     Kind = 7  // S2C
	KindSendMessage     Kind = 8  // C2S
	KindNewMessage      Kind = 9  // S2C
	KindReadReceipt     Kind = 10 // S2C
	KindRoomList        Kind = 11 // S2C
	KindParticipantList Kind = 12 // S2C
	KindAddRemoveUser   Kind = 13 // C2S
	KindRenameRoom      Kind = 14 // C2S
	KindNotice          Kind = 15 // S2C
	KindFileOffer       Kind = 16 // C2S
	KindFileRequest     Kind = 17 // C2S
	KindStartTransfer   Kind = 18 // S2C
	KindFileChunk       Kind = 19 // C2S
	KindFileChunkRelay  Kind = 20 // S2C
)

func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "Login"
	case KindLoginAck:
		return "LoginAck"
	case KindCreateRoom:
		return "CreateRoom"
	case KindNewRoom:
		return "NewRoom"
	case KindResolveUser:
		return "ResolveUser"
	case KindResolveUserAck:
		return "ResolveUserAck"
	case KindOpenRoom:
		return "OpenRoom"
	case KindRoomHistory:
		return "RoomHistory"
	case KindSendMessage:
		return "SendMessage"
	case KindNewMessage:
		return "NewMessage"
	case KindReadReceipt:
		return "ReadReceipt"
	case KindRoomList:
		return "RoomList"
	case KindParticipantList:
		return "ParticipantList"
	case KindAddRemoveUser:
		return "AddRemoveUser"
	case KindRenameRoom:
		return "RenameRoom"
	case KindNotice:
		return "Notice"
	case KindFileOffer:
		return "FileOffer"
	case KindFileRequest:
		return "FileRequest"
	case KindStartTransfer:
		return "StartTransfer"
	case KindFileChunk:
		return "FileChunk"
	case KindFileChunkRelay:
		return "FileChunkRelay"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

const (
	// InvalidUserID marks "no such user" / "not yet resolved".
	InvalidUserID = ^uint64(0)
	// InvalidRoomID marks "no room"; opening it requests a room-list refresh.
	InvalidRoomID = ^uint64(0)
	// CurrentlyOnline replaces a participant's last-seen timestamp while
	// that user has a live session.
	CurrentlyOnline = ^uint64(0)
	// SystemAuthor is the author ID reserved for system messages.
	SystemAuthor = ^uint64(0)
)

// LoginResult is the outcome carried by a LoginAck.
type LoginResult uint8

const (
	LoginOK          LoginResult = 0
	LoginBadUsername LoginResult = 1
	LoginFailed      LoginResult = 2
)

// ErrShortPayload is returned when a payload ends before its layout does.
var ErrShortPayload = errors.New("protocol: truncated payload")

// ErrUnknownKind is returned by DecodeMessage for an unrecognized tag.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if n, _ := r.Read(tmp[:]); n != 8 {
		return 0, ErrShortPayload
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if n, _ := r.Read(tmp[:]); n != 4 {
		return 0, ErrShortPayload
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, ErrShortPayload
	}
	return b != 0, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", ErrShortPayload
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return "", ErrShortPayload
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if int(n) > r.Len() {
		return nil, ErrShortPayload
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, ErrShortPayload
	}
	return b, nil
}
