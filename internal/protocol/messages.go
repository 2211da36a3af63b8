package protocol

import "bytes"

// Message is one decoded unit of wire traffic. Encode emits the kind tag
// followed by the kind-specific payload; Decode consumes the payload with
// the tag already stripped by the caller.
type Message interface {
	MsgKind() Kind
	Encode() []byte
	Decode(payload []byte) error
}

// ChatMessage is one room message as carried inside RoomHistory and
// NewMessage. PromiseID 0 means no file attached; Author SystemAuthor marks
// a system message.
type ChatMessage struct {
	Author    uint64
	SentAt    uint64
	PromiseID uint64
	Content   string
}

// RoomSummary is one row of a RoomList push.
type RoomSummary struct {
	Name   string
	ID     uint64
	Unread bool
}

// Participant is one row of a ParticipantList push. LastSeen is a Unix
// timestamp, or CurrentlyOnline for users with a live session.
type Participant struct {
	UserID   uint64
	LastSeen uint64
	HasRead  bool
}

// Login (0) carries the username a connection wants to authenticate as.
type Login struct {
	Username string
}

func (m *Login) MsgKind() Kind { return KindLogin }

func (m *Login) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindLogin))
	writeString(buf, m.Username)
	return buf.Bytes()
}

func (m *Login) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	name, err := readString(r)
	if err != nil {
		return err
	}
	m.Username = name
	return nil
}

// LoginAck (1) answers a Login. The user ID is present only on success.
type LoginAck struct {
	Result LoginResult
	UserID uint64
}

func (m *LoginAck) MsgKind() Kind { return KindLoginAck }

func (m *LoginAck) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindLoginAck))
	buf.WriteByte(byte(m.Result))
	if m.Result == LoginOK {
		writeUint64(buf, m.UserID)
	}
	return buf.Bytes()
}

func (m *LoginAck) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	b, err := r.ReadByte()
	if err != nil {
		return ErrShortPayload
	}
	m.Result = LoginResult(b)
	if m.Result == LoginOK {
		if m.UserID, err = readUint64(r); err != nil {
			return err
		}
	}
	return nil
}

// CreateRoom (2) asks for a new room. A group request carries the full
// invitee list; a direct request carries exactly one counterpart ID.
type CreateRoom struct {
	Group        bool
	Participants []uint64
}

func (m *CreateRoom) MsgKind() Kind { return KindCreateRoom }

func (m *CreateRoom) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindCreateRoom))
	writeBool(buf, m.Group)
	if m.Group {
		writeUint32(buf, uint32(len(m.Participants)))
		for _, id := range m.Participants {
			writeUint64(buf, id)
		}
	} else {
		var counterpart uint64
		if len(m.Participants) > 0 {
			counterpart = m.Participants[0]
		}
		writeUint64(buf, counterpart)
	}
	return buf.Bytes()
}

func (m *CreateRoom) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	group, err := readBool(r)
	if err != nil {
		return err
	}
	m.Group = group
	if group {
		n, err := readUint32(r)
		if err != nil {
			return err
		}
		if int(n)*8 > r.Len() {
			return ErrShortPayload
		}
		m.Participants = make([]uint64, n)
		for i := range m.Participants {
			if m.Participants[i], err = readUint64(r); err != nil {
				return err
			}
		}
		if n == 0 {
			m.Participants = nil
		}
		return nil
	}
	counterpart, err := readUint64(r)
	if err != nil {
		return err
	}
	m.Participants = []uint64{counterpart}
	return nil
}

// NewRoom (3) tells a participant a room now exists for them. Flash asks the
// client to draw attention to it.
type NewRoom struct {
	Flash  bool
	RoomID uint64
	Name   string
}

func (m *NewRoom) MsgKind() Kind { return KindNewRoom }

func (m *NewRoom) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindNewRoom))
	writeBool(buf, m.Flash)
	writeUint64(buf, m.RoomID)
	writeString(buf, m.Name)
	return buf.Bytes()
}

func (m *NewRoom) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	if m.Flash, err = readBool(r); err != nil {
		return err
	}
	if m.RoomID, err = readUint64(r); err != nil {
		return err
	}
	if m.Name, err = readString(r); err != nil {
		return err
	}
	return nil
}

// ResolveUser (4) looks up the ID for a name (ByName) or the name for an ID.
type ResolveUser struct {
	ByName   bool
	Username string
	UserID   uint64
}

func (m *ResolveUser) MsgKind() Kind { return KindResolveUser }

func (m *ResolveUser) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindResolveUser))
	writeBool(buf, m.ByName)
	if m.ByName {
		writeString(buf, m.Username)
	} else {
		writeUint64(buf, m.UserID)
	}
	return buf.Bytes()
}

func (m *ResolveUser) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	byName, err := readBool(r)
	if err != nil {
		return err
	}
	m.ByName = byName
	if byName {
		m.Username, err = readString(r)
	} else {
		m.UserID, err = readUint64(r)
	}
	return err
}

// ResolveUserAck (5) carries the resolved pair. UserID is InvalidUserID (or
// the name empty) when the lookup found nothing.
type ResolveUserAck struct {
	Username string
	UserID   uint64
}

func (m *ResolveUserAck) MsgKind() Kind { return KindResolveUserAck }

func (m *ResolveUserAck) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindResolveUserAck))
	writeString(buf, m.Username)
	writeUint64(buf, m.UserID)
	return buf.Bytes()
}

func (m *ResolveUserAck) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	if m.Username, err = readString(r); err != nil {
		return err
	}
	if m.UserID, err = readUint64(r); err != nil {
		return err
	}
	return nil
}

// OpenRoom (6) opens a room; InvalidRoomID asks for a room-list refresh
// instead.
type OpenRoom struct {
	RoomID uint64
}

func (m *OpenRoom) MsgKind() Kind { return KindOpenRoom }

func (m *OpenRoom) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindOpenRoom))
	writeUint64(buf, m.RoomID)
	return buf.Bytes()
}

func (m *OpenRoom) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	m.RoomID, err = readUint64(r)
	return err
}

// RoomHistory (7) replies to OpenRoom with the room's messages in send
// order.
type RoomHistory struct {
	Messages []ChatMessage
}

func (m *RoomHistory) MsgKind() Kind { return KindRoomHistory }

func (m *RoomHistory) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindRoomHistory))
	writeUint32(buf, uint32(len(m.Messages)))
	for i := range m.Messages {
		encodeChatMessage(buf, &m.Messages[i])
	}
	return buf.Bytes()
}

func (m *RoomHistory) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	if n == 0 {
		m.Messages = nil
		return nil
	}
	// each message is at least three uint64s plus a string length
	if int(n)*28 > r.Len() {
		return ErrShortPayload
	}
	m.Messages = make([]ChatMessage, n)
	for i := range m.Messages {
		if err := decodeChatMessage(r, &m.Messages[i]); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage (8) posts text to the sender's active room.
type SendMessage struct {
	Content string
}

func (m *SendMessage) MsgKind() Kind { return KindSendMessage }

func (m *SendMessage) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindSendMessage))
	writeString(buf, m.Content)
	return buf.Bytes()
}

func (m *SendMessage) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	m.Content, err = readString(r)
	return err
}

// NewMessage (9) pushes one freshly stored message to a room participant.
type NewMessage struct {
	RoomID  uint64
	Message ChatMessage
}

func (m *NewMessage) MsgKind() Kind { return KindNewMessage }

func (m *NewMessage) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindNewMessage))
	writeUint64(buf, m.RoomID)
	encodeChatMessage(buf, &m.Message)
	return buf.Bytes()
}

func (m *NewMessage) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	if m.RoomID, err = readUint64(r); err != nil {
		return err
	}
	return decodeChatMessage(r, &m.Message)
}

// ReadReceipt (10) announces that a user has read a room.
type ReadReceipt struct {
	RoomID uint64
	UserID uint64
}

func (m *ReadReceipt) MsgKind() Kind { return KindReadReceipt }

func (m *ReadReceipt) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindReadReceipt))
	writeUint64(buf, m.RoomID)
	writeUint64(buf, m.UserID)
	return buf.Bytes()
}

func (m *ReadReceipt) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	if m.RoomID, err = readUint64(r); err != nil {
		return err
	}
	m.UserID, err = readUint64(r)
	return err
}

// RoomList (11) replaces the client's whole room list.
type RoomList struct {
	Rooms []RoomSummary
}

func (m *RoomList) MsgKind() Kind { return KindRoomList }

func (m *RoomList) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindRoomList))
	writeUint32(buf, uint32(len(m.Rooms)))
	for i := range m.Rooms {
		writeString(buf, m.Rooms[i].Name)
		writeUint64(buf, m.Rooms[i].ID)
		writeBool(buf, m.Rooms[i].Unread)
	}
	return buf.Bytes()
}

func (m *RoomList) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	if n == 0 {
		m.Rooms = nil
		return nil
	}
	if int(n)*13 > r.Len() {
		return ErrShortPayload
	}
	m.Rooms = make([]RoomSummary, n)
	for i := range m.Rooms {
		if m.Rooms[i].Name, err = readString(r); err != nil {
			return err
		}
		if m.Rooms[i].ID, err = readUint64(r); err != nil {
			return err
		}
		if m.Rooms[i].Unread, err = readBool(r); err != nil {
			return err
		}
	}
	return nil
}

// ParticipantList (12) replaces the participant panel of the client's open
// room.
type ParticipantList struct {
	Users []Participant
}

func (m *ParticipantList) MsgKind() Kind { return KindParticipantList }

func (m *ParticipantList) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindParticipantList))
	writeUint32(buf, uint32(len(m.Users)))
	for i := range m.Users {
		writeUint64(buf, m.Users[i].UserID)
		writeUint64(buf, m.Users[i].LastSeen)
		writeBool(buf, m.Users[i].HasRead)
	}
	return buf.Bytes()
}

func (m *ParticipantList) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	if n == 0 {
		m.Users = nil
		return nil
	}
	if int(n)*17 > r.Len() {
		return ErrShortPayload
	}
	m.Users = make([]Participant, n)
	for i := range m.Users {
		if m.Users[i].UserID, err = readUint64(r); err != nil {
			return err
		}
		if m.Users[i].LastSeen, err = readUint64(r); err != nil {
			return err
		}
		if m.Users[i].HasRead, err = readBool(r); err != nil {
			return err
		}
	}
	return nil
}

// AddRemoveUser (13) adds a user to, or removes one from, the sender's
// active room.
type AddRemoveUser struct {
	UserID uint64
	Remove bool
}

func (m *AddRemoveUser) MsgKind() Kind { return KindAddRemoveUser }

func (m *AddRemoveUser) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindAddRemoveUser))
	writeUint64(buf, m.UserID)
	writeBool(buf, m.Remove)
	return buf.Bytes()
}

func (m *AddRemoveUser) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	if m.UserID, err = readUint64(r); err != nil {
		return err
	}
	m.Remove, err = readBool(r)
	return err
}

// RenameRoom (14) renames the sender's active room.
type RenameRoom struct {
	Name string
}

func (m *RenameRoom) MsgKind() Kind { return KindRenameRoom }

func (m *RenameRoom) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindRenameRoom))
	writeString(buf, m.Name)
	return buf.Bytes()
}

func (m *RenameRoom) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	m.Name, err = readString(r)
	return err
}

// Notice (15) shows the user an explanatory message. Disconnect warns that
// the server will close the connection after delivery.
type Notice struct {
	Text       string
	Disconnect bool
}

func (m *Notice) MsgKind() Kind { return KindNotice }

func (m *Notice) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindNotice))
	writeString(buf, m.Text)
	writeBool(buf, m.Disconnect)
	return buf.Bytes()
}

func (m *Notice) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	if m.Text, err = readString(r); err != nil {
		return err
	}
	m.Disconnect, err = readBool(r)
	return err
}

// FileOffer (16) announces a file the sender is willing to transfer later,
// identified by a client-generated promise ID.
type FileOffer struct {
	PromiseID uint64
	FileName  string
}

func (m *FileOffer) MsgKind() Kind { return KindFileOffer }

func (m *FileOffer) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindFileOffer))
	writeUint64(buf, m.PromiseID)
	writeString(buf, m.FileName)
	return buf.Bytes()
}

func (m *FileOffer) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	if m.PromiseID, err = readUint64(r); err != nil {
		return err
	}
	m.FileName, err = readString(r)
	return err
}

// FileRequest (17) asks the server to start the transfer behind a promise.
type FileRequest struct {
	PromiseID uint64
}

func (m *FileRequest) MsgKind() Kind { return KindFileRequest }

func (m *FileRequest) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindFileRequest))
	writeUint64(buf, m.PromiseID)
	return buf.Bytes()
}

func (m *FileRequest) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	m.PromiseID, err = readUint64(r)
	return err
}

// StartTransfer (18) instructs the offering client to begin sending chunks
// destined for the target user.
type StartTransfer struct {
	PromiseID    uint64
	TargetUserID uint64
}

func (m *StartTransfer) MsgKind() Kind { return KindStartTransfer }

func (m *StartTransfer) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindStartTransfer))
	writeUint64(buf, m.PromiseID)
	writeUint64(buf, m.TargetUserID)
	return buf.Bytes()
}

func (m *StartTransfer) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	if m.PromiseID, err = readUint64(r); err != nil {
		return err
	}
	m.TargetUserID, err = readUint64(r)
	return err
}

// FileChunk (19) carries raw file bytes from the offering client.
type FileChunk struct {
	Data []byte
}

func (m *FileChunk) MsgKind() Kind { return KindFileChunk }

func (m *FileChunk) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindFileChunk))
	writeBytes(buf, m.Data)
	return buf.Bytes()
}

func (m *FileChunk) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	m.Data, err = readBytes(r)
	return err
}

// FileChunkRelay (20) forwards raw file bytes to the receiving client.
type FileChunkRelay struct {
	Data []byte
}

func (m *FileChunkRelay) MsgKind() Kind { return KindFileChunkRelay }

func (m *FileChunkRelay) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(KindFileChunkRelay))
	writeBytes(buf, m.Data)
	return buf.Bytes()
}

func (m *FileChunkRelay) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	m.Data, err = readBytes(r)
	return err
}

func encodeChatMessage(buf *bytes.Buffer, msg *ChatMessage) {
	writeUint64(buf, msg.Author)
	writeUint64(buf, msg.SentAt)
	writeUint64(buf, msg.PromiseID)
	writeString(buf, msg.Content)
}

func decodeChatMessage(r *bytes.Reader, msg *ChatMessage) error {
	var err error
	if msg.Author, err = readUint64(r); err != nil {
		return err
	}
	if msg.SentAt, err = readUint64(r); err != nil {
		return err
	}
	if msg.PromiseID, err = readUint64(r); err != nil {
		return err
	}
	msg.Content, err = readString(r)
	return err
}

// DecodeMessage decodes one full frame payload: the kind tag in byte 0
// followed by that kind's layout.
func DecodeMessage(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, ErrShortPayload
	}
	kind := Kind(frame[0])
	var msg Message
	switch kind {
	case KindLogin:
		msg = &Login{}
	case KindLoginAck:
		msg = &LoginAck{}
	case KindCreateRoom:
		msg = &CreateRoom{}
	case KindNewRoom:
		msg = &NewRoom{}
	case KindResolveUser:
		msg = &ResolveUser{}
	case KindResolveUserAck:
		msg = &ResolveUserAck{}
	case KindOpenRoom:
		msg = &OpenRoom{}
	case KindRoomHistory:
		msg = &RoomHistory{}
	case KindSendMessage:
		msg = &SendMessage{}
	case KindNewMessage:
		msg = &NewMessage{}
	case KindReadReceipt:
		msg = &ReadReceipt{}
	case KindRoomList:
		msg = &RoomList{}
	case KindParticipantList:
		msg = &ParticipantList{}
	case KindAddRemoveUser:
		msg = &AddRemoveUser{}
	case KindRenameRoom:
		msg = &RenameRoom{}
	case KindNotice:
		msg = &Notice{}
	case KindFileOffer:
		msg = &FileOffer{}
	case KindFileRequest:
		msg = &FileRequest{}
	case KindStartTransfer:
		msg = &StartTransfer{}
	case KindFileChunk:
		msg = &FileChunk{}
	case KindFileChunkRelay:
		msg = &FileChunkRelay{}
	default:
		return nil, ErrUnknownKind
	}
	if err := msg.Decode(frame[1:]); err != nil {
		return nil, err
	}
	return msg, nil
}
