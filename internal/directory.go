package internal

// directory maps logged-in user IDs to their live session. At most one
// session per user; a newer login for the same user evicts the older one.
type directory struct {
	byUser map[uint64]*Session
}

func newDirectory() *directory {
	return &directory{byUser: make(map[uint64]*Session)}
}

func (d *directory) lookup(userID uint64) *Session {
	return d.byUser[userID]
}

func (d *directory) online(userID uint64) bool {
	return d.byUser[userID] != nil
}

func (d *directory) bind(userID uint64, sess *Session) {
	d.byUser[userID] = sess
}

// unbind removes the mapping only if it still points at sess, so an evicted
// session lingering until its close completes cannot knock out its successor.
func (d *directory) unbind(userID uint64, sess *Session) {
	if d.byUser[userID] == sess {
		delete(d.byUser, userID)
	}
}
