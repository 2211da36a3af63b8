package internal

// relayTable tracks outstanding file promises: a client-generated promise ID
// mapped to the user who offered the file. Entries live for the process
// lifetime; an offer whose owner is offline is reported as such rather than
// removed, since the owner may reconnect.
type relayTable struct {
	owners map[uint64]uint64
}

func newRelayTable() *relayTable {
	return &relayTable{owners: make(map[uint64]uint64)}
}

// register claims a promise ID for a user. It reports false when the ID is
// already claimed by someone else.
func (r *relayTable) register(promiseID, userID uint64) bool {
	if owner, ok := r.owners[promiseID]; ok && owner != userID {
		return false
	}
	r.owners[promiseID] = userID
	return true
}

func (r *relayTable) owner(promiseID uint64) (uint64, bool) {
	owner, ok := r.owners[promiseID]
	return owner, ok
}
