package repl

// BroadcastEID is the target passed to Transport.Send to reach every
// site in the group at once (spec.md §6 "target_eid_or_broadcast").
const BroadcastEID = ""

// Transport is the host-supplied send callback contract (spec.md §6):
// "Must be thread-safe; the engine may call it under region locks, so
// it must not call back into the engine's write APIs."
type Transport interface {
	Send(ctrl Control, rec []byte, targetEID string, flags uint32) error
}

func (s *State) broadcast(t Transport, ctrl Control, rec []byte) error {
	if t == nil {
		return nil
	}
	return t.Send(ctrl, rec, BroadcastEID, 0)
}

func (s *State) sendTo(t Transport, eid string, ctrl Control, rec []byte) error {
	if t == nil {
		return nil
	}
	return t.Send(ctrl, rec, eid, 0)
}
