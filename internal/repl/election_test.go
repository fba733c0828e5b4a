package repl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coredbio/coredb/internal/lsn"
)

type fakeEgenStore struct {
	persisted []uint32
}

func (s *fakeEgenStore) PersistEgen(egen uint32) error {
	s.persisted = append(s.persisted, egen)
	return nil
}

type recordingTransport struct {
	sent []sentMsg
}

type sentMsg struct {
	ctrl   Control
	rec    []byte
	target string
}

func (t *recordingTransport) Send(ctrl Control, rec []byte, targetEID string, flags uint32) error {
	t.sent = append(t.sent, sentMsg{ctrl, rec, targetEID})
	return nil
}

func newThreeSiteStates() (a, b, c *State) {
	mk := func(eid string, prio int) *State {
		return NewState(Config{EID: eid, NSites: 3, NVotes: 2, Priority: prio, Timeout: time.Second})
	}
	return mk("a", 10), mk("b", 20), mk("c", 5)
}

func TestElectionHighestLSNWins(t *testing.T) {
	a, b, c := newThreeSiteStates()
	store := &fakeEgenStore{}
	tr := &recordingTransport{}

	require.NoError(t, a.StartElection(store, tr, lsn.LSN{File: 1, Offset: 100}))
	v1 := mustFindVote1(t, tr)

	require.NoError(t, b.HandleVote1("a", v1, tr))
	bVote := Vote1Payload{NSites: 3, NVotes: 2, Priority: b.Priority, Tiebreaker: b.tiebreakerFor(1), Egen: 1, LSN: lsn.LSN{File: 2, Offset: 0}}
	require.NoError(t, a.HandleVote1("b", bVote, tr))
	cVote := Vote1Payload{NSites: 3, NVotes: 2, Priority: c.Priority, Tiebreaker: c.tiebreakerFor(1), Egen: 1, LSN: lsn.LSN{File: 1, Offset: 50}}
	require.NoError(t, a.HandleVote1("c", cVote, tr))

	require.Equal(t, "b", a.winner.eid, "site b's higher LSN should win the election")
}

func TestPriorityZeroNeverWins(t *testing.T) {
	a, _, _ := newThreeSiteStates()
	store := &fakeEgenStore{}
	tr := &recordingTransport{}
	require.NoError(t, a.StartElection(store, tr, lsn.LSN{File: 1, Offset: 1}))

	zero := Vote1Payload{NSites: 3, NVotes: 2, Priority: 0, Tiebreaker: 99999, Egen: 1, LSN: lsn.LSN{File: 9, Offset: 9}}
	require.NoError(t, a.HandleVote1("z", zero, tr))
	require.Equal(t, "a", a.winner.eid, "priority-0 candidates are never eligible to win regardless of LSN")
}

func TestVote2QuorumDeclaresMaster(t *testing.T) {
	a, _, _ := newThreeSiteStates()
	a.Status = StatusElectPhase2
	a.electionEgen = 1
	a.winner = candidate{eid: "a", priority: a.Priority}
	a.tally2 = make(map[string]bool)
	tr := &recordingTransport{}

	require.NoError(t, a.HandleVote2("b", Vote2Payload{Egen: 1}, tr, func() lsn.LSN { return lsn.LSN{File: 3, Offset: 0} }))
	require.NotEqual(t, StatusMaster, a.Status, "one of two needed votes should not yet declare a master")

	require.NoError(t, a.HandleVote2("c", Vote2Payload{Egen: 1}, tr, func() lsn.LSN { return lsn.LSN{File: 3, Offset: 0} }))
	require.Equal(t, StatusMaster, a.Status)
	require.Equal(t, "a", a.MasterID)
	require.NotEmpty(t, tr.sent)
	require.Equal(t, MsgNewMaster, tr.sent[len(tr.sent)-1].ctrl.Type)
}

func TestLaterEgenVote1ResetsPhase(t *testing.T) {
	a, _, _ := newThreeSiteStates()
	store := &fakeEgenStore{}
	tr := &recordingTransport{}
	require.NoError(t, a.StartElection(store, tr, lsn.LSN{File: 1, Offset: 1}))
	require.Equal(t, uint32(1), a.electionEgen)

	later := Vote1Payload{NSites: 3, NVotes: 2, Priority: 50, Tiebreaker: 1, Egen: 5, LSN: lsn.LSN{File: 1, Offset: 1}}
	require.NoError(t, a.HandleVote1("d", later, tr))
	require.Equal(t, uint32(5), a.electionEgen, "a VOTE1 at a newer egen restarts our phase at that egen")
}

func TestEgenBackoffShrinksTimeoutBounded(t *testing.T) {
	a, _, _ := newThreeSiteStates()
	a.Timeout = 1000 * time.Millisecond
	next := a.ApplyEgenBackoff(int64(500 * time.Millisecond))
	require.Equal(t, int64(500*time.Millisecond), next, "backoff is bounded by the original configured timeout")
}

func mustFindVote1(t *testing.T, tr *recordingTransport) Vote1Payload {
	t.Helper()
	for _, m := range tr.sent {
		if m.ctrl.Type == MsgVote1 {
			p, err := DecodeVote1(m.rec)
			require.NoError(t, err)
			return p
		}
	}
	t.Fatal("no VOTE1 sent")
	return Vote1Payload{}
}
