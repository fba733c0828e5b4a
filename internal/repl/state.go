package repl

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coredbio/coredb/internal/lsn"
)

// Status is a site's current role in the replication group (spec.md
// §3 "Election/replication state").
type Status int

const (
	StatusClient Status = iota
	StatusMaster
	StatusElectPhase1
	StatusElectPhase2
)

func (s Status) String() string {
	switch s {
	case StatusMaster:
		return "master"
	case StatusElectPhase1:
		return "in-election-phase-1"
	case StatusElectPhase2:
		return "in-election-phase-2"
	default:
		return "client"
	}
}

// candidate is one contender's standing in an election (spec.md §4.H
// "cumulative winner").
type candidate struct {
	eid        string
	priority   int
	tiebreaker uint32
	lsn        lsn.LSN
	gen        uint32
}

// less reports whether c is a worse candidate than other, comparing
// (lsn, priority, tiebreaker) lexicographically, highest wins
// (spec.md §4.H step 3). Priority 0 is never eligible to win.
func (c candidate) less(other candidate) bool {
	if other.priority == 0 {
		return false
	}
	if c.priority == 0 {
		return true
	}
	if cmp := c.lsn.Compare(other.lsn); cmp != 0 {
		return cmp < 0
	}
	if c.priority != other.priority {
		return c.priority < other.priority
	}
	return c.tiebreaker < other.tiebreaker
}

// PendingRecord is one out-of-order message held in the gap queue
// (spec.md §4.I "pending_queue (LSN -> record)").
type PendingRecord struct {
	Ctrl Control
	Rec  []byte
}

// Config seeds a new State.
type Config struct {
	EID             string
	NSites, NVotes  int
	Priority        int
	Timeout         time.Duration
	DelayClient     bool
	NoAutoInit      bool
	Bulk            bool
	WaitRecsInitial int
	MaxGap          int
	Log             *logrus.Logger
}

// State is one site's full replication state: generation/election
// bookkeeping (spec.md §3, §4.H) plus client catch-up state (spec.md
// §4.I), all guarded by a single mutex mirroring the teacher corpus's
// one-lock-per-region idiom (spec.md §5 "Replication region mutex" +
// "Client-catch-up mutex" collapsed into one Go mutex since this
// engine is single-process per site).
type State struct {
	mu sync.Mutex

	EID      string
	Gen      uint32
	Egen     uint32
	MasterID string
	Status   Status
	NSites   int
	NVotes   int
	Priority int
	Timeout  time.Duration

	tiebreakerSeed uint32
	tally1         map[string]candidate // keyed by eid, reset each new election
	tally2         map[string]bool
	electionEgen   uint32
	winner         candidate
	sitesSeen      map[string]bool

	recovering      bool
	recoveringPages bool // page-catchup sub-state entered by BeginInternalInit (spec.md §4.G)
	missedRecords   int
	waitRecs        int
	maxGap          int

	// pageMu is the page-catchup lock: PAGE messages apply pages
	// blindly under it, serialized against each other but independent
	// of mu (spec.md §4.G "applies pages blindly under the page-catchup
	// lock").
	pageMu sync.Mutex

	ReadyLSN   lsn.LSN
	WaitingLSN lsn.LSN
	VerifyLSN  lsn.LSN
	Pending    map[lsn.LSN]PendingRecord
	dupCount   int

	DelayClient bool
	NoAutoInit  bool
	Bulk        bool

	Log *logrus.Logger
}

// NewState creates a client-role State. The election tiebreaker is
// seeded once per process (not re-randomized per election) from the
// current time XOR a hash of eid, per SPEC_FULL §9.3's account of
// `rep_elect.c`'s pid+timestamp seed.
func NewState(cfg Config) *State {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cfg.EID))
	seed := uint32(time.Now().UnixNano()) ^ h.Sum32()

	waitRecs := cfg.WaitRecsInitial
	if waitRecs == 0 {
		waitRecs = 10
	}
	maxGap := cfg.MaxGap
	if maxGap == 0 {
		maxGap = 1000
	}

	return &State{
		EID:            cfg.EID,
		MasterID:       "",
		Status:         StatusClient,
		NSites:         cfg.NSites,
		NVotes:         cfg.NVotes,
		Priority:       cfg.Priority,
		Timeout:        cfg.Timeout,
		tiebreakerSeed: seed,
		tally1:         make(map[string]candidate),
		tally2:         make(map[string]bool),
		sitesSeen:      make(map[string]bool),
		waitRecs:       waitRecs,
		maxGap:         maxGap,
		Pending:        make(map[lsn.LSN]PendingRecord),
		DelayClient:    cfg.DelayClient,
		NoAutoInit:     cfg.NoAutoInit,
		Bulk:           cfg.Bulk,
		Log:            cfg.Log,
	}
}

// IsMaster reports whether this site currently believes itself master.
func (s *State) IsMaster() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status == StatusMaster
}
