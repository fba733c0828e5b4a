// Package nettransport implements repl.Transport over a pool of getty
// TCP sessions, one per peer site. It reuses the same library and
// event-listener idiom the teacher's server/net.MySQLServer uses for
// its own listener (grounded on mysql_server.go's
// RunEventLoop/session-configuration sequence and handler.go's
// OnOpen/OnMessage dispatch shape), adapted here to frame replication
// control+payload records instead of MySQL packets, and kept to a
// single codec/listener rather than the teacher's full session-pool
// wrapper layer, which this domain does not need.
package nettransport

import (
	"sync"
	"time"

	getty "github.com/AlexStocks/getty/transport"
	jujuerrors "github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/coredbio/coredb/internal/repl"
)

const (
	sendTimeout = 5 * time.Second
	maxMsgLen   = 1 << 24
)

// Frame is the getty codec's unit: a replication Control header
// followed by its payload (spec.md §6 wire format).
type Frame struct {
	Ctrl repl.Control
	Body []byte
}

// codec implements getty's Reader/Writer, framing each message as
// repl.ControlSize bytes of header followed by Control.MsgLen bytes of
// payload.
type codec struct{}

func (codec) Read(ss getty.Session, data []byte) (interface{}, int, error) {
	if len(data) < repl.ControlSize {
		return nil, 0, nil
	}
	ctrl, err := repl.DecodeControl(data)
	if err != nil {
		return nil, 0, err
	}
	total := repl.ControlSize + int(ctrl.MsgLen)
	if len(data) < total {
		return nil, 0, nil
	}
	body := append([]byte(nil), data[repl.ControlSize:total]...)
	return Frame{Ctrl: ctrl, Body: body}, total, nil
}

func (codec) Write(ss getty.Session, pkg interface{}) ([]byte, error) {
	f, ok := pkg.(Frame)
	if !ok {
		return nil, jujuerrors.Errorf("nettransport: cannot encode %T", pkg)
	}
	buf := make([]byte, 0, repl.ControlSize+len(f.Body))
	buf = append(buf, f.Ctrl.Encode()...)
	buf = append(buf, f.Body...)
	return buf, nil
}

// Transport implements repl.Transport over a set of live getty
// sessions keyed by the remote address they were opened from. It also
// implements getty.EventListener, dispatching every decoded Frame to
// Dispatch (installed by the caller once the local Env is open).
type Transport struct {
	mu       sync.Mutex
	sessions map[string]getty.Session
	server   getty.Server
	clients  []getty.Client
	log      *logrus.Logger

	// Dispatch is called with every frame this transport receives,
	// from the session's own goroutine; it should hand off quickly
	// (spec.md §6 "rep_process_message" does its own locking).
	Dispatch func(ctrl repl.Control, body []byte, senderEID string)
}

// New returns a Transport logging session errors through log.
func New(log *logrus.Logger) *Transport {
	return &Transport{sessions: make(map[string]getty.Session), log: log}
}

func (t *Transport) configure(session getty.Session) {
	session.SetName("coredb-repl")
	session.SetMaxMsgLen(maxMsgLen)
	session.SetPkgHandler(codec{})
	session.SetEventListener(t)
	session.SetReadTimeout(30 * time.Second)
	session.SetWriteTimeout(sendTimeout)
	session.SetWaitTime(time.Second)
}

// Listen brings up a getty TCP server accepting connections from peer
// sites (spec.md §6 "rep_set_transport").
func (t *Transport) Listen(addr string) error {
	t.server = getty.NewTCPServer(getty.WithLocalAddress(addr))
	t.server.RunEventLoop(func(session getty.Session) error {
		t.configure(session)
		return nil
	})
	return nil
}

// DialPeers opens one outbound connection to each address in peers.
// A dialed session is not registered until the peer sends its first
// message; OnMessage then keys it by its remote address, and that key
// is never replaced by the peer's eid.
func (t *Transport) DialPeers(peers []string) {
	for _, addr := range peers {
		client := getty.NewTCPClient(getty.WithServerAddress(addr), getty.WithConnectionNumber(1))
		client.RunEventLoop(func(session getty.Session) error {
			t.configure(session)
			return nil
		})
		t.clients = append(t.clients, client)
	}
}

// Send implements repl.Transport: repl.BroadcastEID fans rec out to
// every live session, any other value targets just that eid's session
// (spec.md §6, "the send callback... must be thread-safe").
func (t *Transport) Send(ctrl repl.Control, rec []byte, targetEID string, flags uint32) error {
	frame := Frame{Ctrl: ctrl, Body: rec}

	t.mu.Lock()
	defer t.mu.Unlock()
	if targetEID == repl.BroadcastEID {
		var firstErr error
		for _, s := range t.sessions {
			if err := s.WritePkg(frame, sendTimeout); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	s, ok := t.sessions[targetEID]
	if !ok {
		return jujuerrors.NotFoundf("session for eid %q", targetEID)
	}
	return jujuerrors.Trace(s.WritePkg(frame, sendTimeout))
}

// OnOpen accepts every incoming session; replication group membership
// is enforced at the message-dispatch layer (spec.md §4.G version/gen
// checks), not the transport.
func (t *Transport) OnOpen(session getty.Session) error { return nil }

func (t *Transport) OnClose(session getty.Session) {
	t.mu.Lock()
	for eid, s := range t.sessions {
		if s == session {
			delete(t.sessions, eid)
		}
	}
	t.mu.Unlock()
}

func (t *Transport) OnError(session getty.Session, err error) {
	if t.log != nil {
		t.log.WithError(err).Warn("replication session error")
	}
	session.Close()
}

func (t *Transport) OnCron(session getty.Session) {}

// OnMessage decodes one Frame and hands it to Dispatch, keying the
// session by the remote address it reports so a later Send can target
// it back before a formal eid handshake exists (spec.md leaves peer
// discovery to NEWCLIENT/NEWSITE, which Dispatch's caller handles).
func (t *Transport) OnMessage(session getty.Session, pkg interface{}) {
	f, ok := pkg.(Frame)
	if !ok {
		return
	}
	senderEID := session.RemoteAddr()
	t.mu.Lock()
	t.sessions[senderEID] = session
	t.mu.Unlock()
	if t.Dispatch != nil {
		t.Dispatch(f.Ctrl, f.Body, senderEID)
	}
}

// Close tears down every session and the listener/clients.
func (t *Transport) Close() {
	t.mu.Lock()
	sessions := make([]getty.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	if t.server != nil {
		t.server.Close()
	}
	for _, c := range t.clients {
		c.Close()
	}
}
