package transport

import (
	"log/slog"

	"github.com/roach88/hyperdoc/internal/queue"
)

// pipeSession is one end of an in-memory session pair.
type pipeSession struct {
	*router
	inbox *queue.Queue[envelope]
	peer  *pipeSession
}

var _ Session = (*pipeSession)(nil)

// Pipe connects two in-memory sessions. aID and bID are the repo ids of
// each end: the session returned first reports bID as its RemoteID.
//
// Send delivers on the sender's goroutine once the receiver has started.
func Pipe(aID, bID string, logger *slog.Logger) (Session, Session) {
	a := &pipeSession{router: newRouter(bID, logger), inbox: queue.New[envelope]("pipe:" + aID)}
	b := &pipeSession{router: newRouter(aID, logger), inbox: queue.New[envelope]("pipe:" + bID)}
	a.peer, b.peer = b, a
	return a, b
}

func (s *pipeSession) Send(subject string, payload []byte) error {
	if s.isClosed() || s.peer.isClosed() {
		return ErrClosed
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	s.peer.inbox.Push(envelope{Subject: subject, Payload: data})
	return nil
}

func (s *pipeSession) Start() {
	// Subscribe fails only when already started.
	_ = s.inbox.Subscribe(s.dispatch)
}

func (s *pipeSession) Close() error {
	if s.markClosed() {
		s.inbox.Unsubscribe()
		s.peer.Close()
	}
	return nil
}
