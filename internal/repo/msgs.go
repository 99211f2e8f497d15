package repo

import (
	"encoding/json"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/ir"
)

// Messages from document front ends to the back end.
type backendMsg interface{ backendMsg() }

type (
	// openMsg asks the back end to load a document.
	openMsg struct {
		DocID string
	}

	// needsActorIDMsg asks for a local writer for a document.
	needsActorIDMsg struct {
		DocID string
	}

	// requestMsg carries a local change request.
	requestMsg struct {
		DocID  string
		ReqID  int64
		Change ir.Change
	}

	// closeMsg releases a document's back end.
	closeMsg struct {
		DocID string
	}

	// loadedMsg completes an asynchronous document load.
	loadedMsg struct {
		DocID   string
		Changes []ir.Change
		Fed     clock.Clock
		Err     error
	}

	// syncMsg announces that an actor's log grew.
	syncMsg struct {
		ActorID string
	}

	// peerMsg carries one inbound frame from a peer.
	peerMsg struct {
		PeerID    string
		SessionID string
		Subject   string
		Payload   []byte
	}

	// peerClosedMsg reports a session that ended.
	peerClosedMsg struct {
		PeerID    string
		SessionID string
	}

	// peerTimeoutMsg reports a heartbeat timeout.
	peerTimeoutMsg struct {
		PeerID    string
		SessionID string
	}
)

func (openMsg) backendMsg()         {}
func (needsActorIDMsg) backendMsg() {}
func (requestMsg) backendMsg()      {}
func (closeMsg) backendMsg()        {}
func (loadedMsg) backendMsg()       {}
func (syncMsg) backendMsg()         {}
func (peerMsg) backendMsg()         {}
func (peerClosedMsg) backendMsg()   {}
func (peerTimeoutMsg) backendMsg()  {}

// Messages from the back end to document front ends.
type frontendMsg interface{ frontendMsg() }

type (
	// readyMsg delivers the first state of a document.
	readyMsg struct {
		DocID   string
		ActorID string
		Patch   ir.Patch
	}

	// actorIDMsg grants a local writer.
	actorIDMsg struct {
		DocID   string
		ActorID string
	}

	// patchMsg delivers an incremental update. ReqID is set when the patch
	// confirms a local request.
	patchMsg struct {
		DocID string
		ReqID int64
		Patch ir.Patch
	}

	// errorMsg reports a failure scoped to one document. ReqID is set when
	// a local request was rejected; ActorRequest when no writer could be
	// allocated.
	errorMsg struct {
		DocID        string
		ReqID        int64
		ActorRequest bool
		Err          error
	}

	// progressMsg reports a downloaded record.
	progressMsg struct {
		DocID    string
		Progress Progress
	}

	// documentMsg delivers an ephemeral peer message.
	documentMsg struct {
		DocID   string
		Payload json.RawMessage
	}
)

func (readyMsg) frontendMsg()    {}
func (actorIDMsg) frontendMsg()  {}
func (patchMsg) frontendMsg()    {}
func (errorMsg) frontendMsg()    {}
func (progressMsg) frontendMsg() {}
func (documentMsg) frontendMsg() {}

// Progress describes one record downloaded for an actor a document uses.
type Progress struct {
	Actor string `json:"actor"`
	Index int64  `json:"index"`
	Size  int    `json:"size"`
}
