// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session holds the client-side state of server sessions: the
// logical session id, the transaction state machine, and the causal
// consistency clock. All mutation happens on the goroutine that owns the
// connection, so no locking is done here beyond the shared clock.
package session

import (
	"encoding/hex"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/mongolite/mongolite/core/readconcern"
	"github.com/mongolite/mongolite/core/writeconcern"
)

// State is the transaction state of a session.
type State int

// The session transaction states. Committed and Aborted are terminal for
// the transaction, not for the session: a new transaction may be started
// afterwards.
const (
	None State = iota
	Starting
	InProgress
	Committed
	Aborted
)

// String implements the fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Starting:
		return "starting"
	case InProgress:
		return "in_progress"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "<invalid state>"
	}
}

// TransactionOptions are the per-transaction options stored on the session
// at StartTransaction time and injected into the transaction's first
// operation.
type TransactionOptions struct {
	ReadConcern     *readconcern.ReadConcern
	WriteConcern    *writeconcern.WriteConcern
	ReadPreference  string
	MaxCommitTimeMS int64
}

// Session tracks a single server session.
type Session struct {
	id    []byte // raw UUID bytes from the server's lsid
	state State

	txnNumber            int64
	retryableWriteNumber int64
	firstOperationDone   bool
	txnOpts              *TransactionOptions

	causalConsistency bool
	defaultTxnOpts    *TransactionOptions
	lastUse           time.Time
	ended             bool
}

// New constructs a Session around the UUID bytes the server returned inside
// lsid.id.
func New(id []byte, causalConsistency bool) *Session {
	return &Session{
		id:                id,
		state:             None,
		causalConsistency: causalConsistency,
		lastUse:           time.Now(),
	}
}

// ID returns the raw session UUID bytes.
func (s *Session) ID() []byte { return s.id }

// Key returns the hex encoding of the session UUID, used as the registry
// key. The byte representation is used directly so no bytes are lost to a
// lossy string coercion.
func (s *Session) Key() string { return hex.EncodeToString(s.id) }

// AppendLsidElement appends the lsid element, wrapping the session UUID as
// BSON Binary subtype 4.
func (s *Session) AppendLsidElement(dst []byte) []byte {
	return bsoncore.AppendDocumentElement(dst, "lsid", s.LsidDocument())
}

// LsidDocument returns the lsid document sent on the wire.
func (s *Session) LsidDocument() bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendBinaryElement(dst, "id", 0x04, s.id)
	doc, _ := bsoncore.AppendDocumentEnd(dst, idx)
	return doc
}

// SetDefaultTransactionOptions stores the options used when
// StartTransaction is called without any.
func (s *Session) SetDefaultTransactionOptions(opts *TransactionOptions) {
	s.defaultTxnOpts = opts
}

// State returns the session's transaction state.
func (s *Session) State() State { return s.state }

// TxnNumber returns the current transaction number.
func (s *Session) TxnNumber() int64 { return s.txnNumber }

// NextRetryableWriteNumber increments and returns the retryable write
// counter. It shares monotonicity with txnNumber per server session rules.
func (s *Session) NextRetryableWriteNumber() int64 {
	s.retryableWriteNumber++
	return s.retryableWriteNumber
}

// CausalConsistency reports whether the session was started with causal
// consistency.
func (s *Session) CausalConsistency() bool { return s.causalConsistency }

// TransactionInProgress reports whether the session has an active
// transaction.
func (s *Session) TransactionInProgress() bool { return s.state == InProgress }

// TransactionOptions returns the options stored by StartTransaction, which
// may be nil.
func (s *Session) TransactionOptions() *TransactionOptions { return s.txnOpts }

// FirstOperationDone reports whether the active transaction has already
// sent its first command.
func (s *Session) FirstOperationDone() bool { return s.firstOperationDone }

// MarkFirstOperation records that the transaction's first command has been
// sent, so startTransaction and readConcern are withheld from later ones.
func (s *Session) MarkFirstOperation() { s.firstOperationDone = true }

// Touch updates the session's last-use time.
func (s *Session) Touch() { s.lastUse = time.Now() }

// LastUse returns the session's last-use time.
func (s *Session) LastUse() time.Time { return s.lastUse }

// Expired reports whether the session has gone unused longer than maxAge.
func (s *Session) Expired(maxAge time.Duration) bool {
	return time.Since(s.lastUse) > maxAge
}

// Ended reports whether the session has been ended with endSessions.
func (s *Session) Ended() bool { return s.ended }

// End marks the session as ended; no further commands may use it.
func (s *Session) End() { s.ended = true }

// StartTransaction moves the session into InProgress, incrementing the
// transaction number exactly once. No network traffic results; the server
// learns about the transaction from the first command that carries
// startTransaction: true.
func (s *Session) StartTransaction(opts *TransactionOptions) error {
	if s.ended {
		return ErrSessionEnded
	}
	if s.state == InProgress {
		return TransactionConflictError{State: s.state}
	}

	if opts == nil {
		opts = s.defaultTxnOpts
	}

	s.txnNumber++
	s.state = InProgress
	s.firstOperationDone = false
	s.txnOpts = opts
	s.lastUse = time.Now()
	return nil
}

// Commit moves the transaction to Committed. The caller is responsible for
// having run the commitTransaction command.
func (s *Session) Commit() error {
	if s.state != InProgress && s.state != Committed {
		return TransactionStateError{Op: "commitTransaction", State: s.state}
	}
	s.state = Committed
	s.firstOperationDone = false
	return nil
}

// Abort moves the transaction to Aborted. It succeeds unconditionally so
// cleanup paths can always record the abort, even after a failed command.
func (s *Session) Abort() {
	s.state = Aborted
	s.firstOperationDone = false
}

// Registry is the in-memory table of active sessions, keyed by the hex
// encoding of the server-assigned UUID. It is owned by the connection and
// mutated only by the caller that owns it.
type Registry struct {
	sessions map[string]*Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add records a session.
func (r *Registry) Add(s *Session) { r.sessions[s.Key()] = s }

// Get returns the session with the given key, or nil.
func (r *Registry) Get(key string) *Session { return r.sessions[key] }

// Remove deletes the session with the given key.
func (r *Registry) Remove(key string) { delete(r.sessions, key) }

// Len returns the number of tracked sessions.
func (r *Registry) Len() int { return len(r.sessions) }

// All returns every tracked session.
func (r *Registry) All() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CleanupStale removes and returns sessions unused for longer than maxAge.
func (r *Registry) CleanupStale(maxAge time.Duration) []*Session {
	var stale []*Session
	for key, s := range r.sessions {
		if s.Expired(maxAge) {
			stale = append(stale, s)
			delete(r.sessions, key)
		}
	}
	return stale
}

// StaleSessionAge is how long a session may go unused before
// Client.CleanupStaleSessions reaps it. It matches the server's logical session
// timeout default.
const StaleSessionAge = 30 * time.Minute

// UUIDFromLsid extracts the raw UUID bytes from a server lsid document.
func UUIDFromLsid(lsid bsoncore.Document) ([]byte, error) {
	val, err := lsid.LookupErr("id")
	if err != nil {
		return nil, fmt.Errorf("session: lsid missing id field: %w", err)
	}
	subtype, data, ok := val.BinaryOK()
	if !ok {
		return nil, fmt.Errorf("session: lsid id is not binary")
	}
	if subtype != 0x04 {
		return nil, fmt.Errorf("session: lsid id has binary subtype %d, want 4", subtype)
	}
	return data, nil
}
