// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongolite

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/mongolite/mongolite/core/auth"
	"github.com/mongolite/mongolite/core/command"
	"github.com/mongolite/mongolite/core/session"
	"github.com/mongolite/mongolite/internal/logger"
)

const (
	withTransactionMaxRetries   = 3
	withTransactionCommitTries  = 3
	withTransactionRetryDelayMS = 100
)

// StartSession asks the server for a logical session and registers it. The
// returned session carries no transaction until StartTransaction is called.
func (c *Client) StartSession(ctx context.Context, opts *SessionOptions) (*session.Session, error) {
	causal := true
	if opts != nil && opts.CausalConsistency != nil {
		causal = *opts.CausalConsistency
	}

	oidx, odst := bsoncore.AppendDocumentStart(nil)
	odst = bsoncore.AppendBooleanElement(odst, "causalConsistency", causal)
	optionsDoc, _ := bsoncore.AppendDocumentEnd(odst, oidx)

	cmd := command.NewInt32("startSession", 1, auth.DefaultAuthDB).
		AppendDocument("options", optionsDoc)

	res, err := c.runCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}

	lsid, ok := res.Document.Lookup("id").DocumentOK()
	if !ok {
		return nil, fmt.Errorf("mongolite: startSession response is missing the session id")
	}
	id, err := session.UUIDFromLsid(lsid)
	if err != nil {
		return nil, err
	}

	s := session.New(id, causal)
	if opts != nil && opts.DefaultTransactionOptions != nil {
		s.SetDefaultTransactionOptions(opts.DefaultTransactionOptions)
	}
	c.registry.Add(s)

	c.log.Print(logger.LevelDebug, logger.ComponentTransaction, "session started", "lsid", s.Key())
	return s, nil
}

// StartTransaction begins a transaction on the session. Nothing is sent to
// the server; the first operation that uses the session carries
// startTransaction: true.
func (c *Client) StartTransaction(s *session.Session, opts *session.TransactionOptions) error {
	if err := s.StartTransaction(opts); err != nil {
		return TransactionError{Message: "cannot start transaction", Wrapped: err}
	}
	c.log.Print(logger.LevelDebug, logger.ComponentTransaction, "transaction started",
		"lsid", s.Key(), "txnNumber", s.TxnNumber())
	return nil
}

// transactionCommand builds commitTransaction/abortTransaction. These carry
// the session fields explicitly: the per-command injection rules do not
// apply to them (a commit must never carry startTransaction).
func (c *Client) transactionCommand(verb string, s *session.Session) *command.Command {
	s.Touch()
	return command.NewInt32(verb, 1, auth.DefaultAuthDB).
		AppendDocument("lsid", s.LsidDocument()).
		AppendInt64("txnNumber", s.TxnNumber()).
		AppendBoolean("autocommit", false)
}

// CommitTransaction commits the session's active transaction. On a
// transient or unknown-commit-result failure the transaction state is
// preserved so the commit can be retried; any other failure aborts.
func (c *Client) CommitTransaction(ctx context.Context, s *session.Session) error {
	switch s.State() {
	case session.InProgress, session.Committed:
	default:
		return TransactionError{Message: fmt.Sprintf("cannot commit transaction in state %s", s.State())}
	}

	if s.State() == session.InProgress && !s.FirstOperationDone() {
		// No operation ever reached the server, so there is nothing
		// to commit there.
		return s.Commit()
	}

	_, err := c.runCommand(ctx, c.transactionCommand("commitTransaction", s))
	if err != nil {
		if IsTransientTransactionError(err) || IsUnknownTransactionCommitResult(err) {
			return err
		}
		s.Abort()
		return err
	}

	if err := s.Commit(); err != nil {
		return err
	}
	c.log.Print(logger.LevelDebug, logger.ComponentTransaction, "transaction committed",
		"lsid", s.Key(), "txnNumber", s.TxnNumber())
	return nil
}

// AbortTransaction aborts the session's active transaction. The session
// moves to aborted even when the server cannot be reached.
func (c *Client) AbortTransaction(ctx context.Context, s *session.Session) error {
	if s.State() != session.InProgress {
		return TransactionError{Message: fmt.Sprintf("cannot abort transaction in state %s", s.State())}
	}

	if !s.FirstOperationDone() {
		s.Abort()
		return nil
	}

	cmd := c.transactionCommand("abortTransaction", s)
	_, err := c.runCommand(ctx, cmd)
	s.Abort()

	c.log.Print(logger.LevelDebug, logger.ComponentTransaction, "transaction aborted",
		"lsid", s.Key(), "txnNumber", s.TxnNumber())
	return err
}

// WithTransaction runs fn inside a transaction, retrying transient
// failures with fresh transactions and retrying commits whose outcome is
// unknown. After the retry budget is spent the last error is wrapped in a
// TransactionError.
func (c *Client) WithTransaction(ctx context.Context, s *session.Session, fn func(ctx context.Context) error, opts *session.TransactionOptions) error {
	var lastErr error

	for attempt := 0; attempt < withTransactionMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(withTransactionRetryDelayMS * time.Millisecond):
			}
		}

		if err := c.StartTransaction(s, opts); err != nil {
			return err
		}

		if err := fn(ctx); err != nil {
			_ = c.AbortTransaction(ctx, s)
			if IsTransientTransactionError(err) {
				lastErr = err
				continue
			}
			return err
		}

		var commitErr error
		for commitAttempt := 0; commitAttempt < withTransactionCommitTries; commitAttempt++ {
			commitErr = c.CommitTransaction(ctx, s)
			if commitErr == nil || !IsUnknownTransactionCommitResult(commitErr) {
				break
			}
		}
		if commitErr == nil {
			return nil
		}

		lastErr = commitErr
		if IsTransientTransactionError(commitErr) || IsUnknownTransactionCommitResult(commitErr) {
			if s.State() == session.InProgress {
				s.Abort()
			}
			continue
		}
		return commitErr
	}

	return TransactionError{Message: "maximum retries exceeded", Wrapped: lastErr}
}

// EndSessions retires the given sessions, locally and on the server. A
// session still holding an open transaction is logged and ended anyway.
func (c *Client) EndSessions(ctx context.Context, sessions []*session.Session) error {
	if len(sessions) == 0 {
		return nil
	}

	lsids := make([]bsoncore.Document, 0, len(sessions))
	for _, s := range sessions {
		if s.TransactionInProgress() {
			c.log.Print(logger.LevelInfo, logger.ComponentTransaction,
				"ending session with a transaction still in progress", "lsid", s.Key())
		}
		s.End()
		c.registry.Remove(s.Key())
		lsids = append(lsids, s.LsidDocument())
	}

	_, err := c.runCommand(ctx, command.NewArray("endSessions", lsids, auth.DefaultAuthDB))
	return err
}

// CleanupStaleSessions ends every session that has gone unused for 30
// minutes, mirroring the server's own logical session timeout.
func (c *Client) CleanupStaleSessions(ctx context.Context) error {
	stale := c.registry.CleanupStale(session.StaleSessionAge)
	if len(stale) == 0 {
		return nil
	}

	lsids := make([]bsoncore.Document, 0, len(stale))
	for _, s := range stale {
		if s.TransactionInProgress() {
			c.log.Print(logger.LevelInfo, logger.ComponentTransaction,
				"reaping stale session with a transaction still in progress", "lsid", s.Key())
		}
		s.End()
		lsids = append(lsids, s.LsidDocument())
	}

	_, err := c.runCommand(ctx, command.NewArray("endSessions", lsids, auth.DefaultAuthDB))
	return err
}

// SessionState returns the session's transaction state as the lowercase
// name used throughout the wire protocol documentation.
func (c *Client) SessionState(s *session.Session) string {
	if s == nil {
		return session.None.String()
	}
	return s.State().String()
}

// OperationTime returns the most recent operationTime observed on this
// connection, or nil before the first response.
func (c *Client) OperationTime() *primitive.Timestamp {
	return c.clock.OperationTime()
}

// ClusterTime returns the most recent $clusterTime document observed on
// this connection, or nil.
func (c *Client) ClusterTime() bson.Raw {
	ct := c.clock.ClusterTime()
	if ct == nil {
		return nil
	}
	return bson.Raw(ct)
}
