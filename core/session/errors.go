// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"errors"
	"fmt"
)

// ErrSessionEnded is returned when a command attempts to use a session that
// endSessions has already retired.
var ErrSessionEnded = errors.New("session: session has ended")

// TransactionConflictError is returned when StartTransaction is called
// while another transaction is still in progress on the session.
type TransactionConflictError struct {
	State State
}

// Error implements the error interface.
func (e TransactionConflictError) Error() string {
	return fmt.Sprintf("session: transaction already %s; a session holds at most one active transaction", e.State)
}

// TransactionStateError is returned when a transaction operation is invalid
// in the session's current state.
type TransactionStateError struct {
	Op    string
	State State
}

// Error implements the error interface.
func (e TransactionStateError) Error() string {
	return fmt.Sprintf("session: cannot run %s while transaction state is %s", e.Op, e.State)
}
