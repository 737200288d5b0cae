// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth implements the SCRAM authentication handshake. The
// conversation runs over the same framer and transport as user commands,
// before any session exists, so it deals in raw wire messages.
package auth

import (
	"context"
	"fmt"

	"github.com/mongolite/mongolite/core/connection"
)

// DefaultAuthDB is the database SCRAM conversations are run against.
const DefaultAuthDB = "admin"

// Authenticator handles authenticating a connection.
type Authenticator interface {
	Auth(ctx context.Context, conn connection.Connection) error
}

// Error is returned when the server rejects the authentication handshake.
type Error struct {
	mech  string
	inner error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.inner != nil {
		return fmt.Sprintf("auth error (%s): %s", e.mech, e.inner)
	}
	return fmt.Sprintf("auth error (%s)", e.mech)
}

// Unwrap returns the error that caused the authentication failure.
func (e *Error) Unwrap() error { return e.inner }

func newError(err error, mech string) error {
	return &Error{mech: mech, inner: err}
}

// ConnectionError is returned when the transport fails while the handshake
// is in flight, as opposed to the server rejecting the credentials.
type ConnectionError struct {
	Wrapped error
}

// Error implements the error interface.
func (e ConnectionError) Error() string {
	return fmt.Sprintf("auth: connection failed during handshake: %s", e.Wrapped)
}

// Unwrap returns the underlying transport error.
func (e ConnectionError) Unwrap() error { return e.Wrapped }
