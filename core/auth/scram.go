// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"

	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"

	"github.com/mongolite/mongolite/core/connection"
)

// The SCRAM mechanism names as they appear on the wire.
const (
	SCRAMSHA1   = "SCRAM-SHA-1"
	SCRAMSHA256 = "SCRAM-SHA-256"
)

// ScramAuthenticator uses the SCRAM algorithm over SASL to authenticate a
// connection.
type ScramAuthenticator struct {
	DB        string
	Username  string
	Password  string
	Mechanism string // defaults to SCRAM-SHA-256

	client *scram.Client
}

var _ Authenticator = (*ScramAuthenticator)(nil)

// Auth authenticates the connection with two (or more, if the server asks)
// round trips of the SCRAM conversation.
func (a *ScramAuthenticator) Auth(ctx context.Context, conn connection.Connection) error {
	client, err := a.scramClient()
	if err != nil {
		return newError(err, a.mechanism())
	}

	adapter := &scramSaslAdapter{mechanism: a.mechanism(), conversation: client.NewConversation()}
	return ConductSaslConversation(ctx, conn, a.DB, adapter)
}

func (a *ScramAuthenticator) mechanism() string {
	if a.Mechanism == "" {
		return SCRAMSHA256
	}
	return a.Mechanism
}

// scramClient builds the underlying SCRAM client. SCRAM-SHA-256 requires
// the password be SASLprepped; SCRAM-SHA-1 instead hashes the legacy
// MONGODB-CR digest of the credentials.
func (a *ScramAuthenticator) scramClient() (*scram.Client, error) {
	if a.client != nil {
		return a.client, nil
	}

	var client *scram.Client
	var err error

	switch a.mechanism() {
	case SCRAMSHA256:
		passprep, perr := stringprep.SASLprep.Prepare(a.Password)
		if perr != nil {
			return nil, fmt.Errorf("error SASLprepping password: %w", perr)
		}
		client, err = scram.SHA256.NewClientUnprepped(a.Username, passprep, "")
	case SCRAMSHA1:
		passdigest := mongoPasswordDigest(a.Username, a.Password)
		client, err = scram.SHA1.NewClientUnprepped(a.Username, passdigest, "")
	default:
		return nil, fmt.Errorf("unsupported SCRAM mechanism %q", a.Mechanism)
	}
	if err != nil {
		return nil, fmt.Errorf("error initializing SCRAM client: %w", err)
	}

	a.client = client.WithMinIterations(4096)
	return a.client, nil
}

func mongoPasswordDigest(username, password string) string {
	h := md5.New()
	_, _ = io.WriteString(h, username)
	_, _ = io.WriteString(h, ":mongo:")
	_, _ = io.WriteString(h, password)
	return fmt.Sprintf("%x", h.Sum(nil))
}

type scramSaslAdapter struct {
	mechanism    string
	conversation *scram.ClientConversation
}

var _ SaslClient = (*scramSaslAdapter)(nil)

func (a *scramSaslAdapter) Start() (string, []byte, error) {
	step, err := a.conversation.Step("")
	if err != nil {
		return a.mechanism, nil, err
	}
	return a.mechanism, []byte(step), nil
}

func (a *scramSaslAdapter) Next(challenge []byte) ([]byte, error) {
	step, err := a.conversation.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	return []byte(step), nil
}

func (a *scramSaslAdapter) Completed() bool {
	return a.conversation.Done() && a.conversation.Valid()
}
