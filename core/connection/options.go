// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"net"
	"time"
)

const defaultConnectTimeout = 30 * time.Second

// Keepalive policy applied to every dialed socket.
const (
	keepAliveIdle     = 4 * time.Second
	keepAliveInterval = 3 * time.Second
	keepAliveCount    = 2
)

// DefaultDialer is the Dialer implementation that is used by this package.
// It enables TCP keepalive probing so half-open sockets are detected without
// waiting on an in-flight command.
var DefaultDialer Dialer = &net.Dialer{
	KeepAliveConfig: net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepAliveIdle,
		Interval: keepAliveInterval,
		Count:    keepAliveCount,
	},
}

type config struct {
	connectTimeout time.Duration
	dialer         Dialer
	handshaker     Handshaker
	mode           ReceiveMode
}

func newConfig(opts ...Option) (*config, error) {
	cfg := &config{
		connectTimeout: defaultConnectTimeout,
		dialer:         DefaultDialer,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Option is used to configure a connection.
type Option func(*config) error

// WithConnectTimeout configures the maximum amount of time a dial will wait
// for a connection to become established. The default is 30 seconds.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.connectTimeout = d
		return nil
	}
}

// WithDialer configures the Dialer to use when making a new connection.
func WithDialer(d Dialer) Option {
	return func(c *config) error {
		c.dialer = d
		return nil
	}
}

// WithHandshaker configures the Handshaker that will be run when a new
// socket is dialed, including the redial inside the automatic send retry.
func WithHandshaker(h Handshaker) Option {
	return func(c *config) error {
		c.handshaker = h
		return nil
	}
}

// WithReceiveMode selects between the blocking and cooperative receive
// scheduling models.
func WithReceiveMode(m ReceiveMode) Option {
	return func(c *config) error {
		c.mode = m
		return nil
	}
}
