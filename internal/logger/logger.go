// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package logger provides the shared component logger. Messages carry
// structured key/value pairs; BSON documents among the values are
// stringified and truncated before reaching the sink.
package logger

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

const logSinkPathEnvVar = "MONGOLITE_LOG_PATH"
const maxDocumentLengthEnvVar = "MONGOLITE_LOG_MAX_DOCUMENT_LENGTH"

// DefaultMaxDocumentLength is the default maximum length of a stringified
// BSON document in bytes.
const DefaultMaxDocumentLength = 1000

// TruncationSuffix is appended to a truncated document string.
const TruncationSuffix = "..."

// LogSink represents a logging implementation. It is designed to be a
// subset of go-logr/logr's LogSink interface.
type LogSink interface {
	Info(level int, msg string, keysAndValues ...interface{})
}

// Logger routes component messages to a LogSink.
type Logger struct {
	ComponentLevels   map[Component]Level
	Sink              LogSink
	MaxDocumentLength uint
}

// New constructs a Logger. A nil sink falls back to the environment-derived
// sink, and finally to standard error. Component levels default from the
// environment.
func New(sink LogSink, maxDocumentLength uint, componentLevels map[Component]Level) *Logger {
	logger := &Logger{
		ComponentLevels:   componentLevels,
		Sink:              sink,
		MaxDocumentLength: maxDocumentLength,
	}

	if logger.ComponentLevels == nil {
		logger.ComponentLevels = envComponentLevels()
	}
	if logger.MaxDocumentLength == 0 {
		logger.MaxDocumentLength = envMaxDocumentLength()
	}
	if logger.Sink == nil {
		logger.Sink = envLogSink()
	}

	return logger
}

// Is reports whether the given level is enabled for the given component.
func (l *Logger) Is(level Level, component Component) bool {
	if l == nil {
		return false
	}
	if all, ok := l.ComponentLevels[ComponentAll]; ok && all >= level {
		return true
	}
	return l.ComponentLevels[component] >= level
}

// Print forwards a message to the sink if the component's level admits it.
// Values of type bsoncore.Document are stringified and truncated.
func (l *Logger) Print(level Level, component Component, msg string, keysAndValues ...interface{}) {
	if !l.Is(level, component) || l.Sink == nil {
		return
	}

	formatted := make([]interface{}, len(keysAndValues))
	for i, kv := range keysAndValues {
		if doc, ok := kv.(bsoncore.Document); ok {
			formatted[i] = truncate(doc.String(), l.MaxDocumentLength)
			continue
		}
		formatted[i] = kv
	}

	l.Sink.Info(int(level)-DiffToInfo, msg, formatted...)
}

// truncate shortens str to width bytes without splitting a multi-byte
// character.
func truncate(str string, width uint) string {
	if len(str) <= int(width) {
		return str
	}

	newStr := str[:width]

	// Back out of the middle of a multi-byte character.
	for len(newStr) > 0 {
		r, size := utf8.DecodeLastRuneInString(newStr)
		if r != utf8.RuneError || size != 1 {
			break
		}
		newStr = newStr[:len(newStr)-1]
	}

	return newStr + TruncationSuffix
}

func envMaxDocumentLength() uint {
	max := os.Getenv(maxDocumentLengthEnvVar)
	if max == "" {
		return DefaultMaxDocumentLength
	}
	maxUint, err := strconv.ParseUint(max, 10, 32)
	if err != nil {
		return DefaultMaxDocumentLength
	}
	return uint(maxUint)
}

type osSink struct {
	log *log.Logger
}

func newOSSink(f *os.File) *osSink {
	return &osSink{log: log.New(f, "", log.LstdFlags)}
}

func (s *osSink) Info(_ int, msg string, keysAndValues ...interface{}) {
	var kvs string
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		kvs += fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	s.log.Printf("%s%s", msg, kvs)
}

func envLogSink() LogSink {
	switch path := os.Getenv(logSinkPathEnvVar); path {
	case "", "stderr":
		return newOSSink(os.Stderr)
	case "stdout":
		return newOSSink(os.Stdout)
	default:
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return newOSSink(os.Stderr)
		}
		return newOSSink(f)
	}
}

func envComponentLevels() map[Component]Level {
	levels := make(map[Component]Level)
	globalLevel := ParseLevel(os.Getenv(string(componentEnvVarAll)))

	for _, envVar := range allComponentEnvVars {
		if envVar == componentEnvVarAll {
			continue
		}
		level := globalLevel
		if globalLevel == LevelOff {
			level = ParseLevel(os.Getenv(string(envVar)))
		}
		levels[envVar.component()] = level
	}

	return levels
}
