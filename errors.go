package simctl

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCommand       = errors.New("invalid command")
	ErrUnknownCommand       = errors.New("unknown command")
	ErrHandlerAlreadyExists = errors.New("handler already exists")
	ErrHandlerNotFound      = errors.New("handler not found")

	ErrTransportNotConnected = errors.New("transport not connected")
	ErrSessionClosed         = errors.New("session closed")
	ErrSessionBroken         = errors.New("session broken by an earlier failure")

	ErrEmptyMessage    = errors.New("empty message")
	ErrMissingSentinel = errors.New("missing sentinel frame")
	ErrFrameTooShort   = errors.New("frame too short for tag")
	ErrFrameTooLarge   = errors.New("frame exceeds size limit")
	ErrTooManyFrames   = errors.New("message exceeds frame limit")
	ErrInvalidTag      = errors.New("invalid tag")
)

// ConnectionError reports that the simulator could not be reached while a
// session was being established.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError reports a send or receive failure on an established
// session. The session is unusable afterwards.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a reply that could not be split into data frames
// followed by a sentinel.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }
