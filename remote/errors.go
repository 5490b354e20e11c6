// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"errors"
	"fmt"
)

// Error codes carried in protocol error descriptors. They follow the
// errno-style naming the wire format inherited from its first
// implementation, so peers running older engines interoperate.
const (
	// CodeInvalid marks a request the receiver understood but
	// rejected: a program that failed validation, or a malformed
	// schema reply.
	CodeInvalid = "EINVAL"

	// CodeNotFound marks a reference to something the receiver does
	// not have, such as a schema request for an unknown table. It is
	// a negative answer, not a failure.
	CodeNotFound = "ENOENT"
)

// RemoteError is an error reported by a remote participant through a
// protocol error descriptor, or produced locally when validating a
// peer's reply. Code is one of the protocol error codes, or empty
// when the peer did not supply one.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote: %s", e.Message)
	}
	return fmt.Sprintf("remote: %s (%s)", e.Message, e.Code)
}

// IsRemoteError reports whether err is a RemoteError carrying the
// given code.
func IsRemoteError(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

// errorCode extracts a protocol error code from err: a RemoteError's
// code, or the code of any error that reports one. Returns empty when
// err carries no code.
func errorCode(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// ErrVersionMismatch is returned by Decode for an envelope whose
// protocol version differs from ProtocolVersion. Such envelopes are
// dropped; there is no version negotiation.
var ErrVersionMismatch = errors.New("remote: protocol version mismatch")
