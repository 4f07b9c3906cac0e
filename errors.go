// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import (
	"bytes"
	"fmt"

	baseerrors "github.com/grailbio/base/errors"
)

// A Kind classifies an error returned by this package. Unlike
// github.com/grailbio/base/errors.Kind, which classifies generic
// system/transport failures, a Kind here names one of the specific failure
// modes documented in the deployment coordinator, channel, and RPC control
// plane contracts.
type Kind int

const (
	// Other is the zero Kind, used for errors that don't fit one of the
	// named kinds below.
	Other Kind = iota
	// DuplicateName indicates that an RPC target or user function name was
	// already registered.
	DuplicateName
	// UnknownFunction indicates that dispatch named a function not present
	// in the function table.
	UnknownFunction
	// DuplicateRunnerID indicates that two runners in a deployment share an
	// id.
	DuplicateRunnerID
	// DuplicateInstanceID indicates that two runners in a deployment were
	// assigned the same instance id.
	DuplicateInstanceID
	// Unmatchable indicates that the matcher could not find an assignment
	// covering every required topology.
	Unmatchable
	// InvalidDescription indicates a malformed deployment description.
	InvalidDescription
	// InvalidFormat indicates a malformed topology serialization.
	InvalidFormat
	// WrongRole indicates that a channel operation was attempted by an
	// instance that does not hold the role (producer/consumer) it requires.
	WrongRole
	// WouldBlock indicates a channel push that cannot proceed without
	// blocking; channels never block, so this is returned instead.
	WouldBlock
	// Empty indicates a channel pop or peek with nothing pending.
	Empty
	// ReturnAlreadySubmitted indicates a second SubmitReturnValue call
	// within one RPC target invocation.
	ReturnAlreadySubmitted
	// TransportFailure wraps any failure reported by the Transport
	// collaborator.
	TransportFailure
)

var kindStrings = map[Kind]string{
	Other:                  "other",
	DuplicateName:          "duplicate name",
	UnknownFunction:        "unknown function",
	DuplicateRunnerID:      "duplicate runner id",
	DuplicateInstanceID:    "duplicate instance id",
	Unmatchable:            "unmatchable",
	InvalidDescription:     "invalid description",
	InvalidFormat:          "invalid format",
	WrongRole:              "wrong role",
	WouldBlock:             "would block",
	Empty:                  "empty",
	ReturnAlreadySubmitted: "return already submitted",
	TransportFailure:       "transport failure",
}

// String returns the Kind's name.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type returned by this package. It pairs one of the
// Kinds above with an optional message and an optional wrapped cause,
// mirroring the (Kind, message, cause) shape of
// github.com/grailbio/base/errors.Error, which the Transport and rpc layers
// use for the generic system-level classification (Net, Temporary, Fatal,
// Invalid) that this package's Kind does not attempt to express.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// E constructs an *Error from a Kind, an optional message, and an optional
// wrapped error, in any order, in the same free-form style as
// github.com/grailbio/base/errors.E.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case string:
			e.Message = arg
		case error:
			e.Err = arg
		default:
			panic(fmt.Sprintf("deployr.E: bad argument %T: %v", arg, arg))
		}
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b bytes.Buffer
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap allows errors.Is/errors.As from the standard library to traverse
// into the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is a *Error (or wraps one) of the given Kind.
func Is(kind Kind, err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// wrapTransportErr classifies an error surfaced by a Transport
// implementation as a TransportFailure, preserving the underlying
// github.com/grailbio/base/errors classification (Net, Temporary, Fatal,
// etc.) that the Transport and rpc layers attach to it. Errors that are
// already *Error values pass through unchanged: these are application-level
// replies (e.g. UnknownFunction from a remote dispatch) relayed by the
// transport, not transport failures.
func wrapTransportErr(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return E(TransportFailure, err)
}

// isTemporaryTransportErr reports whether the wrapped transport error is
// temporary, per github.com/grailbio/base/errors.IsTemporary.
func isTemporaryTransportErr(err error) bool {
	e, ok := err.(*Error)
	if !ok || e.Kind != TransportFailure {
		return false
	}
	return baseerrors.IsTemporary(e.Err)
}
