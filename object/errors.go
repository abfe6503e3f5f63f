package object

import (
	"errors"
	"fmt"

	"github.com/drpcorg/verso/oid"
)

// Protocol invariant violations. They reach callers wrapped in a
// *ProtocolError; match them with errors.Is.
var (
	ErrNotMaster       = errors.New("verso: operation needs the master instance")
	ErrNotSlave        = errors.New("verso: operation needs a slave instance")
	ErrNotAttached     = errors.New("verso: object is not attached")
	ErrAttached        = errors.New("verso: object is already attached")
	ErrVersionBackward = errors.New("verso: version moves backward")
	ErrStaleUserData   = errors.New("verso: user data version did not advance")
	ErrRemovedOnMaster = errors.New("verso: removed children arrived at a master")
	ErrBadMask         = errors.New("verso: dirty mask has unknown bits")
)

// ErrVersionPending means the requested version has not been received yet.
var ErrVersionPending = errors.New("verso: version not received yet")

type ProtocolError struct {
	Op  string
	ID  oid.ID
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID.Short(), e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protoErr(op string, id oid.ID, err error) error {
	return &ProtocolError{Op: op, ID: id, Err: err}
}

// IsProtocolError tells invariant violations from soft failures.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
