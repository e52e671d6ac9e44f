package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("escrow: contract not found")
	ErrStateConflict = errors.New("escrow: illegal state transition")
	ErrAlreadyLocked = errors.New("escrow: funds already locked")
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
)

// StateError names the operation, the contract's actual status and the
// status the operation required.
type StateError struct {
	ContractID string
	Op         string
	Current    Status
	Expected   Status
	Reason     string
}

func (e *StateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("Cannot %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("Cannot %s: contract status is %s, expected %s", e.Op, e.Current, e.Expected)
}

func (e *StateError) Is(target error) bool { return target == ErrStateConflict }

// AlreadyLockedError is returned when a contract already exists for the bid.
type AlreadyLockedError struct {
	BidID string
}

func (e *AlreadyLockedError) Error() string {
	return "Funds already locked for bid: " + e.BidID
}

func (e *AlreadyLockedError) Is(target error) bool {
	return target == ErrAlreadyLocked || target == ErrStateConflict
}
