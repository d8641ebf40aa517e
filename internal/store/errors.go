package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCounterOffline    = errors.New("counter offline")
	ErrCounterBusy       = errors.New("counter busy")
	ErrNoActiveTicket    = errors.New("no active ticket")
	ErrDuplicateTicket   = errors.New("duplicate ticket")
	ErrInconsistentState = errors.New("inconsistent dispatch state")

	ErrTicketNotFound       = fmt.Errorf("ticket %w", ErrNotFound)
	ErrCounterNotFound      = fmt.Errorf("counter %w", ErrNotFound)
	ErrServiceGroupNotFound = fmt.Errorf("service group %w", ErrNotFound)
)
