// Package reason carries machine-readable failure codes across package
// boundaries so dashboards and the ops API can act on them without parsing text.
package reason

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	PoolExhausted         Code = "pool_exhausted"
	InvalidTransition     Code = "invalid_transition"
	StatusChanged         Code = "status_changed"
	ClientOrderIDConflict Code = "client_order_id_conflict"
	InvalidOrder          Code = "invalid_order"
	UnknownOrderType      Code = "unknown_order_type"
	OrderNotFound         Code = "order_not_found"
	RunNotFound           Code = "run_not_found"
	LeaseNotFound         Code = "lease_not_found"
	LockBusy              Code = "lock_busy"
	SnapshotStale         Code = "snapshot_stale"
	SnapshotTagless       Code = "snapshot_tagless"
	SnapshotEmpty         Code = "snapshot_empty"
	StaleOrDead           Code = "stale_or_dead"
	AutoRecoveryExhausted Code = "auto_recovery_exhausted"
	CommandExpired        Code = "command_expired"
	CommandInvalid        Code = "command_invalid"
	ExcludedSymbol        Code = "excluded_symbol"
)

var (
	ErrPoolExhausted         = &Error{Code: PoolExhausted}
	ErrInvalidTransition     = &Error{Code: InvalidTransition}
	ErrStatusChanged         = &Error{Code: StatusChanged}
	ErrClientOrderIDConflict = &Error{Code: ClientOrderIDConflict}
	ErrInvalidOrder          = &Error{Code: InvalidOrder}
	ErrUnknownOrderType      = &Error{Code: UnknownOrderType}
	ErrOrderNotFound         = &Error{Code: OrderNotFound}
	ErrRunNotFound           = &Error{Code: RunNotFound}
	ErrLeaseNotFound         = &Error{Code: LeaseNotFound}
	ErrLockBusy              = &Error{Code: LockBusy}
	ErrExcludedSymbol        = &Error{Code: ExcludedSymbol}
	ErrCommandInvalid        = &Error{Code: CommandInvalid}
)

// Error is a coded failure. Two Errors match under errors.Is when their codes
// are equal, so the package-level sentinels work as targets.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

// CodeOf returns the first reason code found in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}
