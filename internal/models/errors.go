package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownAccount = errors.New("account not found")
	ErrAccountExists  = errors.New("account already exists")
	ErrUnknownGroup   = errors.New("group not found")
	ErrGroupExists    = errors.New("group already exists")
	ErrTargetIsSource = errors.New("target account equals source account")
	ErrUnknownSymbol  = errors.New("symbol not found")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrDuplicate      = errors.New("order already replicated")
	ErrDisconnected   = errors.New("gateway disconnected")
	ErrTimeout        = errors.New("gateway timeout")
)

// TransientError marks a gateway failure worth retrying.
type TransientError struct {
	Op      string
	Account string
	Err     error
}

func (e *TransientError) Error() string {
	if e.Account != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Account, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func NewTransientError(op, account string, err error) error {
	return &TransientError{Op: op, Account: account, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrDisconnected) || errors.Is(err, ErrTimeout)
}

// ConfigError is rejected immediately and never retried.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := e.Reason
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid configuration %s: %s", e.Field, msg)
	}
	return "invalid configuration: " + msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

func ConfigErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
