package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthenticated is returned while no credential is held.
	ErrUnauthenticated = errors.New("session not authenticated")
	// ErrLoginFailed matches every *LoginError.
	ErrLoginFailed = errors.New("login failed")
)

// LoginError describes a rejected or failed login exchange.
type LoginError struct {
	Reason  string
	Status  int
	Payload string
	Err     error
}

func (e *LoginError) Error() string {
	var b strings.Builder
	b.WriteString("login failed: ")
	b.WriteString(e.Reason)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Payload != "" {
		b.WriteString(": ")
		b.WriteString(e.Payload)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *LoginError) Unwrap() error { return e.Err }

func (e *LoginError) Is(target error) bool { return target == ErrLoginFailed }
