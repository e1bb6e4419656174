// Package auth checks the shared token a link attaches to each frame.
//
// It makes no policy decisions and keeps no state.
package auth

import (
	"crypto/subtle"
	"errors"

	"github.com/danmuck/mailslot/internal/protocol/frame"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// CheckFrame validates the auth section of f. A nil validator admits every
// frame.
func CheckFrame(v Validator, f frame.Frame) error {
	if v == nil {
		return nil
	}
	if f.Header.Flags&frame.FlagHasAuth == 0 || len(f.Auth) == 0 {
		return ErrUnauthorized
	}
	return v.Validate(string(f.Auth))
}

// Sign attaches token to f. An empty token leaves f unauthenticated.
func Sign(f frame.Frame, token string) frame.Frame {
	if token == "" {
		return f
	}
	f.Auth = []byte(token)
	f.Header.Flags |= frame.FlagHasAuth
	return f
}
