// Package identity provides identity providers for the session manager: a
// null-effect Stub and a Local provider that keeps credentials on the
// persistence substrate.
package identity

import (
	"errors"

	"github.com/example/campus-scheduler/internal/application"
)

// ErrAlreadySubscribed is returned when a provider is subscribed twice.
var ErrAlreadySubscribed = errors.New("identity: state changes already subscribed")

var (
	_ application.IdentityProvider = (*Stub)(nil)
	_ application.IdentityProvider = (*Local)(nil)
)
