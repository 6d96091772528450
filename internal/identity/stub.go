package identity

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/example/campus-scheduler/internal/application"
)

// DefaultStubDelay is how long the Stub waits before reporting signed-out.
const DefaultStubDelay = 100 * time.Millisecond

// Stub stands in for a remote identity service. It reports that no principal
// is signed in shortly after subscription, echoes a synthesised principal id
// from register and sign-in, and ignores sign-out and profile updates.
type Stub struct {
	delay time.Duration
	now   func() time.Time

	mu         sync.Mutex
	subscribed bool
}

// NewStub constructs a Stub. A non-positive delay selects DefaultStubDelay.
func NewStub(delay time.Duration, now func() time.Time) *Stub {
	if delay <= 0 {
		delay = DefaultStubDelay
	}
	if now == nil {
		now = time.Now
	}
	return &Stub{delay: delay, now: now}
}

// SubscribeStateChanges schedules a single signed-out callback.
func (s *Stub) SubscribeStateChanges(callback func(*application.Principal)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return nil, ErrAlreadySubscribed
	}
	s.subscribed = true

	timer := time.AfterFunc(s.delay, func() {
		callback(nil)
	})
	return func() { timer.Stop() }, nil
}

// RegisterPrincipal echoes a principal with a user_{millis} id.
func (s *Stub) RegisterPrincipal(ctx context.Context, email, password string) (application.Principal, error) {
	return s.principal(email), nil
}

// SignInPrincipal echoes a principal with a user_{millis} id.
func (s *Stub) SignInPrincipal(ctx context.Context, email, password string) (application.Principal, error) {
	return s.principal(email), nil
}

// SignOutPrincipal does nothing.
func (s *Stub) SignOutPrincipal(ctx context.Context) error {
	return nil
}

// UpdatePrincipalProfile does nothing.
func (s *Stub) UpdatePrincipalProfile(ctx context.Context, uid, displayName string) error {
	return nil
}

func (s *Stub) principal(email string) application.Principal {
	return application.Principal{
		UID:   "user_" + strconv.FormatInt(s.now().UnixMilli(), 10),
		Email: email,
	}
}
