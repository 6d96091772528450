package testfixtures

import (
	"log/slog"
	"time"

	"github.com/example/campus-scheduler/internal/application"
	"github.com/example/campus-scheduler/internal/persistence"
)

// ServiceFactory assists tests with constructing application services using
// deterministic clocks.
type ServiceFactory struct {
	Clock *Clock
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with defaults.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{Clock: NewClock(time.Time{})}
	for _, opt := range opts {
		opt(factory)
	}
	if factory.Clock == nil {
		factory.Clock = NewClock(time.Time{})
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// CollectionStoreDeps captures dependencies for constructing a collection store.
type CollectionStoreDeps struct {
	Substrate persistence.KeyValueStore
	Now       func() time.Time
	Logger    *slog.Logger
}

// NewCollectionStore builds a collection store using the supplied dependencies
// combined with the factory defaults.
func (f *ServiceFactory) NewCollectionStore(deps CollectionStoreDeps) *application.CollectionStore {
	now := deps.Now
	if now == nil {
		now = f.Clock.NowFunc()
	}
	substrate := deps.Substrate
	if substrate == nil {
		substrate = NewMemorySubstrate()
	}
	return application.NewCollectionStoreWithLogger(substrate, now, deps.Logger)
}

// SessionManagerDeps captures dependencies for constructing a session manager.
type SessionManagerDeps struct {
	Substrate persistence.KeyValueStore
	Provider  application.IdentityProvider
	Now       func() time.Time
	Logger    *slog.Logger
	Options   []application.SessionOption
}

// NewSessionManager builds a session manager that acknowledges password
// resets without waiting.
func (f *ServiceFactory) NewSessionManager(deps SessionManagerDeps) *application.SessionManager {
	now := deps.Now
	if now == nil {
		now = f.Clock.NowFunc()
	}
	substrate := deps.Substrate
	if substrate == nil {
		substrate = NewMemorySubstrate()
	}
	opts := []application.SessionOption{application.WithResetDelay(0)}
	if deps.Logger != nil {
		opts = append(opts, application.WithSessionLogger(deps.Logger))
	}
	opts = append(opts, deps.Options...)
	return application.NewSessionManager(substrate, deps.Provider, now, opts...)
}
