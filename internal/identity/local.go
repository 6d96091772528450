package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/campus-scheduler/internal/application"
	"github.com/example/campus-scheduler/internal/persistence"
)

// Substrate keys owned by Local. They never collide with session mirror or
// collection keys.
const (
	CredentialsKey      = "identity:credentials"
	CurrentPrincipalKey = "identity:current"
)

const notifyBuffer = 16

type credential struct {
	UID          string `json:"uid"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName,omitempty"`
	PasswordHash string `json:"passwordHash"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

type currentPrincipal struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// LocalOption configures a Local provider.
type LocalOption func(*Local)

// WithIDGenerator replaces uuid.NewString as the principal id source.
func WithIDGenerator(next func() string) LocalOption {
	return func(l *Local) {
		if next != nil {
			l.idGenerator = next
		}
	}
}

// WithClock sets the time source for credential timestamps.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) {
		if now != nil {
			l.now = now
		}
	}
}

// WithHashParams overrides DefaultHashParams.
func WithHashParams(params HashParams) LocalOption {
	return func(l *Local) {
		l.params = params
	}
}

// WithLogger sets the logger used for provider diagnostics.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Local is an identity provider backed by the persistence substrate.
// Credentials are argon2id hashes keyed by lower-cased email; the signed-in
// principal survives restarts. State changes are delivered to the subscriber
// in order on a dedicated goroutine, starting with the current principal.
type Local struct {
	substrate   persistence.KeyValueStore
	idGenerator func() string
	now         func() time.Time
	params      HashParams
	logger      *slog.Logger

	mu sync.Mutex

	subMu  sync.Mutex
	events chan *application.Principal
	done   chan struct{}
}

// NewLocal constructs a Local provider over substrate.
func NewLocal(substrate persistence.KeyValueStore, opts ...LocalOption) *Local {
	l := &Local{
		substrate:   substrate,
		idGenerator: uuid.NewString,
		now:         time.Now,
		params:      DefaultHashParams,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) loggerWith(operation string, attrs ...any) *slog.Logger {
	return l.logger.With(append([]any{"provider", "local", "operation", operation}, attrs...)...)
}

// SubscribeStateChanges starts delivering state changes to callback. The
// current principal, or nil, is delivered first.
func (l *Local) SubscribeStateChanges(callback func(*application.Principal)) (func(), error) {
	l.subMu.Lock()
	if l.events != nil {
		l.subMu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	events := make(chan *application.Principal, notifyBuffer)
	done := make(chan struct{})
	l.events = events
	l.done = done
	l.subMu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case principal := <-events:
				select {
				case <-done:
					return
				default:
				}
				callback(principal)
			}
		}
	}()

	current, err := l.loadCurrent(context.Background())
	if err != nil {
		l.loggerWith("SubscribeStateChanges").Warn("current principal unreadable, reporting signed out", "error", err)
		current = nil
	}
	l.notify(current)

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}, nil
}

func (l *Local) notify(principal *application.Principal) {
	l.subMu.Lock()
	events, done := l.events, l.done
	l.subMu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- principal:
	case <-done:
	}
}

// RegisterPrincipal stores a credential for email and signs the new principal in.
func (l *Local) RegisterPrincipal(ctx context.Context, email, password string) (application.Principal, error) {
	key := normalizeEmail(email)
	if key == "" || password == "" {
		return application.Principal{}, fmt.Errorf("identity: email and password are required")
	}

	hash, err := HashPassword(password, l.params)
	if err != nil {
		return application.Principal{}, fmt.Errorf("hash password: %w", err)
	}

	l.mu.Lock()
	creds, err := l.loadCredentials(ctx)
	if err != nil {
		l.mu.Unlock()
		return application.Principal{}, err
	}
	if _, exists := creds[key]; exists {
		l.mu.Unlock()
		return application.Principal{}, fmt.Errorf("%w: %s", application.ErrAlreadyExists, key)
	}

	timestamp := application.FormatTimestamp(l.now())
	cred := credential{
		UID:          l.idGenerator(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    timestamp,
		UpdatedAt:    timestamp,
	}
	creds[key] = cred
	if err := l.saveCredentials(ctx, creds); err != nil {
		l.mu.Unlock()
		return application.Principal{}, err
	}
	principal := cred.principal()
	err = l.saveCurrent(ctx, &principal)
	l.mu.Unlock()
	if err != nil {
		return application.Principal{}, err
	}

	l.loggerWith("RegisterPrincipal", "uid", principal.UID).InfoContext(ctx, "principal registered")
	l.notify(&principal)
	return principal, nil
}

// SignInPrincipal verifies the password for email and marks it signed in.
// Unknown emails and wrong passwords both yield ErrInvalidCredentials.
func (l *Local) SignInPrincipal(ctx context.Context, email, password string) (application.Principal, error) {
	key := normalizeEmail(email)

	l.mu.Lock()
	creds, err := l.loadCredentials(ctx)
	if err != nil {
		l.mu.Unlock()
		return application.Principal{}, err
	}
	cred, ok := creds[key]
	if !ok {
		l.mu.Unlock()
		return application.Principal{}, fmt.Errorf("%w: unknown principal", application.ErrInvalidCredentials)
	}
	if err := VerifyPassword(cred.PasswordHash, password); err != nil {
		l.mu.Unlock()
		return application.Principal{}, err
	}
	principal := cred.principal()
	err = l.saveCurrent(ctx, &principal)
	l.mu.Unlock()
	if err != nil {
		return application.Principal{}, err
	}

	l.notify(&principal)
	return principal, nil
}

// SignOutPrincipal forgets the signed-in principal.
func (l *Local) SignOutPrincipal(ctx context.Context) error {
	l.mu.Lock()
	err := l.saveCurrent(ctx, nil)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.notify(nil)
	return nil
}

// UpdatePrincipalProfile sets the display name of the principal with uid.
func (l *Local) UpdatePrincipalProfile(ctx context.Context, uid, displayName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	creds, err := l.loadCredentials(ctx)
	if err != nil {
		return err
	}
	for key, cred := range creds {
		if cred.UID != uid {
			continue
		}
		cred.DisplayName = displayName
		cred.UpdatedAt = application.FormatTimestamp(l.now())
		creds[key] = cred
		if err := l.saveCredentials(ctx, creds); err != nil {
			return err
		}

		current, err := l.loadCurrent(ctx)
		if err == nil && current != nil && current.UID == uid {
			principal := cred.principal()
			return l.saveCurrent(ctx, &principal)
		}
		return nil
	}
	return fmt.Errorf("%w: uid %s", application.ErrUserNotFound, uid)
}

// Principals returns the registered principals ordered by email.
func (l *Local) Principals(ctx context.Context) ([]application.Principal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	creds, err := l.loadCredentials(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(creds))
	for key := range creds {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]application.Principal, 0, len(keys))
	for _, key := range keys {
		out = append(out, creds[key].principal())
	}
	return out, nil
}

func (l *Local) loadCredentials(ctx context.Context) (map[string]credential, error) {
	raw, ok, err := l.substrate.Get(ctx, CredentialsKey)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	creds := make(map[string]credential)
	if !ok {
		return creds, nil
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

func (l *Local) saveCredentials(ctx context.Context, creds map[string]credential) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := l.substrate.Set(ctx, CredentialsKey, string(raw)); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

func (l *Local) loadCurrent(ctx context.Context) (*application.Principal, error) {
	raw, ok, err := l.substrate.Get(ctx, CurrentPrincipalKey)
	if err != nil {
		return nil, fmt.Errorf("load current principal: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var current currentPrincipal
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return nil, fmt.Errorf("decode current principal: %w", err)
	}
	return &application.Principal{UID: current.UID, Email: current.Email, DisplayName: current.DisplayName}, nil
}

func (l *Local) saveCurrent(ctx context.Context, principal *application.Principal) error {
	if principal == nil {
		if err := l.substrate.Remove(ctx, CurrentPrincipalKey); err != nil {
			return fmt.Errorf("clear current principal: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(currentPrincipal{UID: principal.UID, Email: principal.Email, DisplayName: principal.DisplayName})
	if err != nil {
		return fmt.Errorf("encode current principal: %w", err)
	}
	if err := l.substrate.Set(ctx, CurrentPrincipalKey, string(raw)); err != nil {
		return fmt.Errorf("save current principal: %w", err)
	}
	return nil
}

func (c credential) principal() application.Principal {
	return application.Principal{UID: c.UID, Email: c.Email, DisplayName: c.DisplayName}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
