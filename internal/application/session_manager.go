package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/campus-scheduler/internal/persistence"
)

// DefaultResetDelay is how long ResetPassword waits before acknowledging.
const DefaultResetDelay = time.Second

const (
	minPasswordLength = 6
	defaultDepartment = "Computer Science & Engineering"
)

type demoPrincipal struct {
	password string
	role     Role
}

var demoPrincipals = map[string]demoPrincipal{
	"student@demo.com": {password: "student123", role: RoleStudent},
	"faculty@demo.com": {password: "faculty123", role: RoleFaculty},
	"admin@demo.com":   {password: "admin123", role: RoleAdmin},
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidateEmail reports whether email looks like local@domain.tld.
func ValidateEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// RoleFromEmail infers a role from substrings of email, defaulting to student.
func RoleFromEmail(email string) Role {
	switch {
	case strings.Contains(email, "student"):
		return RoleStudent
	case strings.Contains(email, "faculty"):
		return RoleFaculty
	case strings.Contains(email, "admin"):
		return RoleAdmin
	}
	return RoleStudent
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionLogger sets the logger used for session diagnostics.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(m *SessionManager) {
		m.logger = defaultLogger(logger)
	}
}

// WithResetDelay overrides DefaultResetDelay.
func WithResetDelay(delay time.Duration) SessionOption {
	return func(m *SessionManager) {
		m.resetDelay = delay
	}
}

// WithSleep replaces the function ResetPassword waits with.
func WithSleep(sleep func(time.Duration)) SessionOption {
	return func(m *SessionManager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithPasswordVerification makes a non-demo login fail when the identity
// provider rejects the credentials. When disabled, the rejection is logged and
// the login proceeds without verification.
func WithPasswordVerification(enabled bool) SessionOption {
	return func(m *SessionManager) {
		m.verifyPasswords = enabled
	}
}

// SessionManager owns the current session. It restores the session from the
// substrate mirror keys, reconciles it with identity provider callbacks and
// implements registration, login, logout and access checks. Every session
// write goes through persistThenHoldLocked so the mirror and memory agree.
type SessionManager struct {
	substrate       persistence.KeyValueStore
	provider        IdentityProvider
	now             func() time.Time
	logger          *slog.Logger
	resetDelay      time.Duration
	sleep           func(time.Duration)
	verifyPasswords bool

	mu          sync.Mutex
	state       SessionState
	session     *Session
	started     bool
	awaiting    bool
	superseded  bool
	unsubscribe func()
	// signOutEcho is set while the signed-out callback of a demo login's
	// provider sign-out has not arrived.
	signOutEcho bool

	reconciled     chan struct{}
	reconciledOnce sync.Once
}

// NewSessionManager constructs a SessionManager. provider may be nil, in which
// case no identity callbacks are received and provider operations are skipped.
func NewSessionManager(substrate persistence.KeyValueStore, provider IdentityProvider, now func() time.Time, opts ...SessionOption) *SessionManager {
	if now == nil {
		now = time.Now
	}
	m := &SessionManager{
		substrate:  substrate,
		provider:   provider,
		now:        now,
		logger:     slog.Default(),
		resetDelay: DefaultResetDelay,
		sleep:      time.Sleep,
		state:      StateUnstarted,
		reconciled: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *SessionManager) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, m.logger, "SessionManager", operation, attrs...)
}

// Start restores any cached session as provisional state and subscribes to
// the identity provider. The first provider callback confirms or replaces the
// provisional state unless an explicit login, registration or logout happened
// first.
func (m *SessionManager) Start(ctx context.Context) (err error) {
	if m == nil {
		return fmt.Errorf("SessionManager is nil")
	}
	if m.substrate == nil {
		return fmt.Errorf("persistence substrate not configured")
	}

	logger := m.loggerWith(ctx, "Start")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "session start failed", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		err = ErrAlreadyStarted
		return
	}
	m.started = true
	m.restoreLocked(ctx, logger)
	if m.provider == nil {
		m.confirmLocked()
		m.markReconciled()
		m.mu.Unlock()
		return
	}
	m.awaiting = true
	m.mu.Unlock()

	unsubscribe, subErr := m.provider.SubscribeStateChanges(m.handleStateChange)

	m.mu.Lock()
	defer m.mu.Unlock()
	if subErr != nil {
		logger.WarnContext(ctx, "identity subscription failed, keeping cached session",
			"error", subErr, "error_kind", ErrorKind(subErr))
		m.awaiting = false
		m.confirmLocked()
		m.markReconciled()
		return
	}
	m.unsubscribe = unsubscribe
	return
}

// restoreLocked loads the session from the mirror keys when all three are
// present.
func (m *SessionManager) restoreLocked(ctx context.Context, logger *slog.Logger) {
	m.state = StateAnonymous
	m.session = nil

	values := make(map[string]string, 3)
	for _, key := range []string{persistence.KeyUserData, persistence.KeyUserRole, persistence.KeyUserEmail} {
		value, ok, err := m.substrate.Get(ctx, key)
		if err != nil {
			logger.WarnContext(ctx, "session mirror unreadable", "key", key, "error", err, "error_kind", ErrorKind(err))
			return
		}
		if !ok || value == "" {
			return
		}
		values[key] = value
	}

	var profile Profile
	if err := json.Unmarshal([]byte(values[persistence.KeyUserData]), &profile); err != nil {
		logger.WarnContext(ctx, "cached user data corrupt, not restoring", "error", err)
		return
	}

	m.session = &Session{
		Email:       values[persistence.KeyUserEmail],
		Profile:     profile,
		Provisional: true,
	}
	m.state = StateActive
	logger.InfoContext(ctx, "session restored", "email", m.session.Email, "role", profile.Role)
}

// Reconciled is closed once the first identity provider callback has been
// handled, or immediately after Start when there is no subscription.
func (m *SessionManager) Reconciled() <-chan struct{} {
	return m.reconciled
}

func (m *SessionManager) markReconciled() {
	m.reconciledOnce.Do(func() { close(m.reconciled) })
}

func (m *SessionManager) confirmLocked() {
	if m.session != nil {
		m.session.Provisional = false
	}
}

// supersedeLocked records an explicit transition made while the first
// provider callback is still pending.
func (m *SessionManager) supersedeLocked() {
	if m.awaiting {
		m.superseded = true
	}
}

func (m *SessionManager) handleStateChange(principal *Principal) {
	ctx := context.Background()
	logger := m.loggerWith(ctx, "IdentityCallback", "signed_in", principal != nil)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.awaiting {
		m.awaiting = false
		defer m.markReconciled()
		if m.superseded {
			logger.InfoContext(ctx, "identity callback superseded by explicit session change")
			return
		}
	}

	if principal == nil {
		echo := m.signOutEcho
		m.signOutEcho = false
		if echo && m.session != nil && m.session.Profile.IsDemo {
			logger.DebugContext(ctx, "ignoring provider sign-out issued by demo login")
			return
		}
		m.session = nil
		m.state = StateAnonymous
		if err := m.clearMirror(ctx); err != nil {
			logger.WarnContext(ctx, "session mirror clear incomplete", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "no principal signed in, session cleared")
		return
	}

	m.signOutEcho = false
	profile := m.principalProfile(ctx, logger, principal)

	session := Session{Email: principal.Email, Profile: profile}
	if err := m.persistThenHoldLocked(ctx, session); err != nil {
		logger.ErrorContext(ctx, "identity callback could not persist session, keeping last known session",
			"error", err, "error_kind", ErrorKind(err))
		m.confirmLocked()
		return
	}
	logger.InfoContext(ctx, "principal signed in", "email", session.Email, "role", profile.Role)
}

// principalProfile builds the session profile of a signed-in principal. Cached
// user data is overlaid only when it belongs to the same email.
func (m *SessionManager) principalProfile(ctx context.Context, logger *slog.Logger, principal *Principal) Profile {
	profile := Profile{UID: principal.UID, Email: principal.Email, DisplayName: principal.DisplayName, IsActive: true}
	if raw, ok, err := m.substrate.Get(ctx, persistence.KeyUserData); err == nil && ok {
		cached := profile
		switch err := json.Unmarshal([]byte(raw), &cached); {
		case err != nil:
			logger.WarnContext(ctx, "cached user data corrupt, using provider profile", "error", err)
		case !strings.EqualFold(cached.Email, principal.Email):
			logger.InfoContext(ctx, "cached user data belongs to another user, using provider profile",
				"cached_email", cached.Email)
		default:
			profile = cached
		}
	}
	profile.Email = principal.Email
	if !profile.Role.Valid() {
		profile.Role = RoleFromEmail(profile.Email)
	}
	return profile
}

// persistThenHoldLocked writes the session mirror and, only when every write
// succeeded, replaces the in-memory session. A failed write restores the
// previous mirror on a best-effort basis.
func (m *SessionManager) persistThenHoldLocked(ctx context.Context, session Session) error {
	if err := m.writeMirror(ctx, session.Profile); err != nil {
		var rollbackErr error
		if m.session != nil {
			rollbackErr = m.writeMirror(ctx, m.session.Profile)
		} else {
			rollbackErr = m.clearMirror(ctx)
		}
		if rollbackErr != nil {
			m.loggerWith(ctx, "persistSession").WarnContext(ctx, "session mirror rollback incomplete",
				"error", rollbackErr, "error_kind", ErrorKind(rollbackErr))
		}
		return fmt.Errorf("%w: session mirror: %w", ErrPersistence, err)
	}

	held := session
	held.Provisional = false
	m.session = &held
	m.state = StateActive
	return nil
}

func (m *SessionManager) writeMirror(ctx context.Context, profile Profile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	writes := []struct{ key, value string }{
		{persistence.KeyUserData, string(raw)},
		{persistence.KeyUserRole, string(profile.Role)},
		{persistence.KeyUserEmail, profile.Email},
		{persistence.KeyLastLogin, FormatTimestamp(m.now())},
	}
	if profile.IsDemo {
		writes = append(writes, struct{ key, value string }{persistence.KeyIsDemoUser, "true"})
	}
	for _, w := range writes {
		if err := m.substrate.Set(ctx, w.key, w.value); err != nil {
			return fmt.Errorf("set %s: %w", w.key, err)
		}
	}
	if !profile.IsDemo {
		if err := m.substrate.Remove(ctx, persistence.KeyIsDemoUser); err != nil {
			return fmt.Errorf("remove %s: %w", persistence.KeyIsDemoUser, err)
		}
	}
	return nil
}

// clearMirror removes every mirror key, attempting all of them.
func (m *SessionManager) clearMirror(ctx context.Context) error {
	var errs []error
	for _, key := range persistence.SessionMirrorKeys {
		if err := m.substrate.Remove(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPersistence, errors.Join(errs...))
}

// Register validates params, registers the principal with the identity
// provider and establishes a session for the new profile.
func (m *SessionManager) Register(ctx context.Context, params RegisterParams) (session Session, err error) {
	if m == nil {
		err = fmt.Errorf("SessionManager is nil")
		return
	}

	email := strings.TrimSpace(params.Email)
	logger := m.loggerWith(ctx, "Register", "email", email, "role", params.Role)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "registration failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "registration succeeded", "uid", session.Profile.UID)
	}()

	if err = validateRegistration(params); err != nil {
		return
	}

	now := m.now()
	uid := "user_" + strconv.FormatInt(now.UnixMilli(), 10)
	if m.provider != nil {
		var principal Principal
		principal, err = m.provider.RegisterPrincipal(ctx, email, params.Password)
		if err != nil {
			err = fmt.Errorf("register principal: %w", err)
			return
		}
		if principal.UID != "" {
			uid = principal.UID
		}
		displayName := strings.TrimSpace(params.FirstName + " " + params.LastName)
		if updateErr := m.provider.UpdatePrincipalProfile(ctx, uid, displayName); updateErr != nil {
			logger.WarnContext(ctx, "principal profile update failed", "error", updateErr, "error_kind", ErrorKind(updateErr))
		}
	}

	timestamp := FormatTimestamp(now)
	profile := Profile{
		UID:        uid,
		Email:      email,
		FirstName:  params.FirstName,
		LastName:   params.LastName,
		Role:       params.Role,
		Department: params.Department,
		Semester:   params.Semester,
		Section:    params.Section,
		FacultyID:  params.FacultyID,
		IsActive:   true,
		CreatedAt:  timestamp,
		LastLogin:  timestamp,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.supersedeLocked()

	session = Session{Email: email, Profile: profile}
	if err = m.persistThenHoldLocked(ctx, session); err != nil {
		session = Session{}
	}
	return
}

func validateRegistration(params RegisterParams) error {
	vErr := &ValidationError{}
	required := map[string]string{
		"email":     params.Email,
		"password":  params.Password,
		"firstName": params.FirstName,
		"lastName":  params.LastName,
		"role":      string(params.Role),
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			vErr.add(field, "required")
		}
	}
	if params.Password != "" && len(params.Password) < minPasswordLength {
		vErr.add("password", fmt.Sprintf("must be at least %d characters long", minPasswordLength))
	}
	if params.Role != "" && !params.Role.Valid() {
		vErr.add("role", "must be student, faculty or admin")
	}

	switch params.Role {
	case RoleStudent:
		for field, value := range map[string]string{
			"department": params.Department,
			"semester":   params.Semester,
			"section":    params.Section,
		} {
			if strings.TrimSpace(value) == "" {
				vErr.add(field, "required for students")
			}
		}
	case RoleFaculty:
		for field, value := range map[string]string{
			"department": params.Department,
			"facultyId":  params.FacultyID,
		} {
			if strings.TrimSpace(value) == "" {
				vErr.add(field, "required for faculty")
			}
		}
	}
	return vErr.orNil()
}

// Login signs in a demo principal on an exact credential match. Any other
// credentials take the non-demo path, which synthesises a generic profile
// with a role inferred from the email. The non-demo path only verifies the
// password when WithPasswordVerification is enabled.
func (m *SessionManager) Login(ctx context.Context, email, password string) (result LoginResult, err error) {
	if m == nil {
		err = fmt.Errorf("SessionManager is nil")
		return
	}

	email = strings.TrimSpace(email)
	logger := m.loggerWith(ctx, "Login", "email", email)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "login failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "login succeeded", "role", result.Session.Profile.Role, "demo", result.IsDemo)
	}()

	vErr := &ValidationError{}
	if email == "" {
		vErr.add("email", "required")
	}
	if password == "" {
		vErr.add("password", "required")
	}
	if err = vErr.orNil(); err != nil {
		return
	}

	now := m.now()
	millis := strconv.FormatInt(now.UnixMilli(), 10)

	if demo, ok := demoPrincipals[email]; ok && demo.password == password {
		profile := Profile{
			UID:        "demo-" + millis,
			Email:      email,
			FirstName:  strings.ToUpper(string(demo.role[:1])) + string(demo.role[1:]),
			LastName:   "User",
			Role:       demo.role,
			Department: defaultDepartment,
			IsActive:   true,
			IsDemo:     true,
		}
		if demo.role == RoleStudent {
			profile.Semester = "5"
			profile.Section = "A"
		}
		if demo.role == RoleFaculty {
			profile.FacultyID = "FAC001"
		}

		m.signOutProviderForDemo(ctx, logger)

		m.mu.Lock()
		defer m.mu.Unlock()
		m.supersedeLocked()

		session := Session{Email: email, Profile: profile}
		if err = m.persistThenHoldLocked(ctx, session); err != nil {
			return
		}
		result = LoginResult{Session: session, IsDemo: true}
		return
	}

	uid := "user_" + millis
	if m.provider != nil {
		principal, signInErr := m.provider.SignInPrincipal(ctx, email, password)
		switch {
		case signInErr != nil && m.verifyPasswords:
			err = fmt.Errorf("%w: %v", ErrInvalidCredentials, signInErr)
			return
		case signInErr != nil:
			logger.WarnContext(ctx, "identity provider rejected sign-in, continuing without verification",
				"error", signInErr, "error_kind", ErrorKind(signInErr))
		case principal.UID != "":
			uid = principal.UID
		}
	}

	profile := Profile{
		UID:        uid,
		Email:      email,
		FirstName:  "User",
		LastName:   "Name",
		Role:       RoleFromEmail(email),
		Department: defaultDepartment,
		Semester:   "5",
		Section:    "A",
		FacultyID:  "FAC001",
		IsActive:   true,
		LastLogin:  FormatTimestamp(now),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.supersedeLocked()

	session := Session{Email: email, Profile: profile}
	if err = m.persistThenHoldLocked(ctx, session); err != nil {
		return
	}
	result = LoginResult{Session: session}
	return
}

// signOutProviderForDemo ends the provider sign-in behind a replaced
// non-demo session so its callbacks cannot resurface that user.
func (m *SessionManager) signOutProviderForDemo(ctx context.Context, logger *slog.Logger) {
	if m.provider == nil {
		return
	}
	m.mu.Lock()
	providerBacked := m.session != nil && !m.session.Profile.IsDemo
	m.signOutEcho = providerBacked
	m.mu.Unlock()
	if !providerBacked {
		return
	}

	if err := m.provider.SignOutPrincipal(ctx); err != nil {
		logger.WarnContext(ctx, "identity provider sign-out failed", "error", err, "error_kind", ErrorKind(err))
		m.mu.Lock()
		m.signOutEcho = false
		m.mu.Unlock()
	}
}

// Logout signs out of the identity provider, clears the mirror keys and drops
// the in-memory session. The transition to anonymous always happens; a
// returned error reports mirror keys that could not be removed.
func (m *SessionManager) Logout(ctx context.Context) (err error) {
	if m == nil {
		return fmt.Errorf("SessionManager is nil")
	}

	logger := m.loggerWith(ctx, "Logout")
	defer func() {
		if err != nil {
			logger.WarnContext(ctx, "logout completed with errors", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "logout succeeded")
	}()

	if m.provider != nil {
		if signOutErr := m.provider.SignOutPrincipal(ctx); signOutErr != nil {
			logger.WarnContext(ctx, "identity provider sign-out failed", "error", signOutErr, "error_kind", ErrorKind(signOutErr))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.supersedeLocked()

	err = m.clearMirror(ctx)
	m.session = nil
	m.state = StateAnonymous
	return
}

// CurrentSession returns the in-memory session, if any.
func (m *SessionManager) CurrentSession() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// State returns the current state machine state.
func (m *SessionManager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAuthenticated reports whether a session is held in memory or the userData
// and userRole mirror keys are both present.
func (m *SessionManager) IsAuthenticated(ctx context.Context) bool {
	m.mu.Lock()
	held := m.session != nil
	m.mu.Unlock()
	if held {
		return true
	}
	return m.mirrorValue(ctx, persistence.KeyUserData) != "" && m.mirrorValue(ctx, persistence.KeyUserRole) != ""
}

// HasRole reports whether the session role equals role, falling back to the
// userRole mirror key when no session is held.
func (m *SessionManager) HasRole(ctx context.Context, role Role) bool {
	m.mu.Lock()
	var current Role
	if m.session != nil {
		current = m.session.Profile.Role
	}
	m.mu.Unlock()
	if current == "" {
		current = Role(m.mirrorValue(ctx, persistence.KeyUserRole))
	}
	return current != "" && current == role
}

func (m *SessionManager) mirrorValue(ctx context.Context, key string) string {
	value, ok, err := m.substrate.Get(ctx, key)
	if err != nil || !ok {
		return ""
	}
	return value
}

// RequireAuth returns ErrUnauthenticated when no session is active and
// ErrForbidden when role is non-empty and differs from the session role. It
// never changes session state.
func (m *SessionManager) RequireAuth(ctx context.Context, role Role) (err error) {
	logger := m.loggerWith(ctx, "RequireAuth", "required_role", role)
	defer func() {
		if err != nil {
			logger.InfoContext(ctx, "access denied", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.DebugContext(ctx, "access granted")
	}()

	if !m.IsAuthenticated(ctx) {
		err = ErrUnauthenticated
		return
	}
	if role != "" && !m.HasRole(ctx, role) {
		err = fmt.Errorf("%w: requires role %s", ErrForbidden, role)
		return
	}
	return
}

// ResetPassword acknowledges a reset request after the configured delay. It
// accepts any demo principal and any address containing '@'; no credential is
// changed. The wait is not cancellable.
func (m *SessionManager) ResetPassword(ctx context.Context, email string) (err error) {
	logger := m.loggerWith(ctx, "ResetPassword", "email", email)
	defer func() {
		if err != nil {
			logger.WarnContext(ctx, "password reset rejected", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "password reset acknowledged")
	}()

	if m.resetDelay > 0 {
		m.sleep(m.resetDelay)
	}
	if _, ok := demoPrincipals[email]; ok || strings.Contains(email, "@") {
		return nil
	}
	return ErrUserNotFound
}

// Close cancels the identity provider subscription.
func (m *SessionManager) Close() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
