package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/example/campus-scheduler/internal/application"
	"github.com/example/campus-scheduler/internal/persistence"
	"github.com/example/campus-scheduler/internal/persistence/memory"
	"github.com/example/campus-scheduler/internal/testfixtures"
)

type fakeProvider struct {
	mu           sync.Mutex
	callback     func(*application.Principal)
	subscribeErr error
	registerErr  error
	signInErr    error
	signOutErr   error
	updateErr    error
	registered   []string
	signedIn     []string
	signOuts     int
	updates      map[string]string
	unsubscribed bool
}

func (f *fakeProvider) SubscribeStateChanges(callback func(*application.Principal)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.callback = callback
	return func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.mu.Unlock()
	}, nil
}

// fire delivers a state change the way an asynchronous provider would.
func (f *fakeProvider) fire(principal *application.Principal) {
	f.mu.Lock()
	callback := f.callback
	f.mu.Unlock()
	callback(principal)
}

func (f *fakeProvider) RegisterPrincipal(ctx context.Context, email, password string) (application.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return application.Principal{}, f.registerErr
	}
	f.registered = append(f.registered, email)
	return application.Principal{UID: "provider-uid", Email: email}, nil
}

func (f *fakeProvider) SignInPrincipal(ctx context.Context, email, password string) (application.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedIn = append(f.signedIn, email)
	if f.signInErr != nil {
		return application.Principal{}, f.signInErr
	}
	return application.Principal{UID: "signed-in-uid", Email: email}, nil
}

func (f *fakeProvider) SignOutPrincipal(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	return f.signOutErr
}

func (f *fakeProvider) UpdatePrincipalProfile(ctx context.Context, uid, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = map[string]string{}
	}
	f.updates[uid] = displayName
	return f.updateErr
}

type sessionHarness struct {
	manager   *application.SessionManager
	substrate persistence.KeyValueStore
	provider  *fakeProvider
	clock     *testfixtures.Clock
}

func newSessionHarness(t *testing.T, substrate persistence.KeyValueStore, provider *fakeProvider, opts ...application.SessionOption) *sessionHarness {
	t.Helper()
	if substrate == nil {
		substrate = memory.New()
	}
	factory := testfixtures.NewServiceFactory()
	deps := testfixtures.SessionManagerDeps{Substrate: substrate, Options: opts}
	if provider != nil {
		deps.Provider = provider
	}
	manager := factory.NewSessionManager(deps)
	t.Cleanup(manager.Close)
	return &sessionHarness{manager: manager, substrate: substrate, provider: provider, clock: factory.Clock}
}

func (h *sessionHarness) value(t *testing.T, key string) (string, bool) {
	t.Helper()
	value, ok, err := h.substrate.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) returned error: %v", key, err)
	}
	return value, ok
}

func seedMirror(t *testing.T, substrate persistence.KeyValueStore, profile application.Profile) {
	t.Helper()
	raw, err := json.Marshal(profile)
	if err != nil {
		t.Fatalf("marshal profile: %v", err)
	}
	ctx := context.Background()
	for key, value := range map[string]string{
		persistence.KeyUserData:  string(raw),
		persistence.KeyUserRole:  string(profile.Role),
		persistence.KeyUserEmail: profile.Email,
	} {
		if err := substrate.Set(ctx, key, value); err != nil {
			t.Fatalf("Set(%q) returned error: %v", key, err)
		}
	}
}

func TestSessionManager_DemoLogin(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t, nil, &fakeProvider{})

	tests := []struct {
		email, password string
		role            application.Role
		semester        string
		facultyID       string
	}{
		{"student@demo.com", "student123", application.RoleStudent, "5", ""},
		{"faculty@demo.com", "faculty123", application.RoleFaculty, "", "FAC001"},
		{"admin@demo.com", "admin123", application.RoleAdmin, "", ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			result, err := h.manager.Login(ctx, tt.email, tt.password)
			if err != nil {
				t.Fatalf("Login returned error: %v", err)
			}
			profile := result.Session.Profile
			if !result.IsDemo || !profile.IsDemo {
				t.Fatalf("expected demo session, got %+v", result)
			}
			if profile.Role != tt.role || profile.Semester != tt.semester || profile.FacultyID != tt.facultyID {
				t.Fatalf("unexpected demo profile %+v", profile)
			}
			if want := "demo-" + itoa(h.clock.Millis()); profile.UID != want {
				t.Fatalf("expected uid %q, got %q", want, profile.UID)
			}
			if profile.LastName != "User" || profile.FirstName == "" {
				t.Fatalf("unexpected demo name %q %q", profile.FirstName, profile.LastName)
			}
			if value, _ := h.value(t, persistence.KeyIsDemoUser); value != "true" {
				t.Fatalf("expected isDemoUser mirror to be set, got %q", value)
			}
			if value, _ := h.value(t, persistence.KeyUserRole); value != string(tt.role) {
				t.Fatalf("expected userRole mirror %q, got %q", tt.role, value)
			}
		})
	}

	if len(h.provider.signedIn) != 0 {
		t.Fatalf("expected demo logins to bypass the identity provider, got %v", h.provider.signedIn)
	}
}

func TestSessionManager_DemoLoginSignsOutProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("replacing a provider session", func(t *testing.T) {
		provider := &fakeProvider{}
		h := newSessionHarness(t, nil, provider)
		if err := h.manager.Start(ctx); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		provider.fire(nil)
		if _, err := h.manager.Login(ctx, "bob@uni.edu", "secret"); err != nil {
			t.Fatalf("Login returned error: %v", err)
		}
		if _, err := h.manager.Login(ctx, "admin@demo.com", "admin123"); err != nil {
			t.Fatalf("demo Login returned error: %v", err)
		}
		if provider.signOuts != 1 {
			t.Fatalf("expected provider sign-out on demo login, got %d", provider.signOuts)
		}

		provider.fire(nil)
		session, ok := h.manager.CurrentSession()
		if !ok || session.Email != "admin@demo.com" {
			t.Fatalf("expected demo session to survive its own sign-out callback, got %+v ok=%v", session, ok)
		}

		provider.fire(nil)
		if h.manager.State() != application.StateAnonymous {
			t.Fatalf("expected later signed-out callback to apply, got %v", h.manager.State())
		}
	})

	t.Run("no provider session to end", func(t *testing.T) {
		provider := &fakeProvider{}
		h := newSessionHarness(t, nil, provider)
		if _, err := h.manager.Login(ctx, "admin@demo.com", "admin123"); err != nil {
			t.Fatalf("Login returned error: %v", err)
		}
		if provider.signOuts != 0 {
			t.Fatalf("expected no provider sign-out, got %d", provider.signOuts)
		}
	})

	t.Run("sign-out failure does not block demo login", func(t *testing.T) {
		provider := &fakeProvider{signOutErr: errors.New("network down")}
		h := newSessionHarness(t, nil, provider)
		if _, err := h.manager.Login(ctx, "bob@uni.edu", "secret"); err != nil {
			t.Fatalf("Login returned error: %v", err)
		}
		result, err := h.manager.Login(ctx, "admin@demo.com", "admin123")
		if err != nil || !result.IsDemo {
			t.Fatalf("expected demo login to succeed, got %+v err=%v", result, err)
		}
	})
}

func TestSessionManager_LoginTrimsEmail(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t, nil, &fakeProvider{})

	result, err := h.manager.Login(ctx, " admin@demo.com ", "admin123")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if !result.IsDemo || result.Session.Email != "admin@demo.com" {
		t.Fatalf("expected trimmed demo admin login, got %+v", result.Session)
	}
	if value, _ := h.value(t, persistence.KeyUserEmail); value != "admin@demo.com" {
		t.Fatalf("expected trimmed userEmail mirror, got %q", value)
	}

	if _, err := h.manager.Login(ctx, "   ", "admin123"); err == nil {
		t.Fatalf("expected blank email to be rejected")
	}
}

func TestSessionManager_WrongDemoPasswordFallsThrough(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t, nil, &fakeProvider{signInErr: application.ErrInvalidCredentials})

	if _, err := h.manager.Login(ctx, "student@demo.com", "student123"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}

	result, err := h.manager.Login(ctx, "admin@demo.com", "wrongpass")
	if err != nil {
		t.Fatalf("expected unverified login to succeed, got %v", err)
	}
	profile := result.Session.Profile
	if profile.Role != application.RoleAdmin {
		t.Fatalf("expected role inferred from email, got %q", profile.Role)
	}
	if result.IsDemo || profile.IsDemo {
		t.Fatalf("expected non-demo session, got %+v", profile)
	}
	if profile.FirstName != "User" || profile.LastName != "Name" || profile.FacultyID != "FAC001" || profile.Section != "A" {
		t.Fatalf("unexpected generic profile %+v", profile)
	}
	if want := "user_" + itoa(h.clock.Millis()); profile.UID != want {
		t.Fatalf("expected uid %q when the provider rejects, got %q", want, profile.UID)
	}
	if _, ok := h.value(t, persistence.KeyIsDemoUser); ok {
		t.Fatalf("expected isDemoUser mirror to be removed for non-demo session")
	}
}

func TestSessionManager_NonDemoLoginUsesProviderUID(t *testing.T) {
	h := newSessionHarness(t, nil, &fakeProvider{})

	result, err := h.manager.Login(context.Background(), "someone@example.edu", "whatever")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if result.Session.Profile.UID != "signed-in-uid" {
		t.Fatalf("expected provider uid, got %q", result.Session.Profile.UID)
	}
	if result.Session.Profile.Role != application.RoleStudent {
		t.Fatalf("expected default student role, got %q", result.Session.Profile.Role)
	}
	if result.Session.Profile.LastLogin == "" {
		t.Fatalf("expected lastLogin on non-demo profile")
	}
}

func TestSessionManager_PasswordVerification(t *testing.T) {
	h := newSessionHarness(t, nil, &fakeProvider{signInErr: errors.New("bad password")},
		application.WithPasswordVerification(true))

	_, err := h.manager.Login(context.Background(), "faculty.member@example.edu", "nope")
	if !errors.Is(err, application.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if h.manager.State() == application.StateActive {
		t.Fatalf("expected no session after rejected login")
	}
	if _, ok := h.value(t, persistence.KeyUserData); ok {
		t.Fatalf("expected nothing persisted after rejected login")
	}
}

func TestSessionManager_RoleInference(t *testing.T) {
	tests := map[string]application.Role{
		"student.one@example.edu": application.RoleStudent,
		"faculty@uni.edu":         application.RoleFaculty,
		"site-admin@uni.edu":      application.RoleAdmin,
		"someone@uni.edu":         application.RoleStudent,
		"ADMIN@uni.edu":           application.RoleStudent,
	}
	for email, want := range tests {
		if got := application.RoleFromEmail(email); got != want {
			t.Errorf("RoleFromEmail(%q) = %q, want %q", email, got, want)
		}
	}
}

func TestSessionManager_LoginRequiresCredentials(t *testing.T) {
	h := newSessionHarness(t, nil, nil)

	_, err := h.manager.Login(context.Background(), "", "")
	var vErr *application.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, ok := vErr.FieldErrors["email"]; !ok {
		t.Fatalf("expected email field error, got %v", vErr.FieldErrors)
	}
}

func TestSessionManager_Register(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	h := newSessionHarness(t, nil, provider)

	params := testfixtures.NewRegisterParams(testfixtures.WithRegisterFaculty("FAC042"))
	session, err := h.manager.Register(ctx, params)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	profile := session.Profile
	if profile.UID != "provider-uid" || profile.Role != application.RoleFaculty || profile.FacultyID != "FAC042" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if profile.Semester != "" || profile.Section != "" {
		t.Fatalf("expected missing role fields to be empty, got %+v", profile)
	}
	if profile.CreatedAt == "" || profile.CreatedAt != profile.LastLogin {
		t.Fatalf("expected createdAt and lastLogin to be set, got %q / %q", profile.CreatedAt, profile.LastLogin)
	}
	if got := provider.updates["provider-uid"]; got != params.FirstName+" "+params.LastName {
		t.Fatalf("expected display name update, got %q", got)
	}

	raw, ok := h.value(t, persistence.KeyUserData)
	if !ok {
		t.Fatalf("expected userData mirror")
	}
	var mirrored application.Profile
	if err := json.Unmarshal([]byte(raw), &mirrored); err != nil {
		t.Fatalf("userData mirror is not valid JSON: %v", err)
	}
	if mirrored != profile {
		t.Fatalf("expected mirror to match session\nmirror:  %+v\nsession: %+v", mirrored, profile)
	}
	if email, _ := h.value(t, persistence.KeyUserEmail); email != params.Email {
		t.Fatalf("expected userEmail mirror %q, got %q", params.Email, email)
	}
}

func TestSessionManager_RegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		params application.RegisterParams
		fields []string
	}{
		{
			name:   "student missing section",
			params: testfixtures.NewRegisterParams(testfixtures.WithRegisterSection("")),
			fields: []string{"section"},
		},
		{
			name:   "short password",
			params: testfixtures.NewRegisterParams(testfixtures.WithRegisterPassword("12345")),
			fields: []string{"password"},
		},
		{
			name:   "faculty missing faculty id",
			params: testfixtures.NewRegisterParams(testfixtures.WithRegisterFaculty("")),
			fields: []string{"facultyId"},
		},
		{
			name:   "missing required fields",
			params: application.RegisterParams{Role: application.RoleAdmin},
			fields: []string{"email", "password", "firstName", "lastName"},
		},
		{
			name:   "unknown role",
			params: testfixtures.NewRegisterParams(func(p *application.RegisterParams) { p.Role = "dean" }),
			fields: []string{"role"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			substrate := memory.New()
			provider := &fakeProvider{}
			h := newSessionHarness(t, substrate, provider)

			_, err := h.manager.Register(context.Background(), tt.params)
			var vErr *application.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			for _, field := range tt.fields {
				if _, ok := vErr.FieldErrors[field]; !ok {
					t.Fatalf("expected field error for %q, got %v", field, vErr.FieldErrors)
				}
			}
			if h.manager.State() == application.StateActive {
				t.Fatalf("expected no session transition")
			}
			if keys := substrate.Keys(); len(keys) != 0 {
				t.Fatalf("expected no persistence writes, got keys %v", keys)
			}
			if len(provider.registered) != 0 {
				t.Fatalf("expected provider not to be called")
			}
		})
	}
}

func TestSessionManager_RegisterProviderFailure(t *testing.T) {
	substrate := memory.New()
	h := newSessionHarness(t, substrate, &fakeProvider{registerErr: application.ErrAlreadyExists})

	_, err := h.manager.Register(context.Background(), testfixtures.NewRegisterParams())
	if !errors.Is(err, application.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, ok := h.manager.CurrentSession(); ok {
		t.Fatalf("expected no session after provider failure")
	}
	if keys := substrate.Keys(); len(keys) != 0 {
		t.Fatalf("expected no mirror writes, got %v", keys)
	}
}

func TestSessionManager_LogoutClearsEverything(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{signOutErr: errors.New("network down")}
	h := newSessionHarness(t, nil, provider)

	if _, err := h.manager.Login(ctx, "admin@demo.com", "admin123"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if err := h.substrate.Set(ctx, persistence.KeyRememberMe, "true"); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	if err := h.manager.Logout(ctx); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}
	if h.manager.IsAuthenticated(ctx) {
		t.Fatalf("expected IsAuthenticated to be false after logout")
	}
	for _, key := range persistence.SessionMirrorKeys {
		if _, ok := h.value(t, key); ok {
			t.Fatalf("expected mirror key %q to be removed", key)
		}
	}
	if provider.signOuts != 1 {
		t.Fatalf("expected provider sign-out to be attempted once, got %d", provider.signOuts)
	}
}

type failingRemoveSubstrate struct {
	*memory.Store
}

func (f failingRemoveSubstrate) Remove(ctx context.Context, key string) error {
	if key == persistence.KeyUserData {
		return persistence.ErrUnavailable
	}
	return f.Store.Remove(ctx, key)
}

func TestSessionManager_LogoutAlwaysTransitions(t *testing.T) {
	ctx := context.Background()
	substrate := failingRemoveSubstrate{Store: memory.New()}
	h := newSessionHarness(t, substrate, nil)

	seedMirror(t, substrate, application.Profile{UID: "u1", Email: "x@example.edu", Role: application.RoleStudent})
	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	err := h.manager.Logout(ctx)
	if !errors.Is(err, persistence.ErrUnavailable) {
		t.Fatalf("expected diagnostic error from failed clear, got %v", err)
	}
	if h.manager.State() != application.StateAnonymous {
		t.Fatalf("expected anonymous state, got %v", h.manager.State())
	}
	if _, ok := h.manager.CurrentSession(); ok {
		t.Fatalf("expected in-memory session to be dropped")
	}
}

func TestSessionManager_RestoreAndFirstCallback(t *testing.T) {
	ctx := context.Background()
	profile := application.Profile{UID: "user_1", Email: "ravi@example.edu", Role: application.RoleFaculty, FirstName: "Ravi"}

	t.Run("signed-out callback replaces restored session", func(t *testing.T) {
		substrate := memory.New()
		seedMirror(t, substrate, profile)
		provider := &fakeProvider{}
		h := newSessionHarness(t, substrate, provider)

		if err := h.manager.Start(ctx); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		session, ok := h.manager.CurrentSession()
		if !ok || !session.Provisional || session.Profile.FirstName != "Ravi" {
			t.Fatalf("expected provisional restored session, got %+v ok=%v", session, ok)
		}

		provider.fire(nil)

		if h.manager.State() != application.StateAnonymous {
			t.Fatalf("expected anonymous state, got %v", h.manager.State())
		}
		if _, ok := h.value(t, persistence.KeyUserData); ok {
			t.Fatalf("expected mirror to be cleared")
		}
	})

	t.Run("signed-in callback confirms and overlays cached profile", func(t *testing.T) {
		substrate := memory.New()
		seedMirror(t, substrate, profile)
		provider := &fakeProvider{}
		h := newSessionHarness(t, substrate, provider)

		if err := h.manager.Start(ctx); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		provider.fire(&application.Principal{UID: "provider-1", Email: "ravi@example.edu", DisplayName: "Ravi K"})

		session, ok := h.manager.CurrentSession()
		if !ok || session.Provisional {
			t.Fatalf("expected confirmed session, got %+v ok=%v", session, ok)
		}
		if session.Profile.UID != "user_1" || session.Profile.Role != application.RoleFaculty {
			t.Fatalf("expected cached fields to overlay provider profile, got %+v", session.Profile)
		}
		if session.Profile.DisplayName != "Ravi K" {
			t.Fatalf("expected provider display name to be kept, got %q", session.Profile.DisplayName)
		}
	})

	t.Run("signed-in callback ignores cached profile of another user", func(t *testing.T) {
		substrate := memory.New()
		seedMirror(t, substrate, application.Profile{
			UID: "demo-1", Email: "admin@demo.com", Role: application.RoleAdmin, IsDemo: true, FirstName: "Admin",
		})
		provider := &fakeProvider{}
		h := newSessionHarness(t, substrate, provider)

		if err := h.manager.Start(ctx); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		provider.fire(&application.Principal{UID: "provider-2", Email: "bob@uni.edu", DisplayName: "Bob"})

		session, ok := h.manager.CurrentSession()
		if !ok {
			t.Fatalf("expected a session for the signed-in principal")
		}
		if session.Email != "bob@uni.edu" || session.Profile.Email != "bob@uni.edu" {
			t.Fatalf("expected session for bob@uni.edu, got %q / %q", session.Email, session.Profile.Email)
		}
		if session.Profile.Role != application.RoleStudent || session.Profile.IsDemo || session.Profile.UID != "provider-2" {
			t.Fatalf("expected provider-derived profile, got %+v", session.Profile)
		}
		if value, _ := h.value(t, persistence.KeyUserEmail); value != "bob@uni.edu" {
			t.Fatalf("expected userEmail mirror to follow the principal, got %q", value)
		}
		if value, _ := h.value(t, persistence.KeyUserRole); value != string(application.RoleStudent) {
			t.Fatalf("expected userRole mirror %q, got %q", application.RoleStudent, value)
		}
	})

	t.Run("cached profile matched case-insensitively", func(t *testing.T) {
		substrate := memory.New()
		seedMirror(t, substrate, profile)
		provider := &fakeProvider{}
		h := newSessionHarness(t, substrate, provider)

		if err := h.manager.Start(ctx); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		provider.fire(&application.Principal{UID: "provider-1", Email: "Ravi@Example.edu"})

		session, _ := h.manager.CurrentSession()
		if session.Profile.UID != "user_1" || session.Profile.Role != application.RoleFaculty {
			t.Fatalf("expected cached profile to be overlaid, got %+v", session.Profile)
		}
		if session.Profile.Email != session.Email {
			t.Fatalf("expected profile email %q to match session email %q", session.Profile.Email, session.Email)
		}
	})

	t.Run("explicit login supersedes pending callback", func(t *testing.T) {
		substrate := memory.New()
		provider := &fakeProvider{}
		h := newSessionHarness(t, substrate, provider)

		if err := h.manager.Start(ctx); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		if _, err := h.manager.Login(ctx, "student@demo.com", "student123"); err != nil {
			t.Fatalf("Login returned error: %v", err)
		}

		provider.fire(nil)

		if !h.manager.IsAuthenticated(ctx) {
			t.Fatalf("expected login to survive the stale signed-out callback")
		}

		// Later callbacks apply normally.
		provider.fire(nil)
		if h.manager.State() != application.StateAnonymous {
			t.Fatalf("expected later signed-out callback to apply, got %v", h.manager.State())
		}
	})

	t.Run("incomplete mirror is not restored", func(t *testing.T) {
		substrate := memory.New()
		if err := substrate.Set(ctx, persistence.KeyUserRole, "admin"); err != nil {
			t.Fatalf("Set returned error: %v", err)
		}
		h := newSessionHarness(t, substrate, &fakeProvider{})
		if err := h.manager.Start(ctx); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		if h.manager.State() != application.StateAnonymous {
			t.Fatalf("expected anonymous state, got %v", h.manager.State())
		}
	})
}

func TestSessionManager_StartTwice(t *testing.T) {
	provider := &fakeProvider{}
	h := newSessionHarness(t, nil, provider)
	ctx := context.Background()

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := h.manager.Start(ctx); !errors.Is(err, application.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	h.manager.Close()
	if !provider.unsubscribed {
		t.Fatalf("expected Close to unsubscribe")
	}
}

func TestSessionManager_Reconciled(t *testing.T) {
	ctx := context.Background()

	t.Run("closed after first callback", func(t *testing.T) {
		provider := &fakeProvider{}
		h := newSessionHarness(t, nil, provider)
		if err := h.manager.Start(ctx); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		select {
		case <-h.manager.Reconciled():
			t.Fatalf("expected Reconciled to stay open before the first callback")
		default:
		}
		provider.fire(nil)
		select {
		case <-h.manager.Reconciled():
		default:
			t.Fatalf("expected Reconciled to be closed after the first callback")
		}
	})

	t.Run("closed immediately without provider", func(t *testing.T) {
		h := newSessionHarness(t, nil, nil)
		if err := h.manager.Start(ctx); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		select {
		case <-h.manager.Reconciled():
		default:
			t.Fatalf("expected Reconciled to be closed")
		}
	})
}

func TestSessionManager_SubscribeFailureKeepsCachedSession(t *testing.T) {
	substrate := memory.New()
	seedMirror(t, substrate, application.Profile{UID: "u", Email: "a@b.edu", Role: application.RoleAdmin})
	h := newSessionHarness(t, substrate, &fakeProvider{subscribeErr: errors.New("offline")})

	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	session, ok := h.manager.CurrentSession()
	if !ok || session.Provisional {
		t.Fatalf("expected cached session to be kept and confirmed, got %+v ok=%v", session, ok)
	}
}

func TestSessionManager_PersistFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	failing := testfixtures.NewFailingSubstrate(inner, persistence.ErrQuotaExceeded, persistence.KeyUserEmail)
	h := newSessionHarness(t, failing, nil)

	_, err := h.manager.Login(ctx, "student@demo.com", "student123")
	if !errors.Is(err, application.ErrPersistence) || !errors.Is(err, persistence.ErrQuotaExceeded) {
		t.Fatalf("expected wrapped quota error, got %v", err)
	}
	if _, ok := h.manager.CurrentSession(); ok {
		t.Fatalf("expected in-memory session to stay empty")
	}
	if _, ok, _ := inner.Get(ctx, persistence.KeyUserData); ok {
		t.Fatalf("expected partial mirror to be rolled back")
	}
}

func TestSessionManager_RequireAuth(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t, nil, nil)

	if err := h.manager.RequireAuth(ctx, ""); !errors.Is(err, application.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	if _, err := h.manager.Login(ctx, "student@demo.com", "student123"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	before, _ := h.manager.CurrentSession()

	if err := h.manager.RequireAuth(ctx, application.RoleFaculty); !errors.Is(err, application.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := h.manager.RequireAuth(ctx, application.RoleStudent); err != nil {
		t.Fatalf("expected access for matching role, got %v", err)
	}
	if err := h.manager.RequireAuth(ctx, ""); err != nil {
		t.Fatalf("expected access without role requirement, got %v", err)
	}

	after, _ := h.manager.CurrentSession()
	if before != after {
		t.Fatalf("expected RequireAuth not to mutate session")
	}
}

func TestSessionManager_MirrorOnlyAuthentication(t *testing.T) {
	ctx := context.Background()
	substrate := memory.New()
	h := newSessionHarness(t, substrate, nil)

	if err := substrate.Set(ctx, persistence.KeyUserData, `{"uid":"x"}`); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if h.manager.IsAuthenticated(ctx) {
		t.Fatalf("expected userData alone not to authenticate")
	}
	if err := substrate.Set(ctx, persistence.KeyUserRole, "faculty"); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if !h.manager.IsAuthenticated(ctx) {
		t.Fatalf("expected userData and userRole mirrors to authenticate")
	}
	if !h.manager.HasRole(ctx, application.RoleFaculty) {
		t.Fatalf("expected HasRole to read the userRole mirror")
	}
}

func TestSessionManager_ResetPassword(t *testing.T) {
	var waited []time.Duration
	h := newSessionHarness(t, nil, nil,
		application.WithResetDelay(time.Second),
		application.WithSleep(func(d time.Duration) { waited = append(waited, d) }),
	)
	ctx := context.Background()

	if err := h.manager.ResetPassword(ctx, "student@demo.com"); err != nil {
		t.Fatalf("expected demo principal reset to succeed, got %v", err)
	}
	if err := h.manager.ResetPassword(ctx, "anyone@anywhere"); err != nil {
		t.Fatalf("expected address with @ to succeed, got %v", err)
	}
	if err := h.manager.ResetPassword(ctx, "not-an-email"); !errors.Is(err, application.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if len(waited) != 3 || waited[0] != time.Second {
		t.Fatalf("expected a one second wait per call, got %v", waited)
	}
}

func TestValidateEmail(t *testing.T) {
	tests := map[string]bool{
		"student@demo.com":  true,
		"a.b@c.d":           true,
		"no-at-sign.com":    false,
		"two@@example.com":  false,
		"space in@mail.com": false,
		"missing@tld":       false,
		"":                  false,
	}
	for email, want := range tests {
		if got := application.ValidateEmail(email); got != want {
			t.Errorf("ValidateEmail(%q) = %v, want %v", email, got, want)
		}
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
