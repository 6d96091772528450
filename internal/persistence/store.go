package persistence

import "context"

// KeyValueStore is the synchronous string key-value substrate used for all
// durable state. Keys are independent; there are no transactions across keys.
type KeyValueStore interface {
	// Get returns the stored value and true, or "" and false when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// Keys owned by the session mirror.
const (
	KeyUserData   = "userData"
	KeyUserRole   = "userRole"
	KeyUserEmail  = "userEmail"
	KeyIsDemoUser = "isDemoUser"
	KeyRememberMe = "rememberMe"
	KeyLastLogin  = "lastLogin"
)

// SessionMirrorKeys lists every key cleared on logout.
var SessionMirrorKeys = []string{
	KeyUserData,
	KeyUserRole,
	KeyUserEmail,
	KeyIsDemoUser,
	KeyRememberMe,
	KeyLastLogin,
}
