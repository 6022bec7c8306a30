package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

// Identity is the resolved caller for a request.
type Identity struct {
	Subject string
}

// ErrUnauthorized is returned when neither a verified identity nor a valid
// locker key grants access.
var ErrUnauthorized = errors.New("not authorized for this thread")

// ResolveIdentity verifies the signed identity headers (X-User-ID +
// X-User-Signature, HMAC-SHA256 over the user id with a configured signing
// key). Returns nil when the headers are absent or invalid: callers may
// still proceed via a locker key.
func ResolveIdentity(r *http.Request) *Identity {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	sig := strings.TrimSpace(r.Header.Get("X-User-Signature"))
	if userID == "" || sig == "" {
		return nil
	}
	keys := config.GetSigningKeys()
	if len(keys) == 0 {
		logger.Error("no_signing_keys_configured")
		return nil
	}
	for k := range keys {
		mac := hmac.New(sha256.New, []byte(k))
		mac.Write([]byte(userID))
		expected := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return &Identity{Subject: userID}
		}
	}
	logger.Warn("invalid_signature", "user", userID)
	return nil
}

// AssertThreadAccess checks that the caller may act on the thread: either
// the verified identity owns it, or the supplied locker key matches the
// thread's stored key. Threads without an owner or locker key are open.
func AssertThreadAccess(th models.Thread, lockerKey string, id *Identity) error {
	if th.UserID == "" && th.LockerKey == "" {
		return nil
	}
	if id != nil && th.UserID != "" && th.UserID == id.Subject {
		return nil
	}
	if lockerKey != "" && th.LockerKey != "" && hmac.Equal([]byte(lockerKey), []byte(th.LockerKey)) {
		return nil
	}
	return ErrUnauthorized
}
