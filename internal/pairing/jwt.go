package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the HS256 payload issued to a paired device, grounded on the
// corpus's dittofs JWT service, adapted from a username/role claim set to
// Clawline's device/user/admin model with an optional expiry.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"uid"`
	DeviceID string `json:"did"`
	IsAdmin  bool   `json:"admin"`
}

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

// loadOrCreateKey reads a persisted HMAC signing key from path, generating
// and persisting a new random 256-bit key on first run. Rotating this file
// invalidates every previously issued token, as spec.md requires.
func loadOrCreateKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) < 32 {
			return nil, fmt.Errorf("jwt key file %q is too short", path)
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read jwt key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate jwt key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create jwt key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("persist jwt key: %w", err)
	}
	return key, nil
}

// issueToken signs a Claims payload. A zero ttl means the token never
// expires; the configured default (auth.token_ttl) is 365 days, not zero.
func issueToken(key []byte, userID, deviceID string, isAdmin bool, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "clawline",
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		UserID:   userID,
		DeviceID: deviceID,
		IsAdmin:  isAdmin,
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// verifyToken parses and validates a token against key.
func verifyToken(key []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
