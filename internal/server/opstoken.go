package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	opsTokenSaltLength = 16
	opsTokenKeyLength  = 32
	opsTokenIterations = 120_000
)

var errInvalidOpsToken = errors.New("invalid ops token")

// HashOpsToken derives a storable hash for the operator token that guards the
// metrics and status endpoints. The output format is self-describing so the
// iteration count can be raised without invalidating existing hashes.
func HashOpsToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("token is required")
	}
	salt := make([]byte, opsTokenSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, opsTokenIterations, opsTokenKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", opsTokenIterations, encodedSalt, encodedKey), nil
}

func verifyOpsToken(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify ops token: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify ops token: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify ops token: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify ops token: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify ops token: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return errInvalidOpsToken
	}
	return nil
}

// opsTokenMiddleware requires a bearer token on operator endpoints when a
// token hash is configured. An empty hash leaves the endpoints open, which is
// the development default.
func opsTokenMiddleware(tokenHash string, guarded map[string]struct{}, next http.Handler) http.Handler {
	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" || len(guarded) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := guarded[r.URL.Path]; !ok {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeMiddlewareError(w, http.StatusUnauthorized, "ops token required")
			return
		}
		if err := verifyOpsToken(tokenHash, token); err != nil {
			writeMiddlewareError(w, http.StatusForbidden, "ops token rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
