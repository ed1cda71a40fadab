package console

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP recommended)
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// HashSecret creates an Argon2id hash of the console secret, in PHC string
// format: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// verifySecret checks a candidate secret against a stored PHC-format hash.
func verifySecret(secret, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}

	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	hash := argon2.IDKey([]byte(secret), salt, time, memory, threads, uint32(len(expectedHash)))
	return subtle.ConstantTimeCompare(hash, expectedHash) == 1
}

const authAttemptInterval = 2 * time.Second

// authRateLimiter delays repeated auth attempts per remote host.
type authRateLimiter struct {
	mu       sync.RWMutex
	attempts map[string]time.Time
}

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{
		attempts: map[string]time.Time{},
	}
}

// waitIfNeeded blocks if a recent failed attempt exists for the host.
func (l *authRateLimiter) waitIfNeeded(host string) {
	l.mu.RLock()
	last, ok := l.attempts[host]
	l.mu.RUnlock()
	if ok {
		if wait := authAttemptInterval - time.Since(last); wait > 0 {
			time.Sleep(wait)
		}
	}
}

func (l *authRateLimiter) recordFailure(host string) {
	l.mu.Lock()
	l.attempts[host] = time.Now()
	l.mu.Unlock()
}

func (l *authRateLimiter) clearFailure(host string) {
	l.mu.Lock()
	delete(l.attempts, host)
	l.mu.Unlock()
}
