package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactExactValue(t *testing.T) {
	r := NewRegistry()
	r.Register("super-secret-token")

	line := r.Redact("Authorization: Bearer super-secret-token")
	assert.Equal(t, "Authorization: Bearer ****", line)
}

func TestRedactIgnoresShortValues(t *testing.T) {
	r := NewRegistry()
	r.Register("short")

	line := r.Redact("the value is short, not a secret")
	assert.Equal(t, "the value is short, not a secret", line)
}

func TestRedactDigest(t *testing.T) {
	r := NewRegistry()
	r.Register("super-secret-token")

	digest := sha256.Sum256([]byte("super-secret-token"))
	line := r.Redact("seen digest " + hex.EncodeToString(digest[:]) + " in cache")
	assert.Equal(t, "seen digest **** in cache", line)
}

func TestRedactStructuredRequiresContext(t *testing.T) {
	r := NewRegistry()
	r.RegisterStructured("password", regexp.MustCompile(`\S+`))

	redacted := r.Redact("password=hunter2")
	assert.Equal(t, "password=****", redacted)

	unrelated := r.Redact("the word password appears here with no assignment")
	assert.Equal(t, "the word password appears here with no assignment", unrelated)
}

func TestRedactDisabled(t *testing.T) {
	r := NewRegistry()
	r.Register("super-secret-token")
	r.Disable()

	line := r.Redact("token is super-secret-token")
	assert.Equal(t, "token is super-secret-token", line)
}
