package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "ma***@example.com", RedactEmail("maria.gonzalez@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}

func TestRedactValue(t *testing.T) {
	assert.Equal(t, "[redacted]", redactValue("access_token", "ya29.abc"))
	assert.Equal(t, "[redacted]", redactValue("imap_password", "hunter2"))
	assert.Equal(t, "jo***@example.com", redactValue("owner_email", "jose@example.com"))
	assert.Equal(t, "jo***@example.com", redactValue("account", "jose@example.com"))

	// Embedded emails inside generic fields are masked too.
	got := redactValue("reason", "duplicate for jose@example.com")
	assert.Equal(t, "duplicate for jo***@example.com", got)
}
