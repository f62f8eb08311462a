package imap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeSubject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Subject: Factura Electrónica 001-001-0000023\r\n\r\n", "Factura Electrónica 001-001-0000023"},
		{"Subject: =?UTF-8?Q?Factura_Electr=C3=B3nica?=\r\n\r\n", "Factura Electrónica"},
		{"Subject: Factura\r\n Nro 123\r\n\r\n", "Factura Nro 123"},
		{"Subject: =?ISO-8859-1?B?RmFjdHVyYQ==?=\r\n\r\n", "Factura"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, decodeSubject(c.in), c.in)
	}
}

func TestMatchesAny(t *testing.T) {
	terms := foldTerms([]string{"Factura Electrónica", "comprobante"})

	assert.True(t, matchesAny("Su FACTURA ELECTRONICA está lista", terms))
	assert.True(t, matchesAny("Comprobante de venta", terms))
	assert.False(t, matchesAny("Boletín mensual", terms))

	// No terms configured means the account wants everything.
	assert.True(t, matchesAny("cualquier asunto", nil))
}

func TestXOAuth2InitialResponse(t *testing.T) {
	c := NewXOAuth2("user@example.com", "ya29.token")
	mech, ir, err := c.Start()
	assert.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=user@example.com\x01auth=Bearer ya29.token\x01\x01", string(ir))
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, isAuthError(errFrom("NO [AUTHENTICATIONFAILED] Invalid credentials (Failure)")))
	assert.True(t, isAuthError(errFrom("LOGIN failed")))
	assert.False(t, isAuthError(errFrom("connection reset by peer")))
}

type errFrom string

func (e errFrom) Error() string { return string(e) }
