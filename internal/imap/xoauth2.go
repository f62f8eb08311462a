package imap

import (
	"errors"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Outlook. The initial response is "user=<email>\x01auth=Bearer <token>\x01\x01".
type xoauth2Client struct {
	username string
	token    string
	failed   bool
}

// NewXOAuth2 returns a SASL client for the given account and access token.
func NewXOAuth2(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next handles the error challenge: the server sends a JSON status blob and
// expects an empty response before failing the command.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if c.failed {
		return nil, errors.New("xoauth2: authentication failed: " + string(challenge))
	}
	c.failed = true
	return []byte{}, nil
}
