package target

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Microsoft
// 365 and Gmail IMAP servers. The initial response carries the whole
// credential; a server challenge is an error blob in base64 JSON.
type xoauth2Client struct {
	authString string
}

var _ sasl.Client = (*xoauth2Client)(nil)

func newXOAUTH2Client(authString string) *xoauth2Client {
	return &xoauth2Client{authString: authString}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte(c.authString), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// The server only challenges to deliver an error description.
	return nil, fmt.Errorf("XOAUTH2 authentication rejected: %s", challenge)
}
