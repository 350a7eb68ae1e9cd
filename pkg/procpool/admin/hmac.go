// Package admin implements the supervisor's introspection channel: a
// second Unix-domain socket, distinct from the per-handle compute
// sockets, that streams pool lifecycle events and serves metrics
// snapshots to a monitoring client. It deliberately uses length-prefixed,
// checksummed, multiplexed framing, unlike the EOF-delimited single-shot
// compute wire protocol.
package admin

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"time"
)

// hmacAuth performs a challenge/response handshake on the admin socket.
// This is pre-authentication only; it runs once per connection before any
// framed traffic.
type hmacAuth struct {
	secret []byte
}

func newHMACAuth(secret []byte) *hmacAuth {
	return &hmacAuth{secret: secret}
}

// GenerateSecret returns a fresh random secret suitable for AdminConfig's
// HMACSecret field.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return secret, nil
}

func (h *hmacAuth) authenticateServer(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("generate challenge: %w", err)
	}
	if _, err := conn.Write(challenge); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	response := make([]byte, 32)
	if _, err := io.ReadFull(conn, response); err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	expected := mac.Sum(nil)

	if !hmac.Equal(response, expected) {
		_, _ = conn.Write([]byte{0})
		return fmt.Errorf("hmac verification failed")
	}

	if _, err := conn.Write([]byte{1}); err != nil {
		return fmt.Errorf("send auth success: %w", err)
	}
	return nil
}

func (h *hmacAuth) authenticateClient(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	challenge := make([]byte, 32)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	response := mac.Sum(nil)

	if _, err := conn.Write(response); err != nil {
		return fmt.Errorf("send response: %w", err)
	}

	result := make([]byte, 1)
	if _, err := io.ReadFull(conn, result); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if result[0] != 1 {
		return fmt.Errorf("authentication rejected by server")
	}
	return nil
}
