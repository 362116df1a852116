// Package turncred implements coturn-compatible time-limited relay
// credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<user_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC. Credentials are derived
// deterministically and never stored locally.
package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrExpired          = errors.New("turncred: credential expired")
	ErrBadUsername      = errors.New("turncred: malformed username")
	ErrSignatureInvalid = errors.New("turncred: signature mismatch")
)

type Minter struct {
	sharedSecret []byte
	now          func() time.Time
}

type MinterConfig struct {
	SharedSecret string
	Now          func() time.Time
}

func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Minter{
		sharedSecret: []byte(cfg.SharedSecret),
		now:          cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Mint derives credentials valid for the given duration. Deterministic and
// side-effect-free for a fixed clock.
func (m *Minter) Mint(userID int64, validity time.Duration) Credentials {
	expiryUnix := m.now().UTC().Add(validity).Unix()
	username := fmt.Sprintf("%d:%d", expiryUnix, userID)
	return Credentials{
		Username:   username,
		Credential: signUsername(m.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}
}

// Validate checks a presented username/credential pair. It fails on a
// malformed username, a past expiry, or an HMAC mismatch.
func (m *Minter) Validate(username, credential string) (int64, error) {
	expiryPart, userPart, ok := strings.Cut(username, ":")
	if !ok {
		return 0, ErrBadUsername
	}
	expiryUnix, err := strconv.ParseInt(expiryPart, 10, 64)
	if err != nil {
		return 0, ErrBadUsername
	}
	userID, err := strconv.ParseInt(userPart, 10, 64)
	if err != nil {
		return 0, ErrBadUsername
	}

	if m.now().UTC().Unix() > expiryUnix {
		return 0, ErrExpired
	}

	want := signUsername(m.sharedSecret, username)
	if !hmac.Equal([]byte(want), []byte(credential)) {
		return 0, ErrSignatureInvalid
	}
	return userID, nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
