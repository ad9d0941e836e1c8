// Package turncred assembles short-lived TURN relay credentials using the
// time-limited username/password convention implemented by coturn's REST
// API: username is "<expiry-unix>:<label>", password is
// base64(HMAC-SHA1(secret, username)).
package turncred

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by the coturn REST credential convention, not used for confidentiality
	"encoding/base64"
	"fmt"
	"time"
)

// Credentials is the payload returned from POST /api/turn-credentials.
type Credentials struct {
	URIs     []string `json:"uris"`
	Username string   `json:"username"`
	Password string   `json:"password"`
}

// Assemble builds time-limited relay credentials valid for ttl, labeled
// with the caller-supplied label (the HTTP façade passes the first 16
// characters of the redeemed relay token).
func Assemble(turnHost, turnSecret, label string, ttl time.Duration) Credentials {
	expiry := time.Now().Add(ttl).Unix()
	username := fmt.Sprintf("%d:%s", expiry, label)

	mac := hmac.New(sha1.New, []byte(turnSecret))
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Credentials{
		URIs: []string{
			"turn:" + turnHost + "?transport=udp",
			"turn:" + turnHost + "?transport=tcp",
			"turns:" + turnHost + "?transport=tcp",
		},
		Username: username,
		Password: password,
	}
}
