// Package nip98 authenticates admin requests with Nostr HTTP Auth events
// (kind 27235) carried in the Authorization header.
package nip98

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/rs/zerolog"

	"plebchat-backend/internal/common/logger"
)

const (
	// EventKind is the Nostr kind reserved for HTTP auth events.
	EventKind = 27235

	// maxClockSkew bounds how far an event timestamp may drift from server
	// time in either direction.
	maxClockSkew = 60 * time.Second

	authScheme = "Nostr "

	// ContextPubkey is the gin context key the authenticated hex pubkey is
	// stored under.
	ContextPubkey = "auth_pubkey"
)

// Verifier checks NIP-98 events against an allow-list of admin pubkeys.
type Verifier struct {
	admins map[string]struct{}
	log    zerolog.Logger
}

// NewVerifier builds a verifier from npub or hex encoded pubkeys.
func NewVerifier(keys []string) (*Verifier, error) {
	admins := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		hexPub, err := decodePubkey(k)
		if err != nil {
			return nil, fmt.Errorf("invalid admin pubkey %q: %w", k, err)
		}
		admins[hexPub] = struct{}{}
	}
	return &Verifier{admins: admins, log: logger.With("nip98")}, nil
}

func decodePubkey(key string) (string, error) {
	if strings.HasPrefix(key, "npub1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return "", err
		}
		if prefix != "npub" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		return value.(string), nil
	}

	key = strings.ToLower(key)
	if len(key) != 64 {
		return "", fmt.Errorf("expected npub or 64-char hex pubkey")
	}
	if _, err := hex.DecodeString(key); err != nil {
		return "", err
	}
	return key, nil
}

// Enabled reports whether any admin pubkeys are configured. With none, the
// admin API stays locked.
func (v *Verifier) Enabled() bool {
	return len(v.admins) > 0
}

// IsAdmin reports whether a hex pubkey is on the allow-list.
func (v *Verifier) IsAdmin(hexPub string) bool {
	_, ok := v.admins[strings.ToLower(hexPub)]
	return ok
}

// Middleware rejects requests that do not carry a valid, fresh NIP-98
// event signed by an allow-listed pubkey. On success the pubkey is stored
// in the gin context under ContextPubkey.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		pubkey, err := v.verify(c)
		if err != nil {
			v.log.Warn().Err(err).
				Str("path", c.Request.URL.Path).
				Str("client_ip", c.ClientIP()).
				Msg("Admin auth rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ContextPubkey, pubkey)
		c.Next()
	}
}

func (v *Verifier) verify(c *gin.Context) (string, error) {
	if !v.Enabled() {
		return "", fmt.Errorf("no admin pubkeys configured")
	}

	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, authScheme) {
		return "", fmt.Errorf("missing Nostr authorization header")
	}

	raw, err := decodeBase64(strings.TrimPrefix(header, authScheme))
	if err != nil {
		return "", fmt.Errorf("failed to decode auth event: %w", err)
	}

	var event nostr.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return "", fmt.Errorf("failed to parse auth event: %w", err)
	}

	if event.Kind != EventKind {
		return "", fmt.Errorf("wrong event kind %d", event.Kind)
	}

	if skew := time.Since(event.CreatedAt.Time()); skew > maxClockSkew || skew < -maxClockSkew {
		return "", fmt.Errorf("event timestamp outside the %s window", maxClockSkew)
	}

	if err := v.checkTags(c, &event); err != nil {
		return "", err
	}

	ok, err := event.CheckSignature()
	if err != nil {
		return "", fmt.Errorf("signature check failed: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("invalid event signature")
	}

	if !v.IsAdmin(event.PubKey) {
		return "", fmt.Errorf("pubkey %s not on the admin list", event.PubKey)
	}
	return strings.ToLower(event.PubKey), nil
}

func (v *Verifier) checkTags(c *gin.Context, event *nostr.Event) error {
	methodTag := event.Tags.GetFirst([]string{"method"})
	if methodTag == nil || !strings.EqualFold(methodTag.Value(), c.Request.Method) {
		return fmt.Errorf("method tag does not match %s", c.Request.Method)
	}

	// Reverse proxies rewrite scheme and host, so the u tag is matched on
	// its path only.
	uTag := event.Tags.GetFirst([]string{"u"})
	if uTag == nil {
		return fmt.Errorf("missing u tag")
	}
	signed, err := url.Parse(uTag.Value())
	if err != nil {
		return fmt.Errorf("invalid u tag %q: %w", uTag.Value(), err)
	}
	if signed.Path != c.Request.URL.Path {
		return fmt.Errorf("u tag path %q does not match request path %s", signed.Path, c.Request.URL.Path)
	}

	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		payloadTag := event.Tags.GetFirst([]string{"payload"})
		if payloadTag == nil {
			return fmt.Errorf("request has a body but the event carries no payload tag")
		}
		digest := sha256.Sum256(body)
		if !strings.EqualFold(payloadTag.Value(), hex.EncodeToString(digest[:])) {
			return fmt.Errorf("payload tag does not match request body")
		}
	}
	return nil
}

// decodeBase64 accepts padded and unpadded standard encoding; clients
// disagree on which to send.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
