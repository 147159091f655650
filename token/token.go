// Package token implements the Token Service (C6): signs JWTs with the
// current signing key and verifies them against the rotator's signing +
// verification key window, per spec.md §4.6. Relocated and generalized
// from the teacher's server/oauth2.go (signPayload, signatureAlgorithm,
// accessTokenHash, the storageKeySet.VerifySignature path).
package token

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/cim-project/cim/storage"
)

// Claims is the ID-token claim set of spec.md §4.6.
type Claims struct {
	Issuer   string
	Subject  string
	Audience []string
	IssuedAt time.Time
	Expiry   time.Time
	Nonce    string

	AccessTokenHash string
	CodeHash        string

	PreferredUsername string
	Email             string
	EmailVerified     *bool
	Mobile            string
	Groups            []string
}

// wireClaims is Claims' JSON-on-the-wire shape.
type wireClaims struct {
	Issuer   string   `json:"iss"`
	Subject  string   `json:"sub"`
	Audience audience `json:"aud"`
	Expiry   int64    `json:"exp"`
	IssuedAt int64    `json:"iat"`
	Nonce    string   `json:"nonce,omitempty"`

	AccessTokenHash string `json:"at_hash,omitempty"`
	CodeHash        string `json:"c_hash,omitempty"`

	PreferredUsername string   `json:"preferred_username,omitempty"`
	Email             string   `json:"email,omitempty"`
	EmailVerified     *bool    `json:"email_verified,omitempty"`
	Mobile            string   `json:"mobile,omitempty"`
	Groups            []string `json:"groups,omitempty"`
}

// audience marshals as a bare string when it holds exactly one entry,
// matching the OIDC core spec's "aud" representation.
type audience []string

func (a audience) contains(v string) bool {
	for _, e := range a {
		if e == v {
			return true
		}
	}
	return false
}

func (a audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// Service signs and verifies ID tokens against storage-held signing keys.
type Service struct {
	storage storage.Storage
	now     func() time.Time
}

// New returns a Service backed by store. now defaults to time.Now when nil.
func New(store storage.Storage, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{storage: store, now: now}
}

// Sign produces a compact JWS for claims, assigning IssuedAt/Expiry from
// now and expiresIn (spec.md §4.6 "token(claims) -> (jwt, expires_in)").
func (s *Service) Sign(claims Claims, expiresIn time.Duration) (jwt string, expiresAt time.Time, err error) {
	keys, err := s.storage.GetKeys()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get keys: %w", err)
	}
	signingKey := keys.SigningKey
	if signingKey == nil {
		return "", time.Time{}, errors.New("no signing key available")
	}
	alg, err := signatureAlgorithm(signingKey)
	if err != nil {
		return "", time.Time{}, err
	}

	issuedAt := s.now()
	expiresAt = issuedAt.Add(expiresIn)

	claims.IssuedAt = issuedAt
	claims.Expiry = expiresAt

	payload, err := json.Marshal(wireClaimsFrom(claims))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal claims: %w", err)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Key: signingKey, Algorithm: alg}, &jose.SignerOptions{})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("new signer: %w", err)
	}
	signature, err := signer.Sign(payload)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign payload: %w", err)
	}
	jwt, err = signature.CompactSerialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("serialize jws: %w", err)
	}
	return jwt, expiresAt, nil
}

// Verify parses and validates jwt against the current signing key and any
// still-valid verification keys, and checks the audience and expiry.
// Every failure mode maps to storage.ErrCodeUnauthorized — spec.md §7:
// "Token verify errors always map to Unauthorized, never leak signature
// detail to the client."
func (s *Service) Verify(jwt string, audiences ...string) (Claims, error) {
	jws, err := jose.ParseSigned(jwt, []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512, jose.ES256, jose.ES384, jose.ES512,
	})
	if err != nil {
		return Claims{}, unauthorized("parse token: %v", err)
	}

	keys, err := s.storage.GetKeys()
	if err != nil {
		return Claims{}, unauthorized("load signing keys: %v", err)
	}

	var candidates []*jose.JSONWebKey
	if keys.SigningKeyPub != nil {
		candidates = append(candidates, keys.SigningKeyPub)
	}
	now := s.now()
	for _, vk := range keys.VerificationKeys {
		if now.Before(vk.Expiry) {
			candidates = append(candidates, vk.PublicKey)
		}
	}

	keyID := ""
	for _, sig := range jws.Signatures {
		keyID = sig.Header.KeyID
		break
	}

	var payload []byte
	verified := false
	for _, key := range candidates {
		if keyID != "" && key.KeyID != keyID {
			continue
		}
		if p, err := jws.Verify(key); err == nil {
			payload = p
			verified = true
			break
		}
	}
	if !verified {
		return Claims{}, unauthorized("signature verification failed")
	}

	var wire wireClaims
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Claims{}, unauthorized("malformed claims: %v", err)
	}

	claims := claimsFromWire(wire)

	if !claims.Expiry.After(now) {
		return Claims{}, unauthorized("token expired")
	}

	if len(audiences) > 0 {
		ok := false
		for _, aud := range audiences {
			if wire.Audience.contains(aud) {
				ok = true
				break
			}
		}
		if !ok {
			return Claims{}, unauthorized("unexpected audience")
		}
	}

	return claims, nil
}

func unauthorized(format string, args ...interface{}) error {
	return storage.Error{Code: storage.ErrCodeUnauthorized, Details: fmt.Sprintf(format, args...)}
}

func wireClaimsFrom(c Claims) wireClaims {
	return wireClaims{
		Issuer:            c.Issuer,
		Subject:           c.Subject,
		Audience:          audience(c.Audience),
		Expiry:            c.Expiry.Unix(),
		IssuedAt:          c.IssuedAt.Unix(),
		Nonce:             c.Nonce,
		AccessTokenHash:   c.AccessTokenHash,
		CodeHash:          c.CodeHash,
		PreferredUsername: c.PreferredUsername,
		Email:             c.Email,
		EmailVerified:     c.EmailVerified,
		Mobile:            c.Mobile,
		Groups:            c.Groups,
	}
}

func claimsFromWire(w wireClaims) Claims {
	return Claims{
		Issuer:            w.Issuer,
		Subject:           w.Subject,
		Audience:          []string(w.Audience),
		IssuedAt:          time.Unix(w.IssuedAt, 0),
		Expiry:            time.Unix(w.Expiry, 0),
		Nonce:             w.Nonce,
		AccessTokenHash:   w.AccessTokenHash,
		CodeHash:          w.CodeHash,
		PreferredUsername: w.PreferredUsername,
		Email:             w.Email,
		EmailVerified:     w.EmailVerified,
		Mobile:            w.Mobile,
		Groups:            w.Groups,
	}
}

// signatureAlgorithm determines the JWS signing algorithm for a key, per
// the teacher's server/oauth2.go: RSA keys always sign RS256 (OIDC core
// mandates supporting it), since this repo only ever generates RSA
// signing keys ([[C5]]).
func signatureAlgorithm(jwk *jose.JSONWebKey) (jose.SignatureAlgorithm, error) {
	if jwk.Key == nil {
		return "", errors.New("no signing key")
	}
	if _, ok := jwk.Key.(*rsa.PrivateKey); !ok {
		return "", fmt.Errorf("unsupported signing key type %T", jwk.Key)
	}
	return jose.RS256, nil
}

// AccessTokenHash computes at_hash/c_hash: the left half of
// base64url(SHA-256(value)), per OpenID Connect Core's ImplicitIDToken
// hashing rule (this service only ever signs with SHA-256-family algs).
func AccessTokenHash(value string) (string, error) {
	h := sha256.New()
	if _, err := io.WriteString(h, value); err != nil {
		return "", fmt.Errorf("computing hash: %w", err)
	}
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
