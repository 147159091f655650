// Package keys implements the Key Rotator (C5): generates and rotates the
// server's signing keypair on a timer, relocated from the teacher's
// server/rotation.go with its algorithm kept intact and renamed to
// spec.md §4.5's vocabulary (RotationStrategy{RotationFrequency, Keep}).
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/cim-project/cim/pkg/log"
	"github.com/cim-project/cim/storage"
)

// errAlreadyRotated signals that a concurrent writer rotated the keys
// before this attempt's optimistic write landed (spec.md §4.5 step 3(f)).
var errAlreadyRotated = errors.New("keys already rotated by another writer")

// RotationStrategy describes how often to rotate the signing keypair and
// how long a retired key remains valid for signature verification
// (spec.md §4.5 "RotationStrategy { rotation_frequency, keep }").
type RotationStrategy struct {
	// RotationFrequency is the interval between rotations.
	RotationFrequency time.Duration

	// Keep is how long a retired signing key remains a verification key
	// after rotation.
	Keep time.Duration

	// key generates a fresh keypair. Keys are RSA (spec.md §4.6 "RSA,
	// configurable — RS256"); not every client supports ECDSA.
	key func() (*rsa.PrivateKey, error)
}

// StaticRotationStrategy returns a strategy which never rotates: useful
// for a fixed, operator-supplied signing key.
func StaticRotationStrategy(key *rsa.PrivateKey) RotationStrategy {
	return RotationStrategy{
		// A 100-year period is simpler than a separate no-rotation flag.
		RotationFrequency: time.Hour * 8760 * 100,
		Keep:              time.Hour * 8760 * 100,
		key:               func() (*rsa.PrivateKey, error) { return key, nil },
	}
}

// NewRotationStrategy returns a strategy that rotates every
// rotationFrequency, retaining retired keys for keep afterward.
func NewRotationStrategy(rotationFrequency, keep time.Duration) RotationStrategy {
	return RotationStrategy{
		RotationFrequency: rotationFrequency,
		Keep:              keep,
		key: func() (*rsa.PrivateKey, error) {
			return rsa.GenerateKey(rand.Reader, 2048)
		},
	}
}

// Rotator drives storage.Storage's Keys through RotationStrategy.
type Rotator struct {
	storage storage.Storage

	strategy RotationStrategy
	now      func() time.Time

	logger log.Logger
}

// New returns a Rotator over the given storage and strategy. now defaults
// to time.Now when nil.
func New(store storage.Storage, strategy RotationStrategy, now func() time.Time, logger log.Logger) *Rotator {
	if now == nil {
		now = time.Now
	}
	return &Rotator{storage: store, strategy: strategy, now: now, logger: logger}
}

// Start rotates keys once synchronously — so a healthy storage returns
// from this call with valid keys already in place — then continues
// rotating on a 60-second interval (spec.md §4.5 "Invocation model") until
// ctx is canceled.
func (r *Rotator) Start(ctx context.Context) {
	if err := r.Rotate(); err != nil {
		if errors.Is(err, errAlreadyRotated) {
			r.logger.Infof("key rotation not needed: %v", err)
		} else {
			r.logger.Errorf("failed to rotate keys: %v", err)
		}
	}

	go func() {
		ticker := time.NewTicker(time.Second * 60)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Rotate(); err != nil && !errors.Is(err, errAlreadyRotated) {
					r.logger.Errorf("failed to rotate keys: %v", err)
				}
			}
		}
	}()
}

// Rotate implements spec.md §4.5's rotate() algorithm.
func (r *Rotator) Rotate() error {
	existing, err := r.storage.GetKeys()
	if err != nil && !storage.IsErrorCode(err, storage.ErrCodeNotFound) {
		return fmt.Errorf("get keys: %w", err)
	}
	if r.now().Before(existing.NextRotation) {
		return nil
	}
	r.logger.Infof("keys expired, rotating")

	key, err := r.strategy.key()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	keyID, err := randomKeyID()
	if err != nil {
		return fmt.Errorf("generate key id: %w", err)
	}
	priv := &jose.JSONWebKey{Key: key, KeyID: keyID, Algorithm: "RS256", Use: "sig"}
	pub := &jose.JSONWebKey{Key: key.Public(), KeyID: keyID, Algorithm: "RS256", Use: "sig"}

	var nextRotation time.Time
	err = r.storage.UpdateKeys(func(keys storage.Keys) (storage.Keys, error) {
		tNow := r.now()

		// Another writer may have rotated already (spec.md §4.5 step 3(f)).
		if tNow.Before(keys.NextRotation) {
			return storage.Keys{}, errAlreadyRotated
		}

		i := 0
		for _, vk := range keys.VerificationKeys {
			if tNow.Before(vk.Expiry) {
				keys.VerificationKeys[i] = vk
				i++
			}
		}
		keys.VerificationKeys = keys.VerificationKeys[:i]

		if keys.SigningKeyPub != nil {
			keys.VerificationKeys = append(keys.VerificationKeys, storage.VerificationKey{
				PublicKey: keys.SigningKeyPub,
				// Kept at least as long as an ID token signed with it
				// remains valid, so verification never expires early.
				Expiry: tNow.Add(r.strategy.Keep),
			})
		}

		nextRotation = tNow.Add(r.strategy.RotationFrequency)
		keys.SigningKey = priv
		keys.SigningKeyPub = pub
		keys.NextRotation = nextRotation
		return keys, nil
	})
	if err != nil {
		return err
	}
	r.logger.Infof("keys rotated, next rotation: %s", nextRotation)
	return nil
}

func randomKeyID() (string, error) {
	b := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
