// Package capability implements the Capability Store (C3): minting,
// verification, revocation, refresh, and epoch rotation of capability
// tokens, the sole gate for privileged operations in the substrate.
package capability

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/sovereign/kernel/pkg/metrics"
	"github.com/sovereign/kernel/pkg/types"
)

// DefaultTokenTTL and MaxTokenTTL are the spec §4.3 defaults; a real
// deployment overrides these from pkg/config.
const (
	DefaultTokenTTL = time.Hour
	MaxTokenTTL     = time.Hour
)

// Store mints, verifies, revokes, and refreshes capability tokens, and
// owns the process-wide epoch counter (spec §4.3). One Store signs with a
// single issuer keypair; federation of multiple issuers is out of this
// package's scope.
type Store struct {
	mu sync.RWMutex

	issuerPub  ed25519.PublicKey
	issuerPriv ed25519.PrivateKey
	issuer     types.Identity

	currentEpoch uint64
	maxTTL       time.Duration

	// revoked holds nonces of revoked-but-not-yet-expired tokens, keyed by
	// nonce, mapping to the token's expiry so cleanup can reap them.
	revoked map[types.Nonce]int64
}

// New creates a Store with a freshly generated issuer keypair.
func New(maxTTL time.Duration) (*Store, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate issuer key: %v", types.ErrInternal, err)
	}
	if maxTTL <= 0 {
		maxTTL = MaxTokenTTL
	}
	return &Store{
		issuerPub:  pub,
		issuerPriv: priv,
		issuer:     types.IdentityFromPublicKey(pub),
		maxTTL:     maxTTL,
		revoked:    make(map[types.Nonce]int64),
	}, nil
}

// NewFromKey creates a Store using a caller-supplied issuer keypair,
// needed when restoring a node whose capability table must remain
// verifiable by clients holding tokens signed before restart.
func NewFromKey(priv ed25519.PrivateKey, maxTTL time.Duration) *Store {
	pub := priv.Public().(ed25519.PublicKey)
	if maxTTL <= 0 {
		maxTTL = MaxTokenTTL
	}
	return &Store{
		issuerPub:  pub,
		issuerPriv: priv,
		issuer:     types.IdentityFromPublicKey(pub),
		maxTTL:     maxTTL,
		revoked:    make(map[types.Nonce]int64),
	}
}

// IssuerIdentity returns this store's signing identity, installed as the
// Issuer field on every token it mints.
func (s *Store) IssuerIdentity() types.Identity {
	return s.issuer
}

// Mint issues a signed token for subject with the given kind, permission
// bitmap, and ttl (clamped to the configured maximum). Tokens embed the
// epoch current at mint time (spec §4.3).
func (s *Store) Mint(subject types.Identity, kind types.TokenKind, perms types.Permission, ttl time.Duration) (*types.Token, error) {
	if ttl <= 0 || ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	var nonce types.Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", types.ErrInternal, err)
	}

	s.mu.RLock()
	epoch := s.currentEpoch
	s.mu.RUnlock()

	now := time.Now()
	tok := &types.Token{
		Version:     types.TokenVersion,
		Kind:        kind,
		Permissions: perms,
		Issuer:      s.issuer,
		Subject:     subject,
		IssuedAt:    now.UnixNano(),
		ExpiresAt:   now.Add(ttl).UnixNano(),
		Epoch:       epoch,
		Nonce:       nonce,
	}
	tok.Signature = ed25519.Sign(s.issuerPriv, tok.SigningBytes())
	metrics.CapabilityTokensIssued.Inc()
	return tok, nil
}

// Verify checks tok against signature, subject, revocation, expiry, epoch,
// and the requested operation's permission, in that order: revocation
// wins over expiration reporting.
func (s *Store) Verify(tok *types.Token, subject types.Identity, op types.Permission) error {
	if !ed25519.Verify(s.issuerPub, tok.SigningBytes(), tok.Signature) {
		return fmt.Errorf("%w: signature verification failed", types.ErrAuth)
	}
	if tok.Subject != subject {
		return fmt.Errorf("%w: subject mismatch", types.ErrAuth)
	}

	s.mu.RLock()
	_, isRevoked := s.revoked[tok.Nonce]
	epoch := s.currentEpoch
	s.mu.RUnlock()

	if isRevoked {
		return fmt.Errorf("%w: nonce revoked", types.ErrRevoked)
	}
	if tok.Expired(time.Now()) {
		return fmt.Errorf("%w: token expired", types.ErrExpired)
	}
	if tok.Epoch < epoch {
		return fmt.Errorf("%w: token epoch %d < current epoch %d", types.ErrEpoch, tok.Epoch, epoch)
	}
	if !tok.Permissions.Contains(op) {
		return fmt.Errorf("%w: operation not in permission bitmap", types.ErrCapability)
	}
	return nil
}

// Revoke places tok's nonce in the revocation set until its natural
// expiry, after which CleanupExpiredRevocations may reap it.
func (s *Store) Revoke(tok *types.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[tok.Nonce] = tok.ExpiresAt
	metrics.CapabilityTokensRevoked.Inc()
}

// Refresh issues a replacement token with the same subject, kind, and
// permissions but a fresh lifetime, only if tok is still valid (spec §4.3
// ties refresh to an existing valid grant rather than an unconditional
// re-mint). The permission check is trivially satisfied (0 is a subset of
// any bitmap); what must hold is signature, subject, expiry, epoch, and
// revocation.
func (s *Store) Refresh(tok *types.Token, subject types.Identity, ttl time.Duration) (*types.Token, error) {
	if err := s.Verify(tok, subject, 0); err != nil {
		return nil, err
	}
	return s.Mint(tok.Subject, tok.Kind, tok.Permissions, ttl)
}

// RotateEpoch increments the current epoch, invalidating every token
// minted under a lower epoch in one step (spec §4.3, used for quarantine
// and administrative reset).
func (s *Store) RotateEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentEpoch++
	return s.currentEpoch
}

// CurrentEpoch returns the store's current epoch.
func (s *Store) CurrentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentEpoch
}

// CleanupExpiredRevocations drops revocation entries whose token has
// already expired naturally. Nothing in this module calls it on a
// schedule; revocation entries stay in the set until a caller invokes it.
func (s *Store) CleanupExpiredRevocations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixNano()
	for nonce, expiresAt := range s.revoked {
		if expiresAt != 0 && now >= expiresAt {
			delete(s.revoked, nonce)
		}
	}
}
