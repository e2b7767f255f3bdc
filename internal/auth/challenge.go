package auth

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaymesh/relay/internal/registry"
	"github.com/relaymesh/relay/internal/store"
)

const (
	challengeTTL   = 5 * time.Minute
	challengeBytes = 32
	challengeNS    = "challenge:"
)

// AgentDirectory is the read-only slice of the durable store the handshake
// needs.
type AgentDirectory interface {
	GetAgent(ctx context.Context, agentID string) (store.Agent, error)
}

// ChallengeVerifier runs the two-step agent handshake: issue a single-use
// random challenge, then verify a signature over it with the agent's
// registered public key.
type ChallengeVerifier struct {
	rdb    *redis.Client
	agents AgentDirectory
}

func NewChallengeVerifier(rdb *redis.Client, agents AgentDirectory) *ChallengeVerifier {
	return &ChallengeVerifier{rdb: rdb, agents: agents}
}

// IssueChallenge generates 32 bytes of cryptographic randomness, stores it
// keyed by value with a 5 minute expiry, and returns the encoded value.
func (v *ChallengeVerifier) IssueChallenge(ctx context.Context, agentID string) (string, error) {
	raw := make([]byte, challengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("issue challenge: %w", err)
	}

	value := base64.RawURLEncoding.EncodeToString(raw)
	if err := v.rdb.Set(ctx, challengeNS+value, agentID, challengeTTL).Err(); err != nil {
		return "", fmt.Errorf("issue challenge: %w", err)
	}
	return value, nil
}

// VerifyChallenge atomically consumes the challenge record and validates
// the signature over the raw challenge bytes. Any failure after the
// consume still burns the challenge: a value verifies successfully at most
// once.
func (v *ChallengeVerifier) VerifyChallenge(ctx context.Context, agentID, challenge, signature string) (Principal, error) {
	owner, err := v.rdb.GetDel(ctx, challengeNS+challenge).Result()
	if errors.Is(err, redis.Nil) {
		return Principal{}, fmt.Errorf("%w: unknown or expired challenge", ErrAuthRejected)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("verify challenge: %w", err)
	}
	if owner != agentID {
		return Principal{}, fmt.Errorf("%w: challenge agent mismatch", ErrAuthRejected)
	}

	agent, err := v.agents.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return Principal{}, fmt.Errorf("%w: unknown agent", ErrAuthRejected)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("verify challenge: %w", err)
	}
	if agent.Status != "active" {
		return Principal{}, fmt.Errorf("%w: agent not active", ErrAuthRejected)
	}

	rawChallenge, err := base64.RawURLEncoding.DecodeString(challenge)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: malformed challenge", ErrAuthRejected)
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: malformed signature", ErrAuthRejected)
	}

	if err := verifySignature(agent.PublicKey, rawChallenge, sig); err != nil {
		return Principal{}, err
	}

	return Principal{
		ID:       agent.ID,
		TenantID: agent.TenantID,
		Role:     registry.RoleAgent,
	}, nil
}

// verifySignature checks sig over the raw message with the key's native
// algorithm. Ed25519 takes the message unhashed; RSA-SHA256 hashes as part
// of the scheme.
func verifySignature(publicKeyPEM, message, sig []byte) error {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return fmt.Errorf("%w: malformed public key", ErrAuthRejected)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: malformed public key", ErrAuthRejected)
	}

	switch pub := key.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, message, sig) {
			return fmt.Errorf("%w: bad signature", ErrAuthRejected)
		}
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: bad signature", ErrAuthRejected)
		}
	default:
		return fmt.Errorf("%w: unsupported key type", ErrAuthRejected)
	}
	return nil
}
