// Package credentials mints short-lived service tokens scoped to the
// permissions a bot command or event handler declares.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
)

// Permissions understood by the read API.
const (
	PermReadManuscript      = "read_manuscript"
	PermReadManuscriptFiles = "read_manuscript_files"
	PermReadConversations   = "read_conversations"
)

// Credential is a per-invocation service token and the permissions it carries.
type Credential struct {
	Token        string    `json:"token"`
	BotID        string    `json:"botId"`
	ManuscriptID string    `json:"manuscriptId"`
	Permissions  []string  `json:"permissions"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Allows reports whether perm was declared for this credential.
func (c Credential) Allows(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Issuer stores credentials in Redis with a TTL.
type Issuer struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewIssuer builds an issuer; ttl defaults to fifteen minutes.
func NewIssuer(client *redis.Client, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{client: client, ttl: ttl, prefix: "botcred:"}
}

func (i *Issuer) key(token string) string {
	return i.prefix + token
}

// Mint creates a credential carrying exactly perms.
func (i *Issuer) Mint(ctx context.Context, botID, manuscriptID string, perms []string) (Credential, error) {
	cred := Credential{
		Token:        uuid.NewString(),
		BotID:        botID,
		ManuscriptID: manuscriptID,
		Permissions:  append([]string{}, perms...),
		ExpiresAt:    time.Now().Add(i.ttl).UTC(),
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return Credential{}, fmt.Errorf("marshal credential: %w", err)
	}
	if err := i.client.Set(ctx, i.key(cred.Token), raw, i.ttl).Err(); err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return cred, nil
}

// Verify returns the credential behind token, or ErrNotFound once it expired or was revoked.
func (i *Issuer) Verify(ctx context.Context, token string) (Credential, error) {
	raw, err := i.client.Get(ctx, i.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credential{}, errs.NotFound("credential", token)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return cred, nil
}

// Revoke deletes the credential.
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	return i.client.Del(ctx, i.key(token)).Err()
}
