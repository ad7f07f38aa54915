package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"afu9/internal/domain"
	"afu9/internal/repo"
)

// ForbiddenError indicates the actor lacks an operator group for the operation.
type ForbiddenError struct {
	Operation string
	Actor     string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s may not %s", e.Actor, e.Operation)
}

// Policy guards mutating operations. An empty operator list admits every authenticated actor.
type Policy struct {
	OperatorGroups []string
}

func (p Policy) Open() bool { return len(p.OperatorGroups) == 0 }

// Authorize returns ForbiddenError unless one of groups is an operator group.
func (p Policy) Authorize(actor string, groups []string, operation string) error {
	if strings.TrimSpace(actor) == "" {
		return ForbiddenError{Operation: operation, Actor: "(anonymous)"}
	}
	if p.Open() {
		return nil
	}
	for _, g := range groups {
		for _, op := range p.OperatorGroups {
			if strings.EqualFold(strings.TrimSpace(g), op) {
				return nil
			}
		}
	}
	return ForbiddenError{Operation: operation, Actor: actor}
}

const keyPrefix = "afu9_"

// Keys manages API keys. Only hashes are stored; the plaintext is returned once on creation.
type Keys struct {
	Repo  repo.Repo
	Now   func() time.Time
	NewID func() string
}

func (k Keys) now() time.Time {
	if k.Now != nil {
		return k.Now()
	}
	return time.Now()
}

// Create mints a key for actor with the given groups.
func (k Keys) Create(ctx context.Context, actor string, groups []string, name string) (string, domain.APIKey, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", domain.APIKey{}, errors.New("actor required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate key: %w", err)
	}
	plain := keyPrefix + hex.EncodeToString(buf)
	id := uuid.NewString()
	if k.NewID != nil {
		id = k.NewID()
	}
	clean := make([]string, 0, len(groups))
	for _, g := range groups {
		if g = strings.TrimSpace(g); g != "" {
			clean = append(clean, g)
		}
	}
	sort.Strings(clean)
	key := domain.APIKey{
		ID:        id,
		Actor:     actor,
		Groups:    clean,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: repo.Timestamp(k.now()),
	}
	if err := k.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// Authenticate resolves a plaintext key.
func (k Keys) Authenticate(ctx context.Context, plain string) (domain.APIKey, error) {
	if strings.TrimSpace(plain) == "" {
		return domain.APIKey{}, errors.New("api key required")
	}
	return k.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
}

func (k Keys) List(ctx context.Context, actor string) ([]domain.APIKey, error) {
	return k.Repo.ListAPIKeys(ctx, actor)
}

func (k Keys) Revoke(ctx context.Context, id string) error {
	return k.Repo.DeleteAPIKey(ctx, id)
}
