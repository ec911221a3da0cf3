package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

// Authenticator calls the identity provider once per attempt, bounded by
// Timeout. Retrying is up to the client.
type Authenticator struct {
	Provider IdentityProvider
	Timeout  time.Duration
}

func NewAuthenticator(p IdentityProvider, timeout time.Duration) *Authenticator {
	return &Authenticator{Provider: p, Timeout: timeout}
}

func (a *Authenticator) Verify(ctx context.Context, credential string) (*domain.User, error) {
	if credential == "" {
		return nil, domain.ErrInvalidCredential
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	start := time.Now()
	u, err := a.Provider.Verify(ctx, credential)
	if err != nil {
		log.Debug().Str("module", "app.auth").Err(err).Dur("took", time.Since(start)).Msg("verify failed")
		if errors.Is(err, domain.ErrInvalidCredential) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: identity provider timed out", domain.ErrInvalidCredential)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	if u == nil || u.ID == "" {
		return nil, fmt.Errorf("%w: provider returned no identity", domain.ErrInvalidCredential)
	}
	if u.Role == "" {
		u.Role = domain.RoleMember
	}
	if u.LastSeen.IsZero() {
		u.LastSeen = time.Now().UTC()
	}
	return u, nil
}
