package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

const verifyPath = "/v1/auth/verify"

// RemoteVerifier asks an auth service to resolve a bearer credential.
// Every call is its own request, bounded by the caller's ctx and the client timeout.
type RemoteVerifier struct {
	baseURL string
	client  *http.Client
}

func NewRemoteVerifier(baseURL string, timeout time.Duration) *RemoteVerifier {
	return &RemoteVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type verifyResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
	Role   string `json:"role"`
}

func (v *RemoteVerifier) Verify(ctx context.Context, credential string) (*domain.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+verifyPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity provider: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.ErrInvalidCredential
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warn().Str("module", "adapters.identity").Int("status", resp.StatusCode).
			Str("body", string(body)).Msg("identity provider error")
		return nil, fmt.Errorf("identity provider: status %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return nil, fmt.Errorf("identity provider: decode: %w", err)
	}
	role, err := domain.ParseRole(out.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	name := out.Name
	if name == "" {
		name = out.ID
	}
	u, err := domain.NewUser(domain.UserID(out.ID), name, role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	u.Email = out.Email
	u.Avatar = out.Avatar
	return u, nil
}
