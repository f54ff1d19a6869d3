// Package auth verifies bearer tokens issued by the external identity
// provider and extracts the identity claim the rest of the server consumes.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/10thony/Campaignion-sub010/setup/config"
	"github.com/10thony/Campaignion-sub010/types"
)

// Identity is the verified claim consumed by the RPC layer.
type Identity struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	OrgID     string `json:"orgId,omitempty"`
}

// Verifier turns a raw bearer token into an Identity.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
}

// NewVerifier builds the verifier selected by the auth config.
func NewVerifier(cfg *config.Auth) (Verifier, error) {
	switch cfg.Mode {
	case "jwt":
		return &JWTVerifier{secret: []byte(cfg.Secret)}, nil
	case "remote":
		return &RemoteVerifier{url: cfg.URL, client: &http.Client{}}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// JWTVerifier validates HMAC-signed tokens locally. Claims: sub (user id),
// sid (session id), org (organization, optional).
type JWTVerifier struct {
	secret []byte
}

type tokenClaims struct {
	SessionID string `json:"sid"`
	OrgID     string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) VerifyToken(_ context.Context, token string) (*Identity, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, types.NewError(types.ErrUnauthenticated, "invalid token: %s", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, types.NewError(types.ErrUnauthenticated, "token carries no subject")
	}
	return &Identity{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		OrgID:     claims.OrgID,
	}, nil
}

// RemoteVerifier POSTs the token to the external provider and trusts its
// verdict. No caching: a revoked token must stop working immediately.
type RemoteVerifier struct {
	url    string
	client *http.Client
}

func (v *RemoteVerifier) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, errors.Wrap(err, "encoding verification request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building verification request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrUnauthenticated, "token verification unavailable: %s", err)
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) // nolint: errcheck
		return nil, types.NewError(types.ErrUnauthenticated, "token rejected by provider (HTTP %d)", resp.StatusCode)
	}
	var identity Identity
	if err = json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, errors.Wrap(err, "decoding verification response")
	}
	if identity.UserID == "" {
		return nil, types.NewError(types.ErrUnauthenticated, "provider returned no user id")
	}
	return &identity, nil
}

// TokenFromRequest extracts the bearer token from the Authorization header
// or, for WebSocket upgrades where headers are awkward, the token query
// parameter.
func TokenFromRequest(req *http.Request) (string, error) {
	if h := req.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", types.NewError(types.ErrUnauthenticated, "invalid Authorization header")
		}
		return parts[1], nil
	}
	if t := req.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", types.NewError(types.ErrUnauthenticated, "missing credentials")
}
