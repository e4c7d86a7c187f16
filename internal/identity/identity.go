// Package identity resolves bearer tokens to verified users.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/park285/cheese-match-server/internal/domain"
	"gopkg.in/yaml.v3"
)

// Verifier turns an opaque token into an identity. Unknown or expired tokens
// yield an error wrapping domain.ErrUnauthenticated.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter for browser websocket clients.
func TokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Static serves a fixed token table, loaded from YAML:
//
//	tokens:
//	  s3cr3t: {id: alice, name: Alice}
type Static struct {
	tokens map[string]domain.Identity
}

type staticFile struct {
	Tokens map[string]domain.Identity `yaml:"tokens"`
}

func NewStatic(tokens map[string]domain.Identity) *Static {
	s := &Static{tokens: make(map[string]domain.Identity, len(tokens))}
	for tok, id := range tokens {
		s.tokens[strings.TrimSpace(tok)] = id
	}
	return s
}

func LoadStatic(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var f staticFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	for tok, id := range f.Tokens {
		if strings.TrimSpace(tok) == "" || !id.Valid() {
			return nil, fmt.Errorf("token file %s: entry %q has no id", path, tok)
		}
	}
	return NewStatic(f.Tokens), nil
}

func (s *Static) Verify(_ context.Context, token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrUnauthenticated)
	}
	id, ok := s.tokens[token]
	if !ok {
		return domain.Identity{}, fmt.Errorf("%w: unknown token", domain.ErrUnauthenticated)
	}
	return id, nil
}
