package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/caracal-dev/caracal/pkg/principal"
)

// ErrAuthFailed is the single authentication failure the gateway ever
// reports outward. Which factor failed is never revealed to callers.
var ErrAuthFailed = errors.New("gateway: authentication failed")

// APIKeyMetadataKey is the principal metadata key holding the bcrypt
// hash of the principal's API key.
const APIKeyMetadataKey = "api_key_hash"

// Identity is the outcome of a successful authentication.
type Identity struct {
	PrincipalID string
	Method      string
}

// PrincipalDirectory is the registry view the authenticators need.
type PrincipalDirectory interface {
	Get(id string) *principal.Principal
	GetByName(name string) *principal.Principal
	ListAll() []*principal.Principal
}

// Authenticator resolves a request to a principal, or fails.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// AuthChain tries each authenticator that applies to the request. The
// first success wins; if none applies or succeeds, ErrAuthFailed.
type AuthChain struct {
	authenticators []Authenticator
}

// NewAuthChain composes authenticators in priority order.
func NewAuthChain(authenticators ...Authenticator) *AuthChain {
	return &AuthChain{authenticators: authenticators}
}

func (c *AuthChain) Authenticate(r *http.Request) (*Identity, error) {
	for _, a := range c.authenticators {
		id, err := a.Authenticate(r)
		if err == nil && id != nil {
			return id, nil
		}
	}
	return nil, ErrAuthFailed
}

// MTLSAuthenticator maps a verified client certificate to a principal
// by matching the CN or a DNS SAN against principal names or IDs.
// Certificate chain verification against a CA is the TLS listener's
// concern; by the time a request reaches here the handshake has
// already enforced it.
type MTLSAuthenticator struct {
	directory PrincipalDirectory
}

// NewMTLSAuthenticator builds the mTLS authenticator.
func NewMTLSAuthenticator(dir PrincipalDirectory) *MTLSAuthenticator {
	return &MTLSAuthenticator{directory: dir}
}

func (a *MTLSAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, ErrAuthFailed
	}
	cert := r.TLS.PeerCertificates[0]

	candidates := append([]string{cert.Subject.CommonName}, cert.DNSNames...)
	for _, name := range candidates {
		if name == "" {
			continue
		}
		if p := a.directory.Get(name); p != nil {
			return &Identity{PrincipalID: p.ID, Method: "mtls"}, nil
		}
		if p := a.directory.GetByName(name); p != nil {
			return &Identity{PrincipalID: p.ID, Method: "mtls"}, nil
		}
	}
	return nil, ErrAuthFailed
}

// bearerClaims covers both claim spellings agents use for their ID.
type bearerClaims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id,omitempty"`
}

// JWTAuthenticator validates a bearer token signed with the calling
// principal's registered ECDSA key (kid header names the principal).
type JWTAuthenticator struct {
	directory PrincipalDirectory
}

// NewJWTAuthenticator builds the bearer-token authenticator.
func NewJWTAuthenticator(dir PrincipalDirectory) *JWTAuthenticator {
	return &JWTAuthenticator{directory: dir}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, ErrAuthFailed
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	keyfn := func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, ErrAuthFailed
		}
		p := a.directory.Get(kid)
		if p == nil {
			return nil, ErrAuthFailed
		}
		return p.PublicKey()
	}

	tok, err := jwt.ParseWithClaims(raw, &bearerClaims{}, keyfn,
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return nil, ErrAuthFailed
	}
	claims, ok := tok.Claims.(*bearerClaims)
	if !ok {
		return nil, ErrAuthFailed
	}

	principalID := claims.Subject
	if principalID == "" {
		principalID = claims.AgentID
	}
	if principalID == "" || a.directory.Get(principalID) == nil {
		return nil, ErrAuthFailed
	}
	return &Identity{PrincipalID: principalID, Method: "jwt"}, nil
}

// APIKeyAuthenticator matches X-API-Key against bcrypt hashes stored in
// principal metadata. Linear over principals; the registry is small and
// bcrypt comparison dominates anyway.
type APIKeyAuthenticator struct {
	directory PrincipalDirectory
}

// NewAPIKeyAuthenticator builds the API-key authenticator.
func NewAPIKeyAuthenticator(dir PrincipalDirectory) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{directory: dir}
}

func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return nil, ErrAuthFailed
	}
	for _, p := range a.directory.ListAll() {
		hash, ok := p.Metadata[APIKeyMetadataKey]
		if !ok {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return &Identity{PrincipalID: p.ID, Method: "api_key"}, nil
		}
	}
	return nil, ErrAuthFailed
}

// HashAPIKey produces the bcrypt hash to store under APIKeyMetadataKey.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("gateway: hash api key: %w", err)
	}
	return string(hash), nil
}
