// Package principal maintains the registry of agents: identities,
// ownership hierarchy, and the ECDSA key material mandates are signed
// with. Principals are never deleted; deactivation is metadata-only.
package principal

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateName is returned when a principal name is already taken.
	ErrDuplicateName = errors.New("principal: name already registered")
	// ErrNotFound is returned when a principal does not exist.
	ErrNotFound = errors.New("principal: not found")
	// ErrCycle is returned when a parent update would create a cycle.
	ErrCycle = errors.New("principal: parent update would create a cycle")
	// ErrEmptyName is returned when a principal name is blank.
	ErrEmptyName = errors.New("principal: name must not be empty")
	// ErrMissingPrivateKey is returned when signing requires a key the
	// principal does not carry.
	ErrMissingPrivateKey = errors.New("principal: no private key material")
)

// KeyPair holds a principal's ECDSA-P256 key material, PEM-encoded.
// The private half is stored in plaintext inside the registry file;
// pairing with an external key store is a deployment concern.
type KeyPair struct {
	PrivateKeyPEM string `json:"private_key_pem,omitempty"`
	PublicKeyPEM  string `json:"public_key_pem"`
}

// Principal is an authenticated identity that consumes resources.
type Principal struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Owner     string            `json:"owner"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ParentID  string            `json:"parent_principal_id,omitempty"`
	Keys      *KeyPair          `json:"keys,omitempty"`
}

// clone returns a deep copy so callers never alias registry state.
func (p *Principal) clone() *Principal {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	if p.Keys != nil {
		keys := *p.Keys
		cp.Keys = &keys
	}
	return &cp
}

// GenerateKeyPair produces a fresh ECDSA-P256 pair in PEM form.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("principal: generate key: %w", err)
	}
	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("principal: encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("principal: encode public key: %w", err)
	}
	return &KeyPair{
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})),
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}, nil
}

// PrivateKey decodes the principal's ECDSA private key.
func (p *Principal) PrivateKey() (*ecdsa.PrivateKey, error) {
	if p.Keys == nil || p.Keys.PrivateKeyPEM == "" {
		return nil, ErrMissingPrivateKey
	}
	block, _ := pem.Decode([]byte(p.Keys.PrivateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("principal: malformed private key PEM for %s", p.ID)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("principal: parse private key: %w", err)
	}
	return key, nil
}

// PublicKey decodes the principal's ECDSA public key.
func (p *Principal) PublicKey() (*ecdsa.PublicKey, error) {
	if p.Keys == nil || p.Keys.PublicKeyPEM == "" {
		return nil, fmt.Errorf("principal: no public key material for %s", p.ID)
	}
	block, _ := pem.Decode([]byte(p.Keys.PublicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("principal: malformed public key PEM for %s", p.ID)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("principal: parse public key: %w", err)
	}
	ec, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("principal: unexpected public key type %T", key)
	}
	return ec, nil
}
