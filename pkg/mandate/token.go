package mandate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"

	"github.com/caracal-dev/caracal/pkg/principal"
)

// Directory is the slice of the principal registry the mandate layer
// needs: key material lookup by principal ID.
type Directory interface {
	Get(id string) *principal.Principal
}

// signToken encodes and signs the claims ES256, with the issuer
// principal ID in the kid header so verifiers can locate the key.
func signToken(claims *Claims, issuer *principal.Principal) (string, error) {
	key, err := issuer.PrivateKey()
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = issuer.ID
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("mandate: sign token: %w", err)
	}
	return signed, nil
}

// parseToken verifies the signature against the kid principal's public
// key. Claim validation (time, audience, revocation) is done by the
// caller so each failure keeps a distinct error kind.
func parseToken(raw string, dir Directory) (*Claims, error) {
	keyfn := func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: no kid header", ErrMalformed)
		}
		issuer := dir.Get(kid)
		if issuer == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, kid)
		}
		return issuer.PublicKey()
	}

	tok, err := jwt.ParseWithClaims(raw, &Claims{}, keyfn,
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithoutClaimsValidation())
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownIssuer), errors.Is(err, ErrMalformed):
			return nil, err
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok {
		return nil, ErrMalformed
	}
	return claims, nil
}

// canonicalClaimsHash returns the SHA-256 hex digest of the RFC 8785
// canonical form of the claim set. Stored alongside the record so a
// token can be matched to its record byte-for-byte.
func canonicalClaimsHash(claims *Claims) (string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("mandate: marshal claims: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("mandate: canonicalize claims: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
