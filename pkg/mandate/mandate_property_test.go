//go:build property
// +build property

package mandate_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/caracal-dev/caracal/pkg/mandate"
	"github.com/caracal-dev/caracal/pkg/principal"
)

// Property: any mandate issued by a registered principal validates,
// and the claims round-trip the issuance inputs exactly.
func TestTokenRoundTripProperty(t *testing.T) {
	dir := t.TempDir()
	registry, err := principal.NewRegistry(filepath.Join(dir, "principals.json"))
	require.NoError(t, err)
	issuer, err := registry.Register(principal.RegisterRequest{Name: "issuer", GenerateKeys: true})
	require.NoError(t, err)
	subject, err := registry.Register(principal.RegisterRequest{Name: "subject", GenerateKeys: true})
	require.NoError(t, err)

	mgr, err := mandate.NewManager(filepath.Join(dir, "mandates.json"), registry)
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("issued tokens validate with matching claims", prop.ForAll(
		func(op, resource string) bool {
			token, rec, err := mgr.Issue(mandate.IssueRequest{
				IssuerID:   issuer.ID,
				SubjectID:  subject.ID,
				Operations: []string{"op-" + op},
				Resources:  []string{"api:" + resource + ":*"},
				Validity:   time.Hour,
			})
			if err != nil {
				return false
			}

			claims, err := mgr.Validate(token)
			if err != nil {
				return false
			}
			return claims.ID == rec.ID &&
				claims.Issuer == issuer.ID &&
				claims.Subject == subject.ID &&
				len(claims.AllowedOperations) == 1 &&
				claims.AllowedOperations[0] == "op-"+op
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
	))

	properties.TestingRun(t)
}
