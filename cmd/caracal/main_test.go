package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"caracal", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "USAGE")
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"caracal", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command")
}

func TestSubcommandsRequireArgs(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"principal", []string{"caracal", "principal"}, "Usage"},
		{"principal register", []string{"caracal", "principal", "register"}, "--name"},
		{"mandate", []string{"caracal", "mandate"}, "Usage"},
		{"mandate issue", []string{"caracal", "mandate", "issue"}, "--issuer"},
		{"policy", []string{"caracal", "policy"}, "Usage"},
		{"policy create", []string{"caracal", "policy", "create"}, "--principal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			code := Run(tc.args, &out, &errOut)
			assert.Equal(t, 2, code)
			assert.True(t, strings.Contains(errOut.String(), tc.want), errOut.String())
		})
	}
}

func TestPrincipalRegisterAndList(t *testing.T) {
	t.Setenv("CARACAL_DATA_DIR", t.TempDir())

	var out, errOut bytes.Buffer
	code := Run([]string{"caracal", "principal", "register", "--name", "research-agent"}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "research-agent")

	out.Reset()
	code = Run([]string{"caracal", "principal", "list"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "research-agent")
}
