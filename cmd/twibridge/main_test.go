package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprucehealth/twibridge/carrier"
	"github.com/sprucehealth/twibridge/carrier/carriertest"
	"github.com/sprucehealth/twibridge/config"
	"github.com/sprucehealth/twibridge/credential"
	"github.com/sprucehealth/twibridge/model"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func clearCarrierEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		config.KeyAccountSID, config.KeyAuthToken, config.KeyAPIKeySID, config.KeyAPIKeySecret,
		config.KeyNumberA, config.KeyNumberB, config.KeyValidateWebhooks, config.KeyBackendURL,
	} {
		t.Setenv(k, "")
	}
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	assert.Equal(t, "twibridge", root.Use)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "check-auth", "simulate"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestSimulateOutbound(t *testing.T) {
	clearCarrierEnv(t)

	out, err := executeCommand(newRootCmd(), "simulate", "outbound", "--env-file", "does-not-exist.env")
	require.NoError(t, err)
	assert.Contains(t, out, "placed with auth_token")
	assert.Contains(t, out, "bridge dialed +12025550123 from "+simNumberA)
	assert.Contains(t, out, string(model.EventCallInitiated))
	assert.Contains(t, out, string(model.EventCallStatus))
	assert.Contains(t, out, `"bridged": true`)
	assert.Contains(t, out, `"ended_at"`)
}

func TestSimulateOutboundFallback(t *testing.T) {
	clearCarrierEnv(t)

	out, err := executeCommand(newRootCmd(), "simulate", "outbound", "--reject-auth-token", "--env-file", "does-not-exist.env")
	require.NoError(t, err)
	assert.Contains(t, out, "placed with api_key")
	assert.Contains(t, out, string(model.EventAuthStatus))
}

func TestSimulateIncoming(t *testing.T) {
	clearCarrierEnv(t)

	out, err := executeCommand(newRootCmd(), "simulate", "incoming", "--line", "b", "--env-file", "does-not-exist.env")
	require.NoError(t, err)
	assert.Contains(t, out, "forwarded to "+simNumberA+" from "+simNumberB)
	assert.Contains(t, out, string(model.EventIncomingCall))
	assert.Contains(t, out, `"which":"B"`)

	_, err = executeCommand(newRootCmd(), "simulate", "incoming", "--line", "c")
	assert.Error(t, err)
}

func TestRunCheckAuth(t *testing.T) {
	cfg := config.Config{
		AccountSID:   "AC1",
		AuthToken:    "tok",
		APIKeySID:    "SK1",
		APIKeySecret: "sec",
		NumberA:      simNumberA,
		NumberB:      simNumberB,
	}
	factory := func(rejected ...model.AuthMethod) credential.Factory {
		return func(set credential.Set) (carrier.Client, error) {
			c := carriertest.NewClient(set.Method)
			for _, m := range rejected {
				if m == set.Method {
					c.AccountFunc = func() (*carrier.Account, error) { return nil, carriertest.AuthFailure() }
				}
			}
			return c, nil
		}
	}

	t.Run("fallback accepted", func(t *testing.T) {
		var out bytes.Buffer
		sel := credential.NewSelector(credentialsFrom(cfg), factory(model.AuthToken))
		require.NoError(t, runCheckAuth(context.Background(), &out, cfg, sel))
		assert.Contains(t, out.String(), "failed")
		assert.Contains(t, out.String(), "authorization")
		assert.Equal(t, model.AuthNone, sel.StatusSnapshot().CurrentAuthMethod, "verification must not pin a method")
	})

	t.Run("all rejected", func(t *testing.T) {
		var out bytes.Buffer
		sel := credential.NewSelector(credentialsFrom(cfg), factory(model.AuthToken, model.AuthAPIKey))
		err := runCheckAuth(context.Background(), &out, cfg, sel)
		assert.True(t, errors.Is(err, errCheckFailed))
	})

	t.Run("missing number", func(t *testing.T) {
		var out bytes.Buffer
		bad := cfg
		bad.NumberB = ""
		sel := credential.NewSelector(credentialsFrom(bad), factory())
		err := runCheckAuth(context.Background(), &out, bad, sel)
		assert.True(t, errors.Is(err, errCheckFailed))
		assert.True(t, strings.Contains(out.String(), "missing"))
	})
}
