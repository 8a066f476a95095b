package registryclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dominodatalab/registry-gc/internal/pkg/errs"
)

func TestClassifyErr(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want error
	}{
		{"manifest unknown", "manifest unknown: manifest tag does not exist", errs.ErrImageNotFound},
		{"http 404", "received unexpected HTTP status: 404 Not Found", errs.ErrImageNotFound},
		{"unauthorized", "unauthorized: authentication required", errs.ErrRegistryAuth},
		{"401", "server message: 401", errs.ErrRegistryAuth},
		{"rate limited", "toomanyrequests: Too Many Requests.", errs.ErrRateLimited},
		{"connection reset", "read tcp: connection reset by peer", errs.ErrRegistryConnection},
		{"timeout", "context deadline exceeded (Client.Timeout exceeded while awaiting headers)", errs.ErrRegistryConnection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyErr(errors.New(tc.msg))
			require.ErrorIs(t, got, tc.want)
		})
	}
}

func TestClassifyErr_UnrecognizedPassesThrough(t *testing.T) {
	base := errors.New("some unrelated failure")
	got := classifyErr(base)
	require.Equal(t, base, got)
}

func TestCredentialSource_PriorityOrder(t *testing.T) {
	env := Credentials{Username: "env-user"}
	secretLookupCalled := false
	cs := CredentialSource{
		EnvCredentials: &env,
		SecretRef:      "my-secret",
		SecretLookup: func(context.Context, string) (Credentials, error) {
			secretLookupCalled = true
			return Credentials{Username: "secret-user"}, nil
		},
	}
	got, err := cs.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "env-user", got.Username, "explicit environment credentials take priority")
	require.False(t, secretLookupCalled)

	cs.EnvCredentials = nil
	got, err = cs.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "secret-user", got.Username)
	require.True(t, secretLookupCalled)
}

func TestCredentialSource_FallsBackToProviderCallback(t *testing.T) {
	cs := CredentialSource{
		RegistryURL: "123.dkr.ecr.us-east-1.amazonaws.com",
		ProviderCallback: func(_ context.Context, registryURL string) (Credentials, error) {
			return Credentials{Token: "provider-token"}, nil
		},
	}
	got, err := cs.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "provider-token", got.Token)
}

func TestRedacted_MasksSecrets(t *testing.T) {
	got := Redacted(Credentials{Username: "u", Password: "p", Token: "t"})
	require.Equal(t, "u", got.Username)
	require.Equal(t, "****", got.Password)
	require.Equal(t, "****", got.Token)
}
