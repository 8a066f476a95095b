package registryclient

import (
	"context"
	"fmt"
)

// Credentials is a resolved username/password or bearer token pair ready to
// be attached to a containers/image types.SystemContext.
type Credentials struct {
	Username string
	Password string
	Token    string // bearer token, mutually exclusive with Username/Password
}

// SecretLookup resolves a named secret from the orchestration platform's
// secret store (e.g. a Kubernetes Secret) into credentials.
type SecretLookup func(ctx context.Context, secretRef string) (Credentials, error)

// ProviderTokenCallback obtains credentials from an object-storage
// provider's own authentication flow (e.g. ECR/ACR token exchange). The
// spec treats acquisition of the token itself as an external collaborator
// — this is only the seam the registry client calls through.
type ProviderTokenCallback func(ctx context.Context, registryURL string) (Credentials, error)

// CredentialSource resolves Credentials for a registry in priority order:
// explicit environment, named secret store reference, then
// object-storage-provider callback, per spec.md §4.1.
type CredentialSource struct {
	EnvCredentials   *Credentials // set directly from environment by the caller; nil if absent
	SecretRef        string
	SecretLookup     SecretLookup
	ProviderCallback ProviderTokenCallback
	RegistryURL      string
}

// Resolve returns the first available credential, in the documented
// priority order.
func (c CredentialSource) Resolve(ctx context.Context) (Credentials, error) {
	if c.EnvCredentials != nil {
		return *c.EnvCredentials, nil
	}
	if c.SecretRef != "" && c.SecretLookup != nil {
		creds, err := c.SecretLookup(ctx, c.SecretRef)
		if err != nil {
			return Credentials{}, fmt.Errorf("resolving secret %q: %w", c.SecretRef, err)
		}
		return creds, nil
	}
	if c.ProviderCallback != nil {
		creds, err := c.ProviderCallback(ctx, c.RegistryURL)
		if err != nil {
			return Credentials{}, fmt.Errorf("resolving provider token for %q: %w", c.RegistryURL, err)
		}
		return creds, nil
	}
	return Credentials{}, nil
}

// Redacted returns a copy of creds safe to include in a logged command
// invocation: the password/token replaced with a fixed-width mask, per the
// spec's requirement that credentials never appear in logs.
func Redacted(c Credentials) Credentials {
	out := c
	if out.Password != "" {
		out.Password = "****"
	}
	if out.Token != "" {
		out.Token = "****"
	}
	return out
}
