// Package credential implements the four-tier credential resolution
// chain: vault name, direct node-config parameter, execution-context
// variable, then environment variable, in that order, the first
// non-empty hit winning. The vault tier accepts any Backend
// implementation, passed to NewResolver. The sensitive-value
// masking rule is mirrored in internal/telemetry's redacting log
// handler.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/casarerpa/core/internal/errs"
)

// VaultConnectionError indicates the configured Backend could not be
// reached at all (distinct from SecretNotFoundError, which means the
// backend answered but had nothing under that name).
type VaultConnectionError struct {
	Backend string
	Cause   error
}

func (e *VaultConnectionError) Error() string {
	return fmt.Sprintf("credential: backend %q unreachable: %v", e.Backend, e.Cause)
}

func (e *VaultConnectionError) Unwrap() error { return e.Cause }

// SecretNotFoundError indicates the backend was reachable but has no
// secret under the requested name.
type SecretNotFoundError struct {
	Name string
}

func (e *SecretNotFoundError) Error() string {
	return fmt.Sprintf("credential: secret %q not found", e.Name)
}

// SecretAccessDeniedError indicates the backend refused the read, e.g.
// an expired or unauthorized vault token.
type SecretAccessDeniedError struct {
	Name string
}

func (e *SecretAccessDeniedError) Error() string {
	return fmt.Sprintf("credential: access denied for secret %q", e.Name)
}

// ctxVariableReader is the minimal slice of nodeplugin.Context a resolver
// needs from the execution context tier, kept narrow to avoid importing
// either engine or nodeplugin from this package.
type ctxVariableReader interface {
	Variable(name string) (any, bool)
}

// Backend is a pluggable secret store. Field is backend-specific (e.g.
// "password", "api_key", "") and may be ignored by implementations that
// store one opaque value per name.
type Backend interface {
	Get(ctx context.Context, name, field string) (string, error)
	IsConnected(ctx context.Context) bool
}

// Resolver implements the four-tier chain. Vault is optional: a nil
// Vault skips tier one and falls through to the remaining tiers, which
// lets local/dev runs operate without any backend configured.
type Resolver struct {
	Vault Backend
}

// NewResolver builds a resolver around an optional vault backend.
func NewResolver(vault Backend) *Resolver {
	return &Resolver{Vault: vault}
}

// Resolve looks up a credential named `name` (optionally dotted with a
// field, e.g. "db_creds.password") in tier order:
//
//  1. vault backend, keyed by name/field
//  2. a node-config parameter or context variable literally named
//     name+"_"+field (or just name if field is empty)
//  3. an environment variable named strings.ToUpper(name+"_"+field)
//     (or strings.ToUpper(name) if field is empty)
//
// The execution-context tier and the direct-parameter tier are
// collapsed into tier two here because both ultimately resolve through
// ctxVariableReader.Variable -- config values are seeded into the
// context as variables before the node runs.
func (r *Resolver) Resolve(ctx ctxVariableReader, name, field string) (string, error) {
	if r.Vault != nil {
		v, err := r.resolveVault(name, field)
		if err == nil && v != "" {
			return v, nil
		}
		if err != nil {
			var notFound *SecretNotFoundError
			if !errors.As(err, &notFound) {
				return "", err
			}
		}
	}

	key := varKey(name, field)
	if ctx != nil {
		if v, ok := ctx.Variable(key); ok {
			if s, ok := v.(string); ok && s != "" {
				return s, nil
			}
		}
	}

	envKey := strings.ToUpper(key)
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}

	return "", errs.New(errs.KindCredentialNotFound, fmt.Sprintf("no credential resolved for %q (tried vault, context, env %s)", key, envKey))
}

func (r *Resolver) resolveVault(name, field string) (string, error) {
	if !r.Vault.IsConnected(context.Background()) {
		return "", &VaultConnectionError{Backend: fmt.Sprintf("%T", r.Vault)}
	}
	return r.Vault.Get(context.Background(), name, field)
}

func varKey(name, field string) string {
	if field == "" {
		return name
	}
	return name + "_" + field
}
