// Package auth validates bearer credentials and resolves the caller's role.
//
// The posture is default-deny: an unknown or unset role is treated as the
// least-privileged user role, and a failed role lookup is a distinct error
// that rejects the request rather than silently granting default access.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adflip/adflip/internal/retry"
)

type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
)

var (
	// ErrInvalidCredential: the bearer credential is unknown or malformed.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrRoleLookup: the role backend failed. Deliberately distinct from
	// "no role assigned" so a backend outage can never grant access.
	ErrRoleLookup = errors.New("role lookup failed")
)

// Identity is the authenticated caller. The core trusts OwnerID
// unconditionally after authentication.
type Identity struct {
	OwnerID uuid.UUID
	Role    Role
}

// Operator reports whether the identity may use operator-only surfaces.
func (id Identity) Operator() bool {
	return id.Role == RoleOperator
}

// Verifier validates a credential against the auth backend.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// Service wraps a Verifier with the shared retry policy, mirroring the
// applier's discipline for transient backend failures.
type Service struct {
	verifier Verifier
	policy   retry.Policy
}

// DefaultPolicy retries transient verifier failures twice with linear
// backoff. Credential and role-lookup errors are never retried.
func DefaultPolicy() retry.Policy {
	return retry.Linear(3, 500*time.Millisecond, func(err error) bool {
		if errors.Is(err, ErrInvalidCredential) || errors.Is(err, ErrRoleLookup) {
			return false
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return true
	})
}

func NewService(verifier Verifier, policy retry.Policy) *Service {
	return &Service{verifier: verifier, policy: policy}
}

// Authenticate resolves the credential to an identity. Unknown or unset
// roles are normalized down to RoleUser.
func (s *Service) Authenticate(ctx context.Context, credential string) (Identity, error) {
	var id Identity
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var verifyErr error
		id, verifyErr = s.verifier.Verify(ctx, credential)
		return verifyErr
	})
	if err != nil {
		return Identity{}, err
	}

	if id.Role != RoleOperator {
		id.Role = RoleUser
	}
	return id, nil
}

// StaticVerifier resolves credentials from a fixed in-process key set,
// loaded from configuration at startup.
type StaticVerifier struct {
	keys map[string]Identity
}

func NewStaticVerifier(keys map[string]Identity) *StaticVerifier {
	return &StaticVerifier{keys: keys}
}

func (v *StaticVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	id, ok := v.keys[credential]
	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	return id, nil
}

// ParseKeys parses the API_KEYS format: comma-separated
// "token:owner-uuid[:role]" entries. Unknown roles are rejected at load
// time rather than silently downgraded.
func ParseKeys(spec string) (map[string]Identity, error) {
	keys := make(map[string]Identity)
	if strings.TrimSpace(spec) == "" {
		return keys, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("malformed key entry %q", entry)
		}

		token := parts[0]
		if token == "" {
			return nil, fmt.Errorf("empty token in entry %q", entry)
		}
		ownerID, err := uuid.Parse(parts[1])
		if err != nil {
			return nil, fmt.Errorf("bad owner id in entry %q: %w", entry, err)
		}

		role := RoleUser
		if len(parts) == 3 {
			switch Role(parts[2]) {
			case RoleUser, RoleOperator:
				role = Role(parts[2])
			default:
				return nil, fmt.Errorf("unknown role %q in entry %q", parts[2], entry)
			}
		}

		keys[token] = Identity{OwnerID: ownerID, Role: role}
	}
	return keys, nil
}
