package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// AllFacilities in a facility scope grants access to every facility.
const AllFacilities = "*"

// Identity is the resolved actor behind a request.
type Identity struct {
	UserID        string
	Role          workflow.Role
	FacilityScope []string
}

// InScope reports whether the identity may act on facilityID.
func (i *Identity) InScope(facilityID string) bool {
	for _, f := range i.FacilityScope {
		if f == AllFacilities || f == facilityID {
			return true
		}
	}
	return false
}

// WorkflowClaims are the JWT claims the service accepts. The subject is the
// user id.
type WorkflowClaims struct {
	jwt.RegisteredClaims
	Role          string   `json:"role"`
	FacilityScope []string `json:"facility_scope"`
}

// JWTIdentityResolver validates HS256 tokens signed with a shared secret.
type JWTIdentityResolver struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTIdentityResolver creates a resolver. An empty issuer disables the
// issuer check.
func NewJWTIdentityResolver(secret, issuer string) *JWTIdentityResolver {
	return &JWTIdentityResolver{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Resolve validates the token and maps its claims onto an Identity.
func (r *JWTIdentityResolver) Resolve(_ context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.now),
		jwt.WithExpirationRequired(),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := &WorkflowClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid or expired token")
	}
	if !parsed.Valid {
		return nil, errors.New(errors.ErrCodeUnauthorized, "invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "token subject is required")
	}
	role, err := workflow.ParseRole(claims.Role)
	if err != nil {
		return nil, errors.New(errors.ErrCodeUnauthorized, "token carries an unknown role")
	}

	return &Identity{
		UserID:        claims.Subject,
		Role:          role,
		FacilityScope: claims.FacilityScope,
	}, nil
}

// Issue signs a token for id that expires after ttl. Used by tests and local
// tooling; production tokens come from the identity provider.
func (r *JWTIdentityResolver) Issue(id Identity, ttl time.Duration) (string, error) {
	now := r.now()
	claims := WorkflowClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:          string(id.Role),
		FacilityScope: id.FacilityScope,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// StaticIdentityResolver maps fixed tokens to identities.
type StaticIdentityResolver struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

// NewStaticIdentityResolver creates an empty resolver.
func NewStaticIdentityResolver() *StaticIdentityResolver {
	return &StaticIdentityResolver{identities: make(map[string]Identity)}
}

// Add registers token for id.
func (r *StaticIdentityResolver) Add(token string, id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[token] = id
}

func (r *StaticIdentityResolver) Resolve(_ context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[token]
	if !ok {
		return nil, errors.New(errors.ErrCodeUnauthorized, "unknown token")
	}
	return &id, nil
}
