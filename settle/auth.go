package settle

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthProvider injects credentials into outbound facilitator requests.
type AuthProvider interface {
	Apply(req *http.Request) error
}

// StaticBearer sends a fixed bearer token on every request.
type StaticBearer string

// Apply sets the Authorization header.
func (t StaticBearer) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+string(t))
	return nil
}

// JWTBearer mints a short-lived HS256 token per request, for facilitators
// that require signed service identities instead of static keys.
type JWTBearer struct {
	Secret  []byte
	Issuer  string
	Subject string

	// TTL bounds each token's validity; defaults to one minute.
	TTL time.Duration

	// Now substitutes the token clock in tests.
	Now func() time.Time
}

// Apply signs a fresh token and sets the Authorization header.
func (j *JWTBearer) Apply(req *http.Request) error {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	ttl := j.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	issued := now()
	claims := jwt.RegisteredClaims{
		Issuer:    j.Issuer,
		Subject:   j.Subject,
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.Secret)
	if err != nil {
		return fmt.Errorf("failed to sign facilitator token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	return nil
}
