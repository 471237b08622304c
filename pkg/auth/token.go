// Package auth verifies the access tokens issued by the identity service.
// Buyers, sellers and admins all present the same HS256 token shape.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
)

// leeway absorbs clock skew between the identity service and this one.
const leeway = 30 * time.Second

var signingMethod = jwt.SigningMethodHS256

var errSecretRequired = errors.New("jwt secret is required")

type Claims struct {
	UserID uuid.UUID  `json:"user_id"`
	Role   enums.Role `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks signature, issuer and lifetime. A token signed with the
// previous secret is still accepted while a rotation rolls out.
type Verifier struct {
	keys   [][]byte
	parser *jwt.Parser
}

func NewVerifier(cfg config.JWTConfig) (*Verifier, error) {
	current := strings.TrimSpace(cfg.Secret)
	if current == "" {
		return nil, errSecretRequired
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("jwt issuer is required")
	}
	keys := [][]byte{[]byte(current)}
	if previous := strings.TrimSpace(cfg.PreviousSecret); previous != "" && previous != current {
		keys = append(keys, []byte(previous))
	}
	return &Verifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{signingMethod.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(leeway),
		),
	}, nil
}

// Verify returns the claims of a valid token.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	var lastErr error
	for _, key := range v.keys {
		claims := &Claims{}
		_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return key, nil })
		if err == nil {
			return claims, checkIdentity(claims)
		}
		lastErr = err
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	return nil, lastErr
}

func checkIdentity(c *Claims) error {
	switch {
	case c.UserID == uuid.Nil:
		return errors.New("token has no user_id")
	case !c.Role.IsValid():
		return fmt.Errorf("invalid role %q", c.Role)
	case c.Subject != "" && c.Subject != c.UserID.String():
		return errors.New("token subject does not match user_id")
	}
	return nil
}

// Mint signs a token with the current secret, for local tooling and tests.
func Mint(cfg config.JWTConfig, now time.Time, userID uuid.UUID, role enums.Role) (string, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return "", errSecretRequired
	}
	if cfg.ExpirationMinutes <= 0 {
		return "", errors.New("jwt expiration minutes must be positive")
	}
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(cfg.ExpirationMinutes) * time.Minute)),
			ID:        uuid.NewString(),
		},
	}
	if err := checkIdentity(claims); err != nil {
		return "", err
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString([]byte(strings.TrimSpace(cfg.Secret)))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}
