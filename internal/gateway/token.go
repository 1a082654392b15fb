package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hyperengineering/lakesync/internal/adapter"
)

// Push and pull tokens are HS256-signed envelopes with two claims:
// sub (the client id) and gw (the gateway id the token is scoped to).
// A gateway only honours tokens minted for its own id.

// TokenIssuer mints client tokens against the shared secret.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

// Mint signs a token for clientID scoped to gatewayID.
func (i *TokenIssuer) Mint(clientID, gatewayID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": clientID,
		"gw":  gatewayID,
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// TokenVerifier validates tokens for one gateway.
type TokenVerifier struct {
	secret    []byte
	gatewayID string
}

// NewTokenVerifier creates a verifier scoped to gatewayID.
func NewTokenVerifier(secret []byte, gatewayID string) *TokenVerifier {
	return &TokenVerifier{secret: secret, gatewayID: gatewayID}
}

// Verify checks the signature and the gateway audience and returns the
// client id. Every failure maps to AUTH_FAILED; the cause is wrapped
// for logs but callers only branch on the code.
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", adapter.E(adapter.CodeAuthFailed, "verify token", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", adapter.E(adapter.CodeAuthFailed, "verify token", fmt.Errorf("unexpected claims type"))
	}
	gw, _ := claims["gw"].(string)
	if gw != v.gatewayID {
		return "", adapter.E(adapter.CodeAuthFailed, "verify token",
			fmt.Errorf("token scoped to gateway %q", gw))
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", adapter.E(adapter.CodeAuthFailed, "verify token", fmt.Errorf("missing sub claim"))
	}
	return sub, nil
}
