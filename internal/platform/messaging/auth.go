package messaging

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 5 * time.Minute
)

// LoadPrivateKey reads a PEM encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// assertionSource obtains access tokens with the SMART backend-services
// client_credentials grant. Every token request carries a freshly signed
// RS384 client assertion.
type assertionSource struct {
	ctx        context.Context
	clientID   string
	keyID      string
	audience   string
	tokenURL   string
	scope      string
	key        *rsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time
}

func (s *assertionSource) Token() (*oauth2.Token, error) {
	assertion, err := s.sign()
	if err != nil {
		return nil, err
	}
	cc := &clientcredentials.Config{
		TokenURL:  s.tokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
		EndpointParams: map[string][]string{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		},
	}
	if s.scope != "" {
		cc.Scopes = []string{s.scope}
	}
	ctx := context.WithValue(s.ctx, oauth2.HTTPClient, s.httpClient)
	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	return tok, nil
}

func (s *assertionSource) sign() (string, error) {
	now := s.now()
	aud := s.audience
	if aud == "" {
		aud = s.tokenURL
	}
	claims := jwt.RegisteredClaims{
		Issuer:    s.clientID,
		Subject:   s.clientID,
		Audience:  jwt.ClaimStrings{aud},
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}
