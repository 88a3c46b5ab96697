// Package messaging talks to the ICAREdata FHIR messaging endpoint.
package messaging

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/icaredata/icare-extract/internal/config"
	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

// ProcessMessageScope is the scope the endpoint must advertise.
const ProcessMessageScope = "system/$process-message"

const smartConfigurationPath = ".well-known/smart-configuration"

// SmartConfiguration is the subset of the SMART discovery document used here.
type SmartConfiguration struct {
	TokenEndpoint   string   `json:"token_endpoint"`
	ScopesSupported []string `json:"scopes_supported"`
}

// Client submits message bundles. Discovery requests are unauthenticated;
// process-message requests carry a bearer token obtained with a signed
// client assertion.
type Client struct {
	baseURL  *url.URL
	cfg      config.AWSConfig
	key      *rsa.PrivateKey
	logger   zerolog.Logger
	http     *http.Client
	public   fhirclient.Client
	authed   fhirclient.Client
	mu       sync.Mutex
	smart    *SmartConfiguration
	tokens   oauth2.TokenSource
	now      func() time.Time
	tokenCtx context.Context
}

// New builds a client from the awsConfig section. The private key is read
// from cfg.PrivateKeyPath.
func New(cfg config.AWSConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: awsConfig.baseURL is required", config.ErrInvalidConfig)
	}
	key, err := LoadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return NewWithKey(cfg, key, logger)
}

// NewWithKey builds a client with an already loaded signing key.
func NewWithKey(cfg config.AWSConfig, key *rsa.PrivateKey, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("%w: awsConfig.baseURL: %v", config.ErrInvalidConfig, err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL:  base,
		cfg:      cfg,
		key:      key,
		logger:   logger,
		http:     &http.Client{Timeout: timeout},
		now:      time.Now,
		tokenCtx: context.Background(),
	}
	c.public = fhirclient.New(base, &http.Client{Timeout: timeout}, clientConfig())
	c.authed = fhirclient.New(base, &http.Client{
		Timeout:   timeout,
		Transport: &oauth2.Transport{Source: tokenSourceFunc(c.token)},
	}, clientConfig())
	return c, nil
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

// CanSendMessage reports whether the endpoint advertises the
// process-message scope.
func (c *Client) CanSendMessage(ctx context.Context) (bool, error) {
	sc, err := c.discover(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range sc.ScopesSupported {
		if s == ProcessMessageScope {
			return true, nil
		}
	}
	return false, nil
}

// Authorize obtains an access token, failing when the token endpoint
// rejects the client.
func (c *Client) Authorize(ctx context.Context) error {
	if _, err := c.discover(ctx); err != nil {
		return err
	}
	tok, err := c.token()
	if err != nil {
		return err
	}
	c.logger.Debug().Time("expiry", tok.Expiry).Msg("messaging client authorized")
	return nil
}

// ProcessMessage posts a message bundle to $process-message. Rejections are
// returned as *ResponseError carrying the response body.
func (c *Client) ProcessMessage(ctx context.Context, bundle *fhir.Bundle) error {
	ctx, rec := withRecorder(ctx)
	var response map[string]interface{}
	err := c.authed.Create(bundle, &response, fhirclient.AtPath("/$process-message"), withContext(ctx))
	if err == nil {
		return nil
	}
	if rec.status != 0 {
		return &ResponseError{StatusCode: rec.status, Body: rec.body, Err: err}
	}
	return fmt.Errorf("process message: %w", err)
}

func (c *Client) discover(ctx context.Context) (*SmartConfiguration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.smart != nil {
		return c.smart, nil
	}

	ctx, rec := withRecorder(ctx)
	var sc SmartConfiguration
	if err := c.public.Read(smartConfigurationPath, &sc, withContext(ctx)); err != nil {
		if rec.status != 0 {
			return nil, &ResponseError{StatusCode: rec.status, Body: rec.body, Err: err}
		}
		return nil, fmt.Errorf("read smart configuration: %w", err)
	}
	if sc.TokenEndpoint == "" {
		return nil, errors.New("smart configuration has no token_endpoint")
	}
	c.smart = &sc
	c.tokens = oauth2.ReuseTokenSource(nil, &assertionSource{
		ctx:        c.tokenCtx,
		clientID:   c.cfg.ClientID,
		keyID:      c.cfg.KeyID,
		audience:   c.cfg.Aud,
		tokenURL:   sc.TokenEndpoint,
		scope:      c.cfg.Scope,
		key:        c.key,
		httpClient: c.http,
		now:        c.now,
	})
	return c.smart, nil
}

func (c *Client) token() (*oauth2.Token, error) {
	c.mu.Lock()
	tokens := c.tokens
	c.mu.Unlock()
	if tokens == nil {
		return nil, errors.New("messaging client is not authorized, call Authorize first")
	}
	return tokens.Token()
}

// CheckAuthentication verifies that the configured endpoint advertises the
// process-message scope and accepts this client's credentials.
func CheckAuthentication(ctx context.Context, cfg config.AWSConfig, logger zerolog.Logger) error {
	c, err := New(cfg, logger)
	if err != nil {
		return err
	}
	ok, err := c.CanSendMessage(ctx)
	if err != nil {
		return fmt.Errorf("check messaging scope: %w", err)
	}
	if !ok {
		return fmt.Errorf("the server does not provide the %q scope", ProcessMessageScope)
	}
	if err := c.Authorize(ctx); err != nil {
		return fmt.Errorf("could not authorize messaging client: %w", err)
	}
	logger.Info().Str("baseURL", cfg.BaseURL).Msg("successfully authenticated with the messaging endpoint")
	return nil
}
