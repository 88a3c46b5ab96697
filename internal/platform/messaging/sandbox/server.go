// Package sandbox is a local stand-in for the ICAREdata messaging endpoint.
// It implements SMART backend-services token issuance and a validating
// $process-message operation so the extraction client can be exercised
// end to end without access to the real service.
package sandbox

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

const (
	fhirJSON            = "application/fhir+json"
	processMessageScope = "system/$process-message"
	tokenLifetime       = 5 * time.Minute
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// Config registers the single client the sandbox accepts.
type Config struct {
	ClientID  string
	PublicKey *rsa.PublicKey
	// SigningKey signs issued access tokens. A random key is used when empty.
	SigningKey []byte
}

// Server serves smart-configuration, /token and /$process-message.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	echo   *echo.Echo
	now    func() time.Time

	mu       sync.Mutex
	jtis     map[string]time.Time
	received []*fhir.Bundle
}

func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	if cfg.ClientID == "" || cfg.PublicKey == nil {
		return nil, errors.New("sandbox requires a client id and public key")
	}
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = []byte(uuid.NewString() + uuid.NewString())
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		echo:   echo.New(),
		now:    time.Now,
		jtis:   make(map[string]time.Time),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.GET("/.well-known/smart-configuration", s.handleSmartConfiguration)
	s.echo.POST("/token", s.handleToken)
	s.echo.POST("/$process-message", s.handleProcessMessage, s.requireBearer)
	return s, nil
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until the server is shut down.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("sandbox messaging endpoint listening")
	return s.echo.Start(addr)
}

// Received returns the message bundles accepted so far.
func (s *Server) Received() []*fhir.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fhir.Bundle(nil), s.received...)
}

func baseURL(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host
}

func (s *Server) handleSmartConfiguration(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"token_endpoint":                                    baseURL(c) + "/token",
		"token_endpoint_auth_methods_supported":             []string{"private_key_jwt"},
		"token_endpoint_auth_signing_alg_values_supported": []string{"RS384"},
		"grant_types_supported":                             []string{"client_credentials"},
		"scopes_supported":                                  []string{processMessageScope},
	})
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (s *Server) handleToken(c echo.Context) error {
	if gt := c.FormValue("grant_type"); gt != "client_credentials" {
		return c.JSON(http.StatusBadRequest, oauthError{Code: "unsupported_grant_type", Description: "grant_type must be client_credentials"})
	}
	if c.FormValue("client_assertion_type") != clientAssertionType {
		return c.JSON(http.StatusBadRequest, oauthError{Code: "invalid_request", Description: "client_assertion_type must be " + clientAssertionType})
	}
	if err := s.verifyAssertion(c.FormValue("client_assertion"), baseURL(c)+"/token"); err != nil {
		s.logger.Warn().Err(err).Msg("rejected client assertion")
		return c.JSON(http.StatusUnauthorized, oauthError{Code: "invalid_client", Description: err.Error()})
	}

	now := s.now()
	access := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   s.cfg.ClientID,
		"scope": processMessageScope,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
		"jti":   uuid.NewString(),
	})
	signed, err := access.SignedString(s.cfg.SigningKey)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, oauthError{Code: "server_error", Description: err.Error()})
	}
	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresIn:   int(tokenLifetime.Seconds()),
		Scope:       processMessageScope,
	})
}

// verifyAssertion checks a backend-services client assertion: RS384
// signature, iss == sub == client id, aud == token URL, unexpired, and a jti
// that has not been seen before.
func (s *Server) verifyAssertion(assertion, tokenURL string) error {
	if assertion == "" {
		return errors.New("client_assertion is required")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodRS384.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return s.cfg.PublicKey, nil
	}, jwt.WithExpirationRequired(), jwt.WithAudience(tokenURL), jwt.WithTimeFunc(s.now))
	if err != nil {
		return fmt.Errorf("verify assertion: %w", err)
	}

	iss, _ := claims["iss"].(string)
	sub, _ := claims["sub"].(string)
	if iss != s.cfg.ClientID || sub != iss {
		return fmt.Errorf("assertion iss/sub must be %q", s.cfg.ClientID)
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return errors.New("assertion missing jti claim")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return errors.New("assertion missing exp claim")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// An expired assertion fails verification anyway, so its jti can go.
	now := s.now()
	for id, expiry := range s.jtis {
		if now.After(expiry) {
			delete(s.jtis, id)
		}
	}
	if _, seen := s.jtis[jti]; seen {
		return fmt.Errorf("jti %q has already been used", jti)
	}
	s.jtis[jti] = exp.Time
	return nil
}

func (s *Server) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return s.fhirJSON(c, http.StatusUnauthorized, fhir.ErrorOutcome("bearer token required"))
		}
		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return s.cfg.SigningKey, nil
		}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
		if err != nil {
			return s.fhirJSON(c, http.StatusUnauthorized, fhir.ErrorOutcome("invalid access token: "+err.Error()))
		}
		return next(c)
	}
}

func (s *Server) handleProcessMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return s.reject(c, nil, "request body is empty")
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return s.reject(c, nil, "invalid JSON: "+err.Error())
	}
	header, violation := validateMessage(&bundle)
	if violation != "" {
		return s.reject(c, header, violation)
	}

	s.mu.Lock()
	s.received = append(s.received, &bundle)
	s.mu.Unlock()
	s.logger.Info().Str("bundle", bundle.ID).Msg("accepted message")
	return s.fhirJSON(c, http.StatusOK, responseMessage(header, "ok", ""))
}

// reject answers with the ICAREdata error shape: the response message
// bundle serialized as a string under errorMessage.
func (s *Server) reject(c echo.Context, header *fhir.MessageHeader, violation string) error {
	s.logger.Info().Str("violation", violation).Msg("rejected message")
	inner, err := json.Marshal(responseMessage(header, "fatal-error", violation))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusBadRequest, map[string]string{"errorMessage": string(inner)})
}

func (s *Server) fhirJSON(c echo.Context, status int, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, fhirJSON, data)
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
