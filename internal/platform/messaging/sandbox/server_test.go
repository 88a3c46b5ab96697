package sandbox

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

func newTestServer(t *testing.T) (*Server, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := New(Config{ClientID: "client-1", PublicKey: &key.PublicKey, SigningKey: []byte("test-secret")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s, key
}

func signAssertion(t *testing.T, key *rsa.PrivateKey, method jwt.SigningMethod, iss, aud, jti string) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(method, jwt.MapClaims{
		"iss": iss,
		"sub": iss,
		"aud": aud,
		"exp": now.Add(time.Minute).Unix(),
		"jti": jti,
	})
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func postToken(s *Server, assertion string) *httptest.ResponseRecorder {
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
	}
	req := httptest.NewRequest(http.MethodPost, "http://sandbox.local/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestSmartConfiguration(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "http://sandbox.local/.well-known/smart-configuration", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var doc struct {
		TokenEndpoint string   `json:"token_endpoint"`
		Scopes        []string `json:"scopes_supported"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.TokenEndpoint != "http://sandbox.local/token" {
		t.Errorf("unexpected token endpoint %q", doc.TokenEndpoint)
	}
	if len(doc.Scopes) != 1 || doc.Scopes[0] != processMessageScope {
		t.Errorf("unexpected scopes %v", doc.Scopes)
	}
}

func TestToken(t *testing.T) {
	s, key := newTestServer(t)
	aud := "http://sandbox.local/token"

	t.Run("issues bearer token", func(t *testing.T) {
		rec := postToken(s, signAssertion(t, key, jwt.SigningMethodRS384, "client-1", aud, uuid.NewString()))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var tr tokenResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if tr.AccessToken == "" || tr.TokenType != "bearer" || tr.Scope != processMessageScope {
			t.Errorf("unexpected token response %+v", tr)
		}
	})

	t.Run("rejects replayed jti", func(t *testing.T) {
		jti := uuid.NewString()
		if rec := postToken(s, signAssertion(t, key, jwt.SigningMethodRS384, "client-1", aud, jti)); rec.Code != http.StatusOK {
			t.Fatalf("first use: expected 200, got %d", rec.Code)
		}
		if rec := postToken(s, signAssertion(t, key, jwt.SigningMethodRS384, "client-1", aud, jti)); rec.Code != http.StatusUnauthorized {
			t.Fatalf("replay: expected 401, got %d", rec.Code)
		}
	})

	rejected := map[string]string{
		"wrong issuer":   signAssertion(t, key, jwt.SigningMethodRS384, "client-2", aud, uuid.NewString()),
		"wrong audience": signAssertion(t, key, jwt.SigningMethodRS384, "client-1", "http://elsewhere/token", uuid.NewString()),
		"wrong alg":      signAssertion(t, key, jwt.SigningMethodRS256, "client-1", aud, uuid.NewString()),
		"missing jti":    signAssertion(t, key, jwt.SigningMethodRS384, "client-1", aud, ""),
		"empty":          "",
	}
	for name, assertion := range rejected {
		t.Run(name, func(t *testing.T) {
			if rec := postToken(s, assertion); rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestProcessMessage_RequiresBearer(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "http://sandbox.local/$process-message", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func accessToken(t *testing.T, s *Server, key *rsa.PrivateKey) string {
	t.Helper()
	rec := postToken(s, signAssertion(t, key, jwt.SigningMethodRS384, "client-1", "http://sandbox.local/token", uuid.NewString()))
	var tr tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return tr.AccessToken
}

func TestProcessMessage_RejectionShape(t *testing.T) {
	s, key := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "http://sandbox.local/$process-message",
		strings.NewReader(`{"resourceType":"Bundle","type":"collection","entry":[]}`))
	req.Header.Set("Authorization", "Bearer "+accessToken(t, s, key))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var envelope struct {
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var inner map[string]interface{}
	if err := json.Unmarshal([]byte(envelope.ErrorMessage), &inner); err != nil {
		t.Fatalf("errorMessage is not a JSON document: %v", err)
	}
	texts, err := fhir.NewFHIRPathEngine().Evaluate(inner, "Bundle.entry[1].resource.issue.details.text")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(texts) != 1 || !strings.Contains(texts[0].(string), "must be message") {
		t.Errorf("unexpected violation text %v", texts)
	}
}

func TestVerifyAssertion_ForgetsExpiredJTIs(t *testing.T) {
	s, key := newTestServer(t)
	const aud = "http://sandbox.local/token"
	start := time.Now()
	s.now = func() time.Time { return start }

	sign := func(jti string, exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS384, jwt.MapClaims{
			"iss": "client-1", "sub": "client-1", "aud": aud, "exp": exp.Unix(), "jti": jti,
		})
		signed, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return signed
	}

	first := sign("first", start.Add(time.Minute))
	if err := s.verifyAssertion(first, aud); err != nil {
		t.Fatalf("first assertion: %v", err)
	}
	if err := s.verifyAssertion(first, aud); err == nil {
		t.Fatal("expected a replayed jti to be rejected")
	}

	s.now = func() time.Time { return start.Add(2 * time.Minute) }
	if err := s.verifyAssertion(sign("second", start.Add(5*time.Minute)), aud); err != nil {
		t.Fatalf("second assertion: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, kept := s.jtis["second"]; len(s.jtis) != 1 || !kept {
		t.Errorf("expected only the unexpired jti to be tracked, got %v", s.jtis)
	}
}
