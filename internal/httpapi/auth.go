package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	tokenAudience = "invoicerelay"

	headerTimestamp = "X-Relay-Timestamp"
	headerSignature = "X-Relay-Signature"

	ScopeScan         = "admin:scan"
	ScopeRecordsRead  = "records:read"
	ScopeRecordsWrite = "records:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

func (c tokenClaims) has(scope string) bool {
	if _, ok := c.Scopes[scope]; ok {
		return true
	}
	// records:write implies read access.
	if scope == ScopeRecordsRead {
		_, ok := c.Scopes[ScopeRecordsWrite]
		return ok
	}
	return false
}

// authorizeBearer checks an HS256 operator token carrying sub, exp, aud and
// scopes claims.
func authorizeBearer(authHeader, secret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" && !claims.has(requiredScope) {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(signature, sign(secret, parts[0]+"."+parts[1])) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload map[string]any
	if err := decodeSegment(parts[1], &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	subject, _ := payload["sub"].(string)
	if subject == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if !audienceMatches(payload["aud"]) {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	scopes := parseScopes(payload["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{Subject: subject, Scopes: scopes, Exp: exp}, nil
}

func decodeSegment(segment string, dst any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func sign(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func audienceMatches(v any) bool {
	switch typed := v.(type) {
	case string:
		return typed == tokenAudience
	case []any:
		for _, item := range typed {
			if aud, ok := item.(string); ok && aud == tokenAudience {
				return true
			}
		}
	}
	return false
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}

// verifyWebhook checks the signature event producers attach to pushed
// notifications: hex(HMAC-SHA256(secret, timestamp + "\n" + body)) with an
// RFC 3339 timestamp inside the allowed skew.
func verifyWebhook(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing webhook signature headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid webhook timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("webhook outside replay window")
	}
	expected := hex.EncodeToString(sign(secret, timestamp+"\n"+string(body)))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return unauthorized("webhook signature mismatch")
	}
	return nil
}
