package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// tokenAudience is the aud claim this service mints and accepts.
const tokenAudience = "filetree"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func errUnauthorized(format string, args ...any) *authError {
	return &authError{status: 401, code: "unauthorized", message: fmt.Sprintf(format, args...)}
}

func errForbidden(format string, args ...any) *authError {
	return &authError{status: 403, code: "forbidden", message: fmt.Sprintf(format, args...)}
}

// scopeSet decodes the scopes claim. Producers send either a JSON string
// array or a single space-separated string.
type scopeSet map[string]struct{}

func (s *scopeSet) UnmarshalJSON(data []byte) error {
	out := scopeSet{}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		for _, scope := range list {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
		*s = out
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return fmt.Errorf("scopes must be a string or a string array")
	}
	for _, scope := range strings.Fields(joined) {
		out[scope] = struct{}{}
	}
	*s = out
	return nil
}

func (s scopeSet) contains(scope string) bool {
	_, ok := s[scope]
	return ok
}

// tokenClaims is the payload minted for agents: the team the token is bound
// to, the acting agent's name, granted scopes and expiry.
type tokenClaims struct {
	TeamID    string   `json:"team_id"`
	AgentName string   `json:"agent_name"`
	Audience  string   `json:"aud"`
	Scopes    scopeSet `json:"scopes"`
	Exp       int64    `json:"exp"`
}

func (c tokenClaims) validate(now time.Time) *authError {
	if c.TeamID == "" {
		return errUnauthorized("token has no team binding")
	}
	if c.AgentName == "" {
		return errUnauthorized("token has no agent name")
	}
	if now.Unix() >= c.Exp {
		return errUnauthorized("token expired")
	}
	if c.Audience != tokenAudience {
		return errUnauthorized("token audience is not %q", tokenAudience)
	}
	if len(c.Scopes) == 0 {
		return errForbidden("token grants no scopes")
	}
	return nil
}

// authorizeBearer resolves the Authorization header into validated claims
// bound to teamID and holding requiredScope.
func authorizeBearer(authHeader, jwtSecret, teamID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, authErr := decodeBearer(authHeader, jwtSecret)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if authErr := claims.validate(now); authErr != nil {
		return tokenClaims{}, authErr
	}
	if teamID != "" && claims.TeamID != teamID {
		return tokenClaims{}, errForbidden("token is bound to another team")
	}
	if requiredScope != "" && !claims.Scopes.contains(requiredScope) {
		return tokenClaims{}, errForbidden("scope %s not granted", requiredScope)
	}
	return claims, nil
}

// decodeBearer checks token shape and signature only; claim values are
// judged by tokenClaims.validate.
func decodeBearer(authHeader, jwtSecret string) (tokenClaims, *authError) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return tokenClaims{}, errUnauthorized("missing bearer token")
	}
	segments := strings.Split(strings.TrimSpace(authHeader[len(prefix):]), ".")
	if len(segments) != 3 {
		return tokenClaims{}, errUnauthorized("malformed token")
	}
	var decoded [3][]byte
	for i, segment := range segments {
		raw, err := base64.RawURLEncoding.DecodeString(segment)
		if err != nil {
			return tokenClaims{}, errUnauthorized("malformed token segment %d", i+1)
		}
		decoded[i] = raw
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(decoded[0], &header); err != nil || header.Alg != "HS256" {
		return tokenClaims{}, errUnauthorized("token algorithm must be HS256")
	}
	if !hmac.Equal(decoded[2], signHS256(jwtSecret, segments[0]+"."+segments[1])) {
		return tokenClaims{}, errUnauthorized("token signature mismatch")
	}

	var claims tokenClaims
	if err := json.Unmarshal(decoded[1], &claims); err != nil {
		return tokenClaims{}, errUnauthorized("token payload is not valid json")
	}
	return claims, nil
}

func signHS256(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// verifyInternalHMAC authenticates service-to-service requests: the
// signature covers timestamp, a newline and the raw body, and the timestamp
// must fall inside the skew window in either direction.
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return errUnauthorized("missing signing headers")
	}
	issued, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return errUnauthorized("timestamp must be RFC3339")
	}
	if skew := now.Sub(issued); skew > maxSkew || skew < -maxSkew {
		return errUnauthorized("request timestamp outside accepted window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(signature))) {
		return errUnauthorized("signature mismatch")
	}
	return nil
}
