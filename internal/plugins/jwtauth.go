package plugins

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/gateway/internal/plugin"
	"github.com/wudi/gateway/internal/reqctx"
)

// JWTAuthSchema is the config schema for jwt-auth.
const JWTAuthSchema = `{
	"type": "object",
	"properties": {
		"secret": {"type": "string"},
		"public_key": {"type": "string"},
		"algorithm": {"type": "string"},
		"issuer": {"type": "string"},
		"audience": {"type": "array", "items": {"type": "string"}}
	}
}`

// JWTAuth verifies a Bearer JWT and records the caller's claims on the
// request context. Grounded on internal/middleware/auth/jwt.go's JWTAuth,
// adapted from a config.JWTConfig-constructed middleware to a stateless
// plugin that rebuilds its verifier from each resolved config map (the
// Merge Engine gives every plugin a fresh map[string]any per request
// chain, so the HS/RS branching that used to happen once in NewJWTAuth
// now happens in keyFunc, built fresh per Rewrite call from cfg).
type JWTAuth struct{}

func NewJWTAuth() *JWTAuth { return &JWTAuth{} }

func (p *JWTAuth) Name() string { return "jwt-auth" }

func (p *JWTAuth) Rewrite(ctx *reqctx.Context, cfg map[string]any) (plugin.Result, error) {
	tokenString := extractBearerToken(ctx.Request)
	if tokenString == "" {
		return plugin.Stop(http.StatusUnauthorized, `{"error_msg":"Bearer token not provided"}`), nil
	}

	keyFunc, err := jwtKeyFunc(cfg)
	if err != nil {
		return plugin.Result{}, err
	}

	token, err := jwt.Parse(tokenString, keyFunc)
	if err != nil || !token.Valid {
		return plugin.Stop(http.StatusUnauthorized, `{"error_msg":"invalid token"}`), nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return plugin.Stop(http.StatusUnauthorized, `{"error_msg":"invalid token claims"}`), nil
	}

	if issuer, _ := cfg["issuer"].(string); issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != issuer {
			return plugin.Stop(http.StatusUnauthorized, `{"error_msg":"invalid token issuer"}`), nil
		}
	}

	if audiences := stringSlice(cfg["audience"]); len(audiences) > 0 {
		aud, _ := claims.GetAudience()
		if !containsAny(aud, audiences) {
			return plugin.Stop(http.StatusUnauthorized, `{"error_msg":"invalid token audience"}`), nil
		}
	}

	clientID := ""
	if sub, _ := claims.GetSubject(); sub != "" {
		clientID = sub
	} else if cid, ok := claims["client_id"].(string); ok {
		clientID = cid
	}

	ctx.Set(p.Name(), "client_id", clientID)
	ctx.Set(p.Name(), "claims", map[string]any(claims))
	return plugin.Continue(), nil
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}

func jwtKeyFunc(cfg map[string]any) (jwt.Keyfunc, error) {
	algorithm, _ := cfg["algorithm"].(string)
	if algorithm == "" {
		algorithm = "HS256"
	}

	switch {
	case strings.HasPrefix(algorithm, "HS"):
		secret := []byte(stringValue(cfg["secret"]))
		return func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		}, nil

	case strings.HasPrefix(algorithm, "RS"):
		pubPEM := stringValue(cfg["public_key"])
		if pubPEM == "" {
			return nil, fmt.Errorf("jwt-auth: RS algorithm requires public_key")
		}
		block, _ := pem.Decode([]byte(pubPEM))
		if block == nil {
			return nil, fmt.Errorf("jwt-auth: failed to parse PEM block containing public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt-auth: parse public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("jwt-auth: public key is not an RSA key")
		}
		return func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return rsaPub, nil
		}, nil

	default:
		return nil, fmt.Errorf("jwt-auth: unsupported algorithm %q", algorithm)
	}
}

func containsAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		if s, ok := v.([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
