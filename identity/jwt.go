package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures a JWTVerifier.
type JWTConfig struct {
	// SigningMethod is HS256 or RS256 (default: HS256).
	SigningMethod string

	// Secret is the HMAC key for HS256.
	Secret string

	// PublicKey is the PEM-encoded RSA public key for RS256.
	PublicKey string

	// Issuer, when set, must match the iss claim.
	Issuer string

	// Audience, when set, must appear in the aud claim.
	Audience string

	// SubjectClaim names the claim holding the subject (default: "sub").
	SubjectClaim string

	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration
}

// JWTVerifier verifies signed JWTs locally.
type JWTVerifier struct {
	method       jwt.SigningMethod
	key          any
	subjectClaim string
	parser       *jwt.Parser
}

// NewJWTVerifier builds a verifier from cfg. The key material is parsed once here.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if cfg.SigningMethod == "" {
		cfg.SigningMethod = "HS256"
	}
	if cfg.SubjectClaim == "" {
		cfg.SubjectClaim = "sub"
	}

	v := &JWTVerifier{subjectClaim: cfg.SubjectClaim}

	switch strings.ToUpper(cfg.SigningMethod) {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("HS256 signing requires a secret")
		}
		v.method = jwt.SigningMethodHS256
		v.key = []byte(cfg.Secret)
	case "RS256":
		if cfg.PublicKey == "" {
			return nil, fmt.Errorf("RS256 signing requires a public key")
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("parse RSA public key: %w", err)
		}
		v.method = jwt.SigningMethodRS256
		v.key = key
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.SigningMethod)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	v.parser = jwt.NewParser(opts...)

	return v, nil
}

// Verify parses and validates token and returns its subject claim.
// Every failure is reported as ErrInvalidToken with the parser's reason wrapped in.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	subject, _ := claims[v.subjectClaim].(string)
	if subject == "" {
		return "", fmt.Errorf("%w: missing %s claim", ErrInvalidToken, v.subjectClaim)
	}
	return subject, nil
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (any, error) {
	if token.Method == nil || token.Method.Alg() != v.method.Alg() {
		return nil, fmt.Errorf("unexpected signing method")
	}
	return v.key, nil
}
