package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType discriminates access and refresh tokens inside the signed payload.
type TokenType string

const (
	// TypeAccess marks short-lived bearer tokens.
	TypeAccess TokenType = "access"
	// TypeRefresh marks rotation-bearing refresh tokens.
	TypeRefresh TokenType = "refresh"
)

// SigningMethod selects the signature algorithm for the codec.
type SigningMethod string

const (
	// MethodEd25519 is the default asymmetric method: the private key signs,
	// the public key verifies, so verification can be distributed without
	// sharing signing material.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 is a symmetric fallback for single-process deployments.
	MethodHS256 SigningMethod = "hs256"
)

var (
	// ErrSigningFailed reports key or algorithm misconfiguration during Sign.
	ErrSigningFailed = errors.New("token signing failed")
	// ErrInvalidToken reports a malformed token, a bad signature, or a
	// token-type mismatch.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken reports a token whose exp claim has lapsed. It is kept
	// distinct from ErrInvalidToken so callers can distinguish "log in again"
	// from "token tampered".
	ErrExpiredToken = errors.New("token expired")
)

// Config defines codec key material and validation policy.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// Codec signs and verifies JWT-shaped payloads. It is stateless and safe for
// concurrent use.
type Codec struct {
	config Config
}

// Payload is the decoded, trusted view of a token. It is never persisted as a
// unit; stores keep only the jti and a subset of fields.
type Payload struct {
	JTI       string
	Subject   string
	Issuer    string
	Audience  string
	TokenType TokenType
	DeviceID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	NotBefore time.Time
	Custom    map[string]string
}

type signedClaims struct {
	TokenType string            `json:"typ"`
	DeviceID  string            `json:"did,omitempty"`
	Custom    map[string]string `json:"cst,omitempty"`
	jwt.RegisteredClaims
}

// NewCodec validates the configuration and returns a ready codec.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.RefreshTTL < cfg.AccessTTL {
		return nil, errors.New("refresh TTL must not be shorter than access TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	return &Codec{config: cfg}, nil
}

// TTL returns the configured lifetime for the given token type.
func (c *Codec) TTL(tokenType TokenType) time.Duration {
	if tokenType == TypeRefresh {
		return c.config.RefreshTTL
	}
	return c.config.AccessTTL
}

// Sign serializes and signs a payload as the given token type. Zero IssuedAt
// and ExpiresAt are filled from the codec clock and the type's configured TTL.
func (c *Codec) Sign(p *Payload, tokenType TokenType) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil payload", ErrSigningFailed)
	}
	if p.JTI == "" || p.Subject == "" {
		return "", fmt.Errorf("%w: payload requires jti and subject", ErrSigningFailed)
	}

	now := time.Now()
	issuedAt := p.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = now
	}
	expiresAt := p.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = issuedAt.Add(c.TTL(tokenType))
	}

	claims := signedClaims{
		TokenType: string(tokenType),
		DeviceID:  p.DeviceID,
		Custom:    p.Custom,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.JTI,
			Subject:   p.Subject,
			Issuer:    c.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if !p.NotBefore.IsZero() {
		claims.NotBefore = jwt.NewNumericDate(p.NotBefore)
	}
	if c.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{c.config.Audience}
	}

	token := jwt.NewWithClaims(c.method(), claims)
	if c.config.KeyID != "" {
		token.Header["kid"] = c.config.KeyID
	}

	signKey, err := c.signKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	signed, err := token.SignedString(signKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return signed, nil
}

// VerifyAndDecode verifies signature, exp/nbf, and token type, returning the
// trusted payload. Failures map to ErrExpiredToken or ErrInvalidToken.
func (c *Codec) VerifyAndDecode(tokenStr string, want TokenType) (*Payload, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method().Alg()}),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}
	if c.config.RequireIAT {
		options = append(options, jwt.WithIssuedAt())
	}
	if c.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.config.Issuer))
	}
	if c.config.Audience != "" {
		options = append(options, jwt.WithAudience(c.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &signedClaims{}, c.resolveVerifyKey)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*signedClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	if claims.IssuedAt != nil && c.config.MaxFutureIAT > 0 {
		maxAllowed := time.Now().Add(c.config.MaxFutureIAT)
		if claims.IssuedAt.Time.After(maxAllowed) {
			return nil, fmt.Errorf("%w: iat too far in the future", ErrInvalidToken)
		}
	}
	if claims.TokenType != string(want) {
		return nil, fmt.Errorf("%w: token type %q, want %q", ErrInvalidToken, claims.TokenType, want)
	}

	return payloadFromClaims(claims), nil
}

// DecodeUnsafe decodes claims without verifying signature or expiry. It exists
// only to extract a jti for blacklist checks or to inspect an
// already-untrusted token before full validation. It must never substitute for
// VerifyAndDecode on an authorization path.
func (c *Codec) DecodeUnsafe(tokenStr string) (*Payload, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenStr, &signedClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*signedClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}

	return payloadFromClaims(claims), nil
}

func payloadFromClaims(claims *signedClaims) *Payload {
	p := &Payload{
		JTI:       claims.ID,
		Subject:   claims.Subject,
		Issuer:    claims.Issuer,
		TokenType: TokenType(claims.TokenType),
		DeviceID:  claims.DeviceID,
		Custom:    claims.Custom,
	}
	if len(claims.Audience) > 0 {
		p.Audience = claims.Audience[0]
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.NotBefore != nil {
		p.NotBefore = claims.NotBefore.Time
	}
	return p
}

func (c *Codec) resolveVerifyKey(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != c.method().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	if len(c.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := c.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return c.keyBytesToVerifyKey(key)
	}

	if c.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		if kid != c.config.KeyID {
			return nil, errors.New("unknown kid")
		}
	}

	return c.verifyKey()
}

func (c *Codec) method() jwt.SigningMethod {
	switch c.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (c *Codec) signKey() (interface{}, error) {
	switch c.config.SigningMethod {
	case MethodHS256:
		return c.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(c.config.PrivateKey)
	}
}

func (c *Codec) verifyKey() (interface{}, error) {
	switch c.config.SigningMethod {
	case MethodHS256:
		return c.config.PrivateKey, nil
	default:
		return parseEdPublicKey(c.config.PublicKey)
	}
}

func (c *Codec) keyBytesToVerifyKey(key []byte) (interface{}, error) {
	switch c.config.SigningMethod {
	case MethodHS256:
		return key, nil
	default:
		return parseEdPublicKey(key)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
