package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operator roles.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
	RoleViewer   = "viewer"
)

// JWTConfig holds operator token signing and expiry configuration.
type JWTConfig struct {
	SigningKey  string
	TokenExpiry time.Duration
	Issuer      string
	Audience    string
}

// OperatorClaims represents claims in an operator access token.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTService issues and validates operator tokens.
type JWTService struct {
	config JWTConfig
	now    func() time.Time
}

// NewJWTService creates a new JWTService with the given configuration.
func NewJWTService(config JWTConfig) *JWTService {
	if config.TokenExpiry == 0 {
		config.TokenExpiry = time.Hour
	}
	return &JWTService{config: config, now: time.Now}
}

// Predefined errors for JWT operations.
var (
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenInvalid   = errors.New("token is invalid")
	ErrTokenMalformed = errors.New("token is malformed")
	ErrSigningMethod  = errors.New("unexpected signing method")
	ErrNoSigningKey   = errors.New("no signing key configured")
)

// GenerateToken creates a signed operator token for subject with role.
func (s *JWTService) GenerateToken(subject, role string) (string, error) {
	if s.config.SigningKey == "" {
		return "", ErrNoSigningKey
	}
	now := s.now()
	claims := OperatorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.SigningKey))
	if err != nil {
		return "", fmt.Errorf("sign operator token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates an operator token, checking issuer
// and audience when configured.
func (s *JWTService) ValidateToken(tokenString string) (*OperatorClaims, error) {
	if s == nil || s.config.SigningKey == "" {
		return nil, ErrNoSigningKey
	}

	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now)}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}
	if s.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.config.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrSigningMethod
		}
		return []byte(s.config.SigningKey), nil
	}, opts...)
	if err != nil {
		return nil, classifyJWTError(err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// classifyJWTError maps jwt library errors to domain-specific errors.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	case errors.Is(err, ErrSigningMethod):
		return ErrSigningMethod
	case errors.Is(err, jwt.ErrSignatureInvalid),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrTokenInvalid
	}
	return fmt.Errorf("validate token: %w", err)
}
