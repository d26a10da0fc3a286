package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultServiceTokenTTL defines the fallback validity period for service tokens.
const DefaultServiceTokenTTL = time.Hour

// ServiceTokenConfig bundles the configuration required to build a ServiceTokenService.
type ServiceTokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Clock  func() time.Time
}

// ServiceClaims represents the custom claims embedded in issued service tokens.
type ServiceClaims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}

// ServiceTokenService issues and validates the HS256 tokens that gate the
// internal invocation surface (the scheduled-refresh trigger).
type ServiceTokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewServiceTokenService constructs a ServiceTokenService.
func NewServiceTokenService(cfg ServiceTokenConfig) (*ServiceTokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: service token secret must be provided")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultServiceTokenTTL
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &ServiceTokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// Generate issues a signed token identifying an internal service caller.
func (s *ServiceTokenService) Generate(service string) (string, error) {
	if service == "" {
		return "", errors.New("auth: service name is required")
	}

	now := s.now()
	claims := &ServiceClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign service token: %w", err)
	}

	return signed, nil
}

// Validate parses and validates a signed token, returning the service claims.
func (s *ServiceTokenService) Validate(tokenString string) (*ServiceClaims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims ServiceClaims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse service token: %w", err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, errors.New("auth: invalid issuer")
	}

	if claims.Service == "" {
		return nil, errors.New("auth: missing service claim")
	}

	return &claims, nil
}
