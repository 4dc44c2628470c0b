package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/glucolink/cgm-engine/internal/config"
	"github.com/glucolink/cgm-engine/internal/models"
	"github.com/glucolink/cgm-engine/pkg/crypto"
)

const issuer = "cgm-engine"

// ErrInvalidCredentials is returned for an unknown client or wrong secret.
var ErrInvalidCredentials = errors.New("invalid client credentials")

// JWTManager issues and checks bearer tokens for configured API clients.
type JWTManager struct {
	config  config.JWTConfig
	clients map[string]*models.Client
	now     func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg config.JWTConfig, clients []config.ClientConfig) *JWTManager {
	m := &JWTManager{
		config:  cfg,
		clients: make(map[string]*models.Client, len(clients)),
		now:     time.Now,
	}
	for _, c := range clients {
		role := models.Role(c.Role)
		if role == "" {
			role = models.RoleReader
		}
		m.clients[c.ID] = &models.Client{ID: c.ID, SecretHash: c.SecretHash, Role: role}
	}
	return m
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Role models.Role `json:"role"`
}

// Authenticate checks a client secret against its bcrypt hash.
func (m *JWTManager) Authenticate(clientID, secret string) (*models.Client, error) {
	c, ok := m.clients[clientID]
	if !ok || !crypto.VerifySecret(secret, c.SecretHash) {
		return nil, ErrInvalidCredentials
	}
	return c, nil
}

// GenerateToken issues an access token for client.
func (m *JWTManager) GenerateToken(client *models.Client) (string, time.Time, error) {
	now := m.now()
	expires := now.Add(m.config.AccessTokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   client.ID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Role: client.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
