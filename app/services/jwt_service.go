package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "relay-svc"

// JWTService handles relay token generation and validation
type JWTService struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTService creates a new JWT service
func NewJWTService(secret string, expirationSec int64) *JWTService {
	return &JWTService{
		secret:     []byte(secret),
		expiration: time.Duration(expirationSec) * time.Second,
	}
}

// Claims represents relay token claims
type Claims struct {
	RelayID   string `json:"relay_id"`
	MachineID string `json:"machine_id"`
	jwt.RegisteredClaims
}

// ExpiresIn returns the token lifetime in seconds
func (j *JWTService) ExpiresIn() int64 {
	return int64(j.expiration / time.Second)
}

// GenerateToken generates a token binding a relay to one machine
func (j *JWTService) GenerateToken(relayID, machineID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RelayID:   relayID,
		MachineID: machineID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   relayID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken validates a token and returns its claims
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithIssuer(tokenIssuer))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.RelayID == "" || claims.MachineID == "" {
		return nil, fmt.Errorf("token is missing relay_id or machine_id")
	}

	return claims, nil
}
