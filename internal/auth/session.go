// Package auth verifies the EdDSA-signed JWTs issued by the auth service.
package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every way a bearer token can fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the caller a verified token describes.
type Identity struct {
	UserID   int64
	Username string
}

// Keys holds the ed25519 pair used to sign and verify tokens. A Keys loaded
// without a private key can only verify.
type Keys struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	expire  time.Duration // 0 means tokens carry no exp claim
}

// GenerateKeys creates a fresh key pair, for development and tests.
func GenerateKeys(expire time.Duration) (*Keys, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Keys{private: priv, public: pub, expire: expire}, nil
}

// LoadKeys reads PEM encoded keys. The private key is optional; pass an empty
// path on servers that only verify.
func LoadKeys(privatePath, publicPath string, expire time.Duration) (*Keys, error) {
	k := &Keys{expire: expire}

	publicData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	pub, err := jwt.ParseEdPublicKeyFromPEM(publicData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	k.public = pub.(ed25519.PublicKey)

	if privatePath == "" {
		return k, nil
	}
	privateData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	priv, err := jwt.ParseEdPrivateKeyFromPEM(privateData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	k.private = priv.(ed25519.PrivateKey)
	return k, nil
}

// WritePEM stores the pair so a later LoadKeys can read it.
func (k *Keys) WritePEM(privatePath, publicPath string) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(k.private)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(k.public)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600); err != nil {
		return err
	}
	return os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644)
}

// CreateJWT signs a token with "sub" = userID and "name" = username.
func (k *Keys) CreateJWT(userID int64, username string) (string, error) {
	if k.private == nil {
		return "", errors.New("no private key loaded")
	}
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"iat": time.Now().Unix(),
	}
	if username != "" {
		claims["name"] = username
	}
	if k.expire > 0 {
		claims["exp"] = time.Now().Add(k.expire).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(k.private)
}

// AuthenticateJWT verifies a token and returns the identity in it.
func (k *Keys) AuthenticateJWT(tokenString string) (Identity, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return k.public, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !t.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid jwt claims", ErrInvalidToken)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub in jwt", ErrInvalidToken)
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, fmt.Errorf("%w: sub is not a user id", ErrInvalidToken)
	}

	id := Identity{UserID: userID}
	id.Username, _ = claims["name"].(string)
	return id, nil
}
