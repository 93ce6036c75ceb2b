package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

const (
	tokenTTL       = 24 * time.Hour
	challengeTTL   = 5 * time.Minute
	maxChallenges  = 4096
	walletKey      = "wallet"
	challengeTitle = "castswap sign-in"
)

var (
	errChallengeUnknown = errors.New("challenge unknown or expired")
	errSignatureInvalid = errors.New("signature does not match address")
)

// Claims identify the wallet that signed in.
type Claims struct {
	Wallet string `json:"wallet"`
	jwt.RegisteredClaims
}

// Auth issues HS256 tokens to wallets that sign a one-time challenge.
type Auth struct {
	secret     []byte
	challenges *expirable.LRU[string, string]
	now        func() time.Time
	log        *logrus.Entry
}

func NewAuth(secret string, logger *logrus.Logger) *Auth {
	return &Auth{
		secret:     []byte(secret),
		challenges: expirable.NewLRU[string, string](maxChallenges, nil, challengeTTL),
		now:        time.Now,
		log:        logger.WithField("component", "auth"),
	}
}

// Challenge returns the message wallet must personal_sign to log in. Each challenge is
// accepted once.
func (a *Auth) Challenge(wallet common.Address) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonceStr := hex.EncodeToString(nonce)
	message := fmt.Sprintf("%s\nWallet: %s\nNonce: %s\nTimestamp: %d", challengeTitle, wallet.Hex(), nonceStr, a.now().Unix())
	a.challenges.Add(nonceStr, strings.ToLower(wallet.Hex()))
	return message, nil
}

// Login verifies the signed challenge and returns a token for wallet.
func (a *Auth) Login(wallet common.Address, message, signature string) (string, error) {
	nonce := challengeNonce(message)
	owner, ok := a.challenges.Get(nonce)
	if !ok || owner != strings.ToLower(wallet.Hex()) {
		return "", errChallengeUnknown
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return "", errSignatureInvalid
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil || crypto.PubkeyToAddress(*pub) != wallet {
		return "", errSignatureInvalid
	}
	a.challenges.Remove(nonce)
	return a.Issue(wallet)
}

// Issue signs a token for wallet.
func (a *Auth) Issue(wallet common.Address) (string, error) {
	now := a.now()
	claims := Claims{
		Wallet: wallet.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "castswap",
			Subject:   wallet.Hex(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Validate parses a token and returns its claims.
func (a *Auth) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || !common.IsHexAddress(claims.Wallet) {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// RequireAuth rejects requests without a valid bearer token and stores the wallet in the
// gin context.
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			a.reject(c, "MISSING_AUTH_HEADER", "Missing Authorization header")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			a.reject(c, "INVALID_AUTH_FORMAT", "Authorization header must be in format: Bearer <token>")
			return
		}
		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if tokenString == "" {
			a.reject(c, "EMPTY_TOKEN", "Token cannot be empty")
			return
		}
		claims, err := a.Validate(tokenString)
		if err != nil {
			a.reject(c, "INVALID_TOKEN", err.Error())
			return
		}
		c.Set(walletKey, common.HexToAddress(claims.Wallet))
		c.Next()
	}
}

func (a *Auth) reject(c *gin.Context, code, message string) {
	a.log.WithFields(logrus.Fields{
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
		"code":   code,
	}).Warn("⚠️ authentication failed")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   "Authentication required",
		"message": message,
		"code":    code,
	})
}

func authedWallet(c *gin.Context) common.Address {
	v, _ := c.Get(walletKey)
	addr, _ := v.(common.Address)
	return addr
}

func challengeNonce(message string) string {
	for _, line := range strings.Split(message, "\n") {
		if rest, ok := strings.CutPrefix(line, "Nonce: "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
