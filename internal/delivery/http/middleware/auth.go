package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"visual-novel-server/internal/domain"
)

// OwnerKey - ключ gin.Context с идентификатором владельца запроса.
const OwnerKey = "owner_id"

// ErrorResponse - тело ответа об ошибке.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JWTVerifier проверяет HS256 токены и возвращает subject.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier создает верификатор. Пустой секрет недопустим.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// Verify разбирает токен и возвращает его subject.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", domain.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", domain.ErrTokenMalformed
		default:
			return "", fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
		}
	}
	if !token.Valid || claims.Subject == "" {
		return "", domain.ErrTokenInvalid
	}
	return claims.Subject, nil
}

// Auth проверяет Bearer токен и кладет subject в контекст как владельца.
// При verifier == nil все запросы выполняются от имени анонимного владельца.
func Auth(verifier *JWTVerifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Set(OwnerKey, domain.AnonymousOwner)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			logger.Warn("Missing or malformed Authorization header", zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing bearer token"})
			return
		}

		owner, err := verifier.Verify(parts[1])
		if err != nil {
			logger.Warn("Token verification failed", zap.Error(err))
			msg := "token is invalid"
			if errors.Is(err, domain.ErrTokenExpired) {
				msg = "token has expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: msg})
			return
		}

		c.Set(OwnerKey, owner)
		c.Next()
	}
}

// Owner возвращает владельца запроса, установленного Auth.
func Owner(c *gin.Context) string {
	if v := c.GetString(OwnerKey); v != "" {
		return v
	}
	return domain.AnonymousOwner
}
