package middleware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/contextkey"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID int64
	Role   string
}

// TokenVerifier validates HS256 access tokens issued by the account service.
type TokenVerifier struct {
	secret []byte
	issuer string
}

func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

type accessClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Verify parses raw and returns the principal it names.
func (v *TokenVerifier) Verify(raw string) (Principal, error) {
	if raw == "" || len(v.secret) == 0 {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &accessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != "access" {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return Principal{UserID: userID, Role: claims.Role}, nil
}

// PrincipalMiddleware resolves the caller from the Authorization header.
// With required=false, requests without a token pass through anonymously,
// but a present and invalid token is still rejected.
func PrincipalMiddleware(verifier *TokenVerifier, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractBearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			if required {
				response.AbortWithError(c, pkgerrors.New(pkgerrors.Unauthorized))
				return
			}
			c.Next()
			return
		}
		if verifier == nil {
			response.AbortWithError(c, pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("auth unavailable"))
			return
		}
		p, err := verifier.Verify(raw)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set(string(contextkey.UserID), p.UserID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, p.UserID))
		c.Next()
	}
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(contextkey.UserID).(int64)
	return id, ok && id > 0
}

func extractBearerToken(authHeader string) string {
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
