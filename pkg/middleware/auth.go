package middleware

import (
	"errors"
	"strings"
	"time"

	"freight-controlplane/pkg/actor"
	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid token")

// IssueToken signs an HS256 access token for userID.
func IssueToken(cfg *config.Config, userID string, role actor.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    cfg.Auth.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Auth.JWTSecret))
}

func ParseToken(cfg *config.Config, raw string) (actor.Actor, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.Auth.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Auth.Issuer),
	)
	if err != nil {
		return actor.Actor{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return actor.Actor{}, ErrInvalidToken
	}

	role := actor.Role(claims.Role)
	if role == "" {
		role = actor.RoleUser
	}
	if !role.Valid() {
		return actor.Actor{}, ErrInvalidToken
	}

	return actor.Actor{UserID: claims.Subject, Role: role}, nil
}

// Auth validates the bearer token and stores the actor on the request context.
func Auth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			_ = c.Error(errutil.Unauthorized("missing bearer token", nil))
			c.Abort()
			return
		}

		a, err := ParseToken(cfg, parts[1])
		if err != nil {
			_ = c.Error(errutil.Unauthorized("invalid or expired token", err))
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(actor.WithActor(c.Request.Context(), a))
		c.Next()
	}
}

// RequireRole rejects actors whose role is not in allowed.
func RequireRole(allowed ...actor.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := actor.FromContext(c.Request.Context())
		if !ok {
			_ = c.Error(errutil.Unauthorized("unauthorized", nil))
			c.Abort()
			return
		}
		for _, r := range allowed {
			if a.Role == r {
				c.Next()
				return
			}
		}
		_ = c.Error(errutil.Forbidden("forbidden", nil))
		c.Abort()
	}
}

// Actor returns the authenticated actor; handlers behind Auth always have one.
func Actor(c *gin.Context) actor.Actor {
	a, _ := actor.FromContext(c.Request.Context())
	return a
}
