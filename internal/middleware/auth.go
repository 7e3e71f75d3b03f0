package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"posapproval/internal/model"
	"posapproval/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const principalKey = "principal"

// Claims carried by API and websocket tokens
type Claims struct {
	Role string `json:"role"`
	Tier int    `json:"tier"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller
type Principal struct {
	ID   uuid.UUID
	Role string
	Tier model.Tier
	Name string
}

// IssueToken signs an HS256 token for user
func IssueToken(secret []byte, issuer string, ttl time.Duration, user *model.User, now time.Time) (string, error) {
	claims := Claims{
		Role: user.Role,
		Tier: int(user.Tier()),
		Name: user.Name(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates tokenString and returns the caller it names
func ParseToken(secret []byte, tokenString string) (*Principal, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, errors.New("invalid subject")
	}
	if !model.ValidRole(claims.Role) {
		return nil, errors.New("unknown role")
	}
	return &Principal{
		ID:   id,
		Role: claims.Role,
		Tier: model.TierForRole(claims.Role),
		Name: claims.Name,
	}, nil
}

// SetTokenCookie stores the access token as an HttpOnly cookie
func SetTokenCookie(c *gin.Context, token string, ttl time.Duration, secure bool) {
	sameSite := http.SameSiteLaxMode
	if secure {
		sameSite = http.SameSiteNoneMode
	}
	c.SetSameSite(sameSite)
	c.SetCookie("access_token", token, int(ttl.Seconds()), "/", "", secure, true)
}

// tokenFromRequest tries the Authorization header first, then the cookie
func tokenFromRequest(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if cookie, err := c.Cookie("access_token"); err == nil && cookie != "" {
		return cookie, true
	}
	return "", false
}

// Authenticate validates the JWT and stores the Principal on the context
func Authenticate(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := tokenFromRequest(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Authorization is missing or malformed"))
			return
		}

		principal, err := ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid token: "+err.Error()))
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireTier rejects callers whose role carries less than min direct authority
func RequireTier(min model.Tier) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := CurrentPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Authorization is missing"))
			return
		}
		if !principal.Tier.Covers(min) {
			c.AbortWithStatusJSON(http.StatusForbidden, response.Error(http.StatusForbidden, "Access denied: requires "+min.String()))
			return
		}
		c.Next()
	}
}

// RequireRole admits only the listed roles
func RequireRole(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := CurrentPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Authorization is missing"))
			return
		}
		for _, role := range allowedRoles {
			if principal.Role == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, response.Error(http.StatusForbidden, "Access denied: insufficient permissions"))
	}
}

// CurrentPrincipal returns the caller set by Authenticate
func CurrentPrincipal(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
