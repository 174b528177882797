package middleware

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	cookieName           = "httprint_auth"
	issuer               = "httprint"
	defaultTokenDuration = 24 * time.Hour
	minSecretLen         = 16
)

type Claims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin"`
}

type AuthConfig struct {
	// PasswordHash is the bcrypt hash of the admin password.
	PasswordHash string
	// Secret signs session tokens. When empty a random one is generated and
	// sessions end with the process.
	Secret        string
	TokenDuration time.Duration
	SecureCookie  bool
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
}

type StatusResponse struct {
	Authenticated bool `json:"authenticated"`
}

type AuthMiddleware struct {
	hash          []byte
	secret        []byte
	tokenDuration time.Duration
	secureCookie  bool
	now           func() time.Time
}

func NewAuthMiddleware(cfg AuthConfig) (*AuthMiddleware, error) {
	if cfg.PasswordHash == "" {
		return nil, errors.New("admin password hash is required")
	}
	if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
		return nil, fmt.Errorf("invalid admin password hash: %w", err)
	}

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	} else if len(secret) < minSecretLen {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minSecretLen)
	}

	if cfg.TokenDuration <= 0 {
		cfg.TokenDuration = defaultTokenDuration
	}

	return &AuthMiddleware{
		hash:          []byte(cfg.PasswordHash),
		secret:        secret,
		tokenDuration: cfg.TokenDuration,
		secureCookie:  cfg.SecureCookie,
		now:           time.Now,
	}, nil
}

// HashPassword returns the bcrypt hash to put in admin.password_hash.
func HashPassword(password string) (string, error) {
	if len(password) < 6 {
		return "", errors.New("password must be at least 6 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (a *AuthMiddleware) generateToken() (string, error) {
	now := a.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenDuration)),
			Issuer:    issuer,
		},
		Admin: true,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (a *AuthMiddleware) getTokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
		return cookie
	}

	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

func (a *AuthMiddleware) setAuthCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(cookieName, token, int(a.tokenDuration.Seconds()), "/", "", a.secureCookie, true)
}

func (a *AuthMiddleware) clearAuthCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(cookieName, "", -1, "/", "", a.secureCookie, true)
}

// LoginHandler checks the admin password and issues a session cookie. The
// token is also returned for API clients.
func (a *AuthMiddleware) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Success: false, Message: "Invalid request"})
		return
	}

	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, LoginResponse{Success: false, Message: "Invalid password"})
		return
	}

	token, err := a.generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{Success: false, Message: "Failed to generate token"})
		return
	}

	a.setAuthCookie(c, token)
	c.JSON(http.StatusOK, LoginResponse{Success: true, Token: token})
}

func (a *AuthMiddleware) LogoutHandler(c *gin.Context) {
	a.clearAuthCookie(c)
	c.JSON(http.StatusOK, LoginResponse{Success: true, Message: "Logged out"})
}

func (a *AuthMiddleware) StatusHandler(c *gin.Context) {
	token := a.getTokenFromRequest(c)
	if token == "" {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: false})
		return
	}

	claims, err := a.validateToken(token)
	if err != nil {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: false})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Authenticated: claims.Admin})
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := a.getTokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": true, "message": "Authentication required"})
			return
		}

		claims, err := a.validateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": true, "message": "Invalid or expired token"})
			return
		}

		if !claims.Admin {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": true, "message": "Not authenticated"})
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

func (a *AuthMiddleware) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/login", a.LoginHandler)
	r.POST("/logout", a.LogoutHandler)
	r.GET("/status", a.StatusHandler)
}
