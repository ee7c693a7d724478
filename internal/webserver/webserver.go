package webserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/zapgate/zapgate/config"
	"go.uber.org/zap"
)

// ContextAppKey is the echo context key the application context is
// injected under; handlers retrieve it through adminapi.GetAppContext.
const ContextAppKey = "zapgate_app"

var server *WebServer

// WebServer wraps the echo engine. Authenticated routes live under
// /api/v1, public routes (login, gateway callbacks) at the root.
type WebServer struct {
	root   *echo.Echo
	api    *echo.Group
	cfg    *config.AppConfig
	appCtx interface{}
}

// Init builds the global web server. appCtx is injected into every
// request context so handlers reach the application without package
// globals.
func Init(cfg *config.AppConfig, appCtx interface{}) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(ContextAppKey, appCtx)
			return next(c)
		}
	})

	s := &WebServer{root: e, cfg: cfg, appCtx: appCtx}
	s.api = e.Group("/api/v1", s.jwtMiddleware)
	server = s
}

// Listen starts the server and blocks until shutdown.
func Listen() error {
	if server == nil {
		return fmt.Errorf("webserver not initialized")
	}
	addr := fmt.Sprintf("%s:%d", server.cfg.Web.Host, server.cfg.Web.Port)
	zap.L().Info("admin api listening", zap.String("addr", addr))
	return server.root.Start(addr)
}

// Shutdown drains the server.
func Shutdown(ctx context.Context) error {
	if server == nil {
		return nil
	}
	return server.root.Shutdown(ctx)
}

func ApiGET(path string, h echo.HandlerFunc) {
	server.api.GET(path, h)
}

func ApiPOST(path string, h echo.HandlerFunc) {
	server.api.POST(path, h)
}

func ApiPUT(path string, h echo.HandlerFunc) {
	server.api.PUT(path, h)
}

func ApiDELETE(path string, h echo.HandlerFunc) {
	server.api.DELETE(path, h)
}

// PubPOST registers an unauthenticated route at the root, used for the
// login endpoint and the gateway webhook callback.
func PubPOST(path string, h echo.HandlerFunc) {
	server.root.POST(path, h)
}

func PubGET(path string, h echo.HandlerFunc) {
	server.root.GET(path, h)
}

// TokenClaims is the JWT payload for operator sessions.
type TokenClaims struct {
	Username string `json:"usr"`
	Level    string `json:"lvl"`
	jwt.RegisteredClaims
}

// TokenTTL is the operator session lifetime.
const TokenTTL = 24 * time.Hour

// CreateToken issues a signed operator session token.
func CreateToken(secret, username, level string) (string, error) {
	claims := TokenClaims{
		Username: username,
		Level:    level,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates a token and returns its claims.
func ParseToken(secret, tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func (s *WebServer) jwtMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		if !strings.HasPrefix(auth, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, map[string]interface{}{
				"code":    "UNAUTHORIZED",
				"message": "missing bearer token",
			})
		}
		claims, err := ParseToken(s.cfg.Web.Secret, strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]interface{}{
				"code":    "UNAUTHORIZED",
				"message": "invalid or expired token",
			})
		}
		c.Set("operator", claims.Username)
		c.Set("operator_level", claims.Level)
		return next(c)
	}
}
