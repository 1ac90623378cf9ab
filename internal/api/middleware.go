package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"dvpn.mini/dvr/internal/logger"
)

// LoggerMiddleware logs one line per request.
func LoggerMiddleware(l *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			path := req.URL.Path
			if req.URL.RawQuery != "" {
				path += "?" + req.URL.RawQuery
			}

			// request logs go to logrus only; the ring buffer is for registry events
			l.Output().WithFields(map[string]any{
				"method":     req.Method,
				"path":       path,
				"status":     res.Status,
				"latency_ms": time.Since(start).Milliseconds(),
				"ip":         c.RealIP(),
			}).Debug(fmt.Sprintf("%s %s -> %d %s", req.Method, path, res.Status, http.StatusText(res.Status)))

			return nil
		}
	}
}

// RecoverMiddleware turns handler panics into 500 responses.
func RecoverMiddleware(l *logger.Logger) echo.MiddlewareFunc {
	return middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			l.Error(fmt.Sprintf("API: panic serving %s: %v", c.Request().URL.Path, err))
			return err
		},
	})
}

// CORSMiddleware allows read access from any origin. Backup routes are
// left out so that their responses stay unreadable cross-origin.
func CORSMiddleware() echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, "/api/backups")
		},
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderContentType,
		},
	})
}

// SameOriginMiddleware rejects browser requests issued by another origin.
// Clients that send neither Origin nor Sec-Fetch-Site (curl, dvrctl) pass.
func SameOriginMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			switch req.Header.Get("Sec-Fetch-Site") {
			case "", "same-origin", "none":
			default:
				return writeError(c, http.StatusForbidden, "cross-origin request refused")
			}
			if origin := req.Header.Get(echo.HeaderOrigin); origin != "" {
				u, err := url.Parse(origin)
				if err != nil || !strings.EqualFold(u.Host, req.Host) {
					return writeError(c, http.StatusForbidden, "cross-origin request refused")
				}
			}
			return next(c)
		}
	}
}
