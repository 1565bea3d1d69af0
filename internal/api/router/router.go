package router

import (
	"net/http"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/api/handlers"
	"github.com/SafeMPC/threshold-coordinator/internal/api/middleware"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Init attaches the echo instance, middleware stack and all routes to the
// server. Must be called before Start.
func Init(s *api.Server) {
	s.Echo = echo.New()
	s.Echo.Debug = false
	s.Echo.HideBanner = true
	s.Echo.HTTPErrorHandler = middleware.HTTPErrorHandlerWithConfig(middleware.HTTPErrorHandlerConfig{
		HideInternalServerErrorDetails: s.Config.Echo.HideInternalServerErrors,
	})

	if s.Config.Echo.EnableRecoverMiddleware {
		s.Echo.Use(echoMiddleware.Recover())
	}
	if s.Config.Echo.EnableRequestIDMiddleware {
		s.Echo.Use(echoMiddleware.RequestID())
	}
	if s.Config.Echo.EnableLoggerMiddleware {
		s.Echo.Use(middleware.Logger())
	}

	s.Router = &api.Router{
		Routes:        nil, // filled by handlers.AttachAllRoutes
		Root:          s.Echo.Group(""),
		Management:    s.Echo.Group("/-"),
		APIV1Signing:  s.Echo.Group("/api/v1/sessions", middleware.Auth(s.JWT)),
		APIV1Approval: s.Echo.Group("/api/v1/approvals", middleware.Auth(s.JWT)),
	}

	s.Router.Management.GET("/healthy", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	s.Router.Management.GET("/ready", func(c echo.Context) error {
		if err := s.DB.PingContext(c.Request().Context()); err != nil {
			return c.String(http.StatusServiceUnavailable, "Not ready.")
		}
		return c.String(http.StatusOK, "Ready.")
	})
	s.Router.Management.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	handlers.AttachAllRoutes(s)
}
