package api

import (
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/labstack/echo/v4"

	"dvpn.mini/dvr/internal/types"
)

// @Title: Get Health
// @Route: GET /api/health
// @Description: Returns server health and the committed ledger status; "expired" flags a lapsed storage lifetime
// @Response: {"status": "ok", "ledger": {"height": 0, "sequence": 0, "live_until": 0, "expired": false, "last_node_id": 0}}
func (s *Service) HandleHealth(c echo.Context) error {
	status, err := s.registry.Status(c.Request().Context())
	if err != nil {
		s.logger.Error(fmt.Sprintf("API: failed to read ledger status: %v", err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}

	state := "ok"
	if status.Expired {
		state = "expired"
	}
	return c.JSON(http.StatusOK, map[string]any{"status": state, "ledger": status})
}

// @Title: Get Version
// @Route: GET /api/version
// @Description: Returns dvr version, build and the last committed block height
// @Response: {"version": "...", "status": "ok", "height": 0, ...}
func (s *Service) HandleVersion(c echo.Context) error {
	hostname, _ := os.Hostname()

	response := map[string]any{
		"version":    types.Version,
		"build_time": types.BuildTime,
		"status":     "ok",
		"hostname":   hostname,
		"go_ver":     runtime.Version(),
		"os_arch":    fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if s.registry != nil {
		response["height"] = s.registry.Height()
	}

	return c.JSON(http.StatusOK, response)
}
