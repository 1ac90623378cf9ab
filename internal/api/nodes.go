package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"dvpn.mini/dvr/internal/registry"
)

// @Title: Get Node
// @Route: GET /api/nodes/:id
// @Description: Returns the committed record of a VPN node; 404 when no node has the id
// @Response: {"node_id": 1, "operator": "...", "bandwidth_provided": 0, "tokens_earned": 0, "is_active": true, "registration_time": 0}
func (s *Service) HandleNode(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "node id must be a non-negative integer")
	}

	node, err := s.registry.FindNode(c.Request().Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		return writeError(c, http.StatusNotFound, fmt.Sprintf("node %d not found", id))
	}
	if err != nil {
		s.logger.Error(fmt.Sprintf("API: failed to read node %d: %v", id, err))
		return writeError(c, http.StatusInternalServerError, "failed to read node")
	}

	return c.JSON(http.StatusOK, node)
}

// @Title: Get Network Stats
// @Route: GET /api/stats
// @Description: Returns the network-wide aggregate; all zero before the first registration
// @Response: {"total_nodes": 0, "active_nodes": 0, "total_bandwidth": 0, "total_tokens_distributed": 0}
func (s *Service) HandleStats(c echo.Context) error {
	stats, err := s.registry.NetworkStats(c.Request().Context())
	if err != nil {
		s.logger.Error(fmt.Sprintf("API: failed to read network stats: %v", err))
		return writeError(c, http.StatusInternalServerError, "failed to read network stats")
	}
	return c.JSON(http.StatusOK, stats)
}
