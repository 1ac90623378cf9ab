package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
	wsWriteTimeout  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// @Title: Get Logs
// @Route: GET /api/logs?limit=50
// @Description: Returns recent diagnostic and status messages, newest first
// @Response: [{"timestamp": "...", "text": "...", "level": "info", "sequence": 1, "fields": {}}]
func (s *Service) HandleLogs(c echo.Context) error {
	limit := defaultLogLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return writeError(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	return c.JSON(http.StatusOK, s.logger.GetRecent(limit))
}

// @Title: Stream Events
// @Route: GET /api/events
// @Description: WebSocket stream of diagnostic messages; replays the last 50 first
// @Response: stream of log message objects
func (s *Service) HandleEvents(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		return nil
	}
	defer conn.Close()

	// subscribe before replaying so nothing falls between the two
	msgs, cancel := s.logger.Subscribe(64)
	defer cancel()

	initial := s.logger.GetRecent(defaultLogLimit)
	for i := len(initial) - 1; i >= 0; i-- {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(initial[i]); err != nil {
			return nil
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return nil
			}
		}
	}
}
