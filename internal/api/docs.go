package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
)

// @Title: List Docs
// @Route: GET /api/docs
// @Description: Lists the available AsciiDoc documents
// @Response: ["api.adoc", ...]
func (s *Service) HandleDocsList(c echo.Context) error {
	if s.docs == nil {
		return writeError(c, http.StatusNotFound, "documentation is not configured")
	}
	names, err := s.docs.ListDocs()
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to list docs: %v", err))
		return writeError(c, http.StatusInternalServerError, "failed to list docs")
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, names)
}

// @Title: Get Doc
// @Route: GET /api/docs/:name
// @Description: Returns an AsciiDoc document rendered to HTML
// @Response: text/html fragment
func (s *Service) HandleDoc(c echo.Context) error {
	if s.docs == nil {
		return writeError(c, http.StatusNotFound, "documentation is not configured")
	}
	name := c.Param("name")
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".adoc") {
		return writeError(c, http.StatusBadRequest, "invalid document name")
	}

	html, err := s.docs.GetDoc(c.Request().Context(), name)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to load doc %s: %v", name, err))
		return writeError(c, http.StatusNotFound, "document not found")
	}
	return c.HTML(http.StatusOK, html)
}
