package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/presencepulse/internal/domain"
	apperrors "github.com/pscheid92/presencepulse/internal/platform/errors"
)

const maxNearbyLimit = 100

type activityRequest struct {
	Channel  string         `json:"channel"`
	Metadata json.RawMessage `json:"metadata"`
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type activeUsersResponse struct {
	Users []domain.ActivityRecord `json:"users"`
	Count int                     `json:"count"`
}

type nearbyResponse struct {
	UserID     string             `json:"user_id"`
	Candidates []domain.Candidate `json:"candidates"`
}

func (s *Server) registerAPIRoutes(limiter echo.MiddlewareFunc) {
	api := s.echo.Group("/api", limiter)

	api.GET("/presence", s.handleActiveUsers)
	api.PUT("/presence/:userID", s.handleMarkActive)
	api.DELETE("/presence/:userID", s.handleLogout)
	api.PUT("/location/:userID", s.handleUpdateLocation)
	api.GET("/nearby/:userID", s.handleNearby)
}

func (s *Server) handleMarkActive(c echo.Context) error {
	var req activityRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body", err)
	}

	meta := domain.ActivityMeta{Channel: req.Channel}
	if len(req.Metadata) > 0 && string(req.Metadata) != "null" {
		meta.Data = req.Metadata
	}

	if err := s.presence.MarkActive(c.Request().Context(), c.Param("userID"), meta); err != nil {
		return err
	}
	return noContent(c)
}

func (s *Server) handleLogout(c echo.Context) error {
	if err := s.presence.Logout(c.Request().Context(), c.Param("userID")); err != nil {
		return err
	}
	return noContent(c)
}

func (s *Server) handleActiveUsers(c echo.Context) error {
	records, err := s.presence.ActiveUsers(c.Request().Context())
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, activeUsersResponse{Users: records, Count: len(records)})
}

func (s *Server) handleUpdateLocation(c echo.Context) error {
	userID := c.Param("userID")

	var req locationRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body", err)
	}
	if req.Latitude == nil || req.Longitude == nil {
		return apperrors.ValidationError("latitude and longitude are required", nil).WithField("user_id", userID)
	}

	if err := s.proximity.UpdateLocation(c.Request().Context(), userID, *req.Latitude, *req.Longitude); err != nil {
		return err
	}
	return noContent(c)
}

func (s *Server) handleNearby(c echo.Context) error {
	userID := c.Param("userID")

	limit := s.proximity.DefaultLimit()
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxNearbyLimit {
			return apperrors.ValidationError("limit must be between 1 and 100", err).WithField("limit", raw)
		}
		limit = n
	}

	candidates, err := s.proximity.NearbyCandidates(c.Request().Context(), userID, limit)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, nearbyResponse{UserID: userID, Candidates: candidates})
}
