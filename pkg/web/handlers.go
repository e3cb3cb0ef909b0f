package web

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-tagpose/pkg/apriltag"
	"github.com/teslashibe/go-tagpose/pkg/hub"
)

// handleStatus returns namespace, counters and connection state
func (s *Server) handleStatus(c *fiber.Ctx) error {
	stats := s.source.Stats()
	st := Status{
		Namespace: stats.Namespace,
		FrameID:   stats.FrameID,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Clients:   s.poseHub.ClientCount(),
		Tags:      stats,
	}
	if s.BridgeStats != nil {
		bs := s.BridgeStats()
		st.Bridge = &bs
	}
	return c.JSON(st)
}

// handleCameraInfo returns the camera info received at startup
func (s *Server) handleCameraInfo(c *fiber.Ctx) error {
	return c.JSON(s.source.CameraInfo())
}

// handleHistory returns recent results, oldest first
func (s *Server) handleHistory(c *fiber.Ctx) error {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	return c.JSON(s.history)
}

// handleTagPose snaps one pose. ?publish=true also broadcasts the transform.
func (s *Server) handleTagPose(c *fiber.Ctx) error {
	name := c.Params("name")
	publish := c.QueryBool("publish", false)

	ctx := c.UserContext()
	if s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
		defer cancel()
	}

	res, err := s.source.Snap(ctx, name, publish)
	if err != nil {
		s.logger.Error("pose request failed", "tag", name, "error", err)

		var callErr *apriltag.CallError
		if errors.As(err, &callErr) {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   err.Error(),
				"service": callErr.Service,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(s.record(res))
}

// handlePosesWS streams every result to the connection
func (s *Server) handlePosesWS(c *websocket.Conn) {
	client := hub.NewClient(s.poseHub, c)
	if client == nil {
		return
	}
	client.Run()
}
