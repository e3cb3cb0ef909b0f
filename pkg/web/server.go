// Package web serves tag poses over HTTP and streams them over websockets.
package web

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-tagpose/pkg/apriltag"
	"github.com/teslashibe/go-tagpose/pkg/hub"
	"github.com/teslashibe/go-tagpose/pkg/msgs"
	"github.com/teslashibe/go-tagpose/pkg/rosbridge"
)

// historySize bounds the results kept for GET /api/poses.
const historySize = 100

// DefaultRequestTimeout bounds one pose request.
const DefaultRequestTimeout = 10 * time.Second

// PoseSource is what the server needs from an apriltag.Interface.
type PoseSource interface {
	Snap(ctx context.Context, tagName string, publishTF bool) (apriltag.Result, error)
	CameraInfo() msgs.CameraInfo
	Stats() apriltag.Stats
}

// Status is the body of GET /api/status.
type Status struct {
	Namespace string                 `json:"namespace"`
	FrameID   string                 `json:"frame_id"`
	Uptime    string                 `json:"uptime"`
	Clients   int                    `json:"clients"`
	Tags      apriltag.Stats         `json:"tags"`
	Bridge    *rosbridge.ClientStats `json:"bridge,omitempty"`
}

// PoseEntry is a timestamped result, as kept in history and streamed.
type PoseEntry struct {
	Time string `json:"time"`
	apriltag.Result
}

// Server is the pose HTTP server
type Server struct {
	app     *fiber.App
	port    string
	source  PoseSource
	logger  *slog.Logger
	started time.Time

	// RequestTimeout bounds each pose request. Set before Start.
	RequestTimeout time.Duration

	// BridgeStats, when set, is reported under "bridge" in the status.
	BridgeStats func() rosbridge.ClientStats

	history   []PoseEntry
	historyMu sync.RWMutex

	poseHub *hub.Hub
}

// NewServer creates a server answering pose requests from source.
func NewServer(port string, source PoseSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		port:           port,
		source:         source,
		logger:         logger.With("component", "web"),
		started:        time.Now(),
		RequestTimeout: DefaultRequestTimeout,
		history:        make([]PoseEntry, 0, historySize),
		poseHub:        hub.New("poses", logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "tagpose",
		DisableStartupMessage: true,
	})

	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/camera_info", s.handleCameraInfo)
	api.Get("/poses", s.handleHistory)
	api.Get("/tags/:name/pose", s.handleTagPose)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/poses", websocket.New(s.handlePosesWS))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// PoseHub returns the hub results are broadcast on.
func (s *Server) PoseHub() *hub.Hub {
	return s.poseHub
}

// Start runs the hub and listens on the configured port.
func (s *Server) Start() error {
	s.logger.Info("serving tag poses", "addr", "http://localhost:"+s.port)
	go s.poseHub.Run()
	return s.app.Listen(":" + s.port)
}

// Serve runs the hub and serves on ln.
func (s *Server) Serve(ln net.Listener) error {
	go s.poseHub.Run()
	return s.app.Listener(ln)
}

// Shutdown gracefully stops the server and disconnects websocket clients.
func (s *Server) Shutdown() error {
	s.poseHub.Stop()
	return s.app.Shutdown()
}

func (s *Server) record(res apriltag.Result) PoseEntry {
	entry := PoseEntry{
		Time:   time.Now().Format(time.TimeOnly),
		Result: res,
	}

	s.historyMu.Lock()
	s.history = append(s.history, entry)
	if len(s.history) > historySize {
		s.history = s.history[1:]
	}
	s.historyMu.Unlock()

	if err := s.poseHub.BroadcastJSON(entry); err != nil {
		s.logger.Warn("failed to broadcast pose", "error", err)
	}
	return entry
}
