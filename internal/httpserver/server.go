package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/snowcodeer/VisualAIser/internal/agent"
	"github.com/snowcodeer/VisualAIser/internal/audio"
	"github.com/snowcodeer/VisualAIser/internal/config"
	"github.com/snowcodeer/VisualAIser/internal/rtc"
	"github.com/snowcodeer/VisualAIser/internal/session"
)

// Devices registers browser audio peers.
type Devices interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.Answer, error)
	Lookup(id string) (audio.Device, bool)
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router *echo.Echo

	conv    *agent.Conversation
	devices Devices
	logger  *slog.Logger
	events  *hub
}

type errorBody struct {
	Error string `json:"error"`
}

// sessionView is the /session payload: the shared state plus the microphone.
type sessionView struct {
	session.State
	Muted bool `json:"muted"`
}

type startBody struct {
	PersonaID string `json:"persona_id"`
	DeviceID  string `json:"device_id"`
}

// offerTimeout bounds ICE gathering for /call.
const offerTimeout = 10 * time.Second

// New constructs the HTTP server with routes.
func New(cfg config.Config, conv *agent.Conversation, devices Devices, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Router:  newRouter(),
		conv:    conv,
		devices: devices,
		logger:  logger,
		events:  newHub(conv.Controller.Store(), logger),
	}
	e := s.Router
	e.Use(requireAuth(cfg.AuthPassword))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/personas", s.personas)
	e.POST("/call", s.call)
	e.GET("/session", s.sessionState)
	e.POST("/session", s.startSession)
	e.DELETE("/session", s.endSession)
	e.POST("/session/mute", s.mute)
	e.DELETE("/session/mute", s.unmute)
	e.GET("/transcript", s.transcript)
	e.GET("/tools/history", s.toolHistory)
	e.GET("/viewer", s.viewer)
	e.POST("/viewer/minimize", s.minimizeViewer)
	e.DELETE("/viewer", s.closeViewer)
	e.GET("/notices", s.notices)
	e.GET("/events", s.events.serve)
	return s
}

// Close disconnects event subscribers.
func (s *Server) Close() { s.events.close() }

func (s *Server) personas(c echo.Context) error {
	return c.JSON(http.StatusOK, s.conv.Controller.Personas())
}

func (s *Server) call(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		s.logger.Warn("invalid offer", "error", err)
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid offer"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), offerTimeout)
	defer cancel()
	answer, err := s.devices.HandleOffer(ctx, offer)
	if err != nil {
		s.logger.Error("webrtc handle offer failed", "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) snapshot() sessionView {
	return sessionView{State: s.conv.State(), Muted: s.conv.Audio.Muted()}
}

func (s *Server) sessionState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.snapshot())
}

func (s *Server) mute(c echo.Context) error   { return s.setMuted(c, true) }
func (s *Server) unmute(c echo.Context) error { return s.setMuted(c, false) }

func (s *Server) setMuted(c echo.Context, muted bool) error {
	if err := s.conv.Audio.SetMuted(muted); err != nil {
		return c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, s.snapshot())
}

func (s *Server) startSession(c echo.Context) error {
	var body startBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
	}
	var dev audio.Device
	if body.DeviceID != "" {
		if d, ok := s.devices.Lookup(body.DeviceID); ok {
			dev = d
		}
	}
	if err := s.conv.Start(c.Request().Context(), body.PersonaID, dev); err != nil {
		code := startErrorStatus(err)
		s.logger.Warn("session start failed", "status", code, "error", err)
		return c.JSON(code, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, s.snapshot())
}

func startErrorStatus(err error) int {
	var se *session.SessionStartError
	switch {
	case errors.Is(err, session.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrCredential):
		return http.StatusBadGateway
	case errors.As(err, &se):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) endSession(c echo.Context) error {
	if err := s.conv.End(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, s.snapshot())
}

func (s *Server) transcript(c echo.Context) error {
	return c.JSON(http.StatusOK, s.conv.Transcript.Views())
}

func (s *Server) toolHistory(c echo.Context) error {
	return c.JSON(http.StatusOK, s.conv.Tools.History().Snapshot())
}

func (s *Server) viewer(c echo.Context) error {
	return c.JSON(http.StatusOK, s.conv.Viewer.State())
}

func (s *Server) minimizeViewer(c echo.Context) error {
	s.conv.Viewer.Minimize()
	return c.JSON(http.StatusOK, s.conv.Viewer.State())
}

func (s *Server) closeViewer(c echo.Context) error {
	s.conv.Viewer.Close()
	return c.JSON(http.StatusOK, s.conv.Viewer.State())
}

func (s *Server) notices(c echo.Context) error {
	return c.JSON(http.StatusOK, s.conv.Notices.Snapshot())
}
