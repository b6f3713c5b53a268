// internal/server/server.go
package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/config"
)

// SupervisorAPI is the slice of the supervisor the hook surface exposes.
type SupervisorAPI interface {
	Submit(ctx context.Context, text string) (*schemas.ExecResponse, error)
	Snapshot(jobID string) (*schemas.Job, error)
	Control(jobID string, mode schemas.RunMode) (*schemas.ControlResponse, error)
	SubmitUserInput(sub schemas.UserInputSubmission) (*schemas.UserInputResponse, error)
	Status() *schemas.StatusResponse
	Result(jobID string) (*schemas.ExecutionResult, error)
	Text(jobID string) (*schemas.TextResponse, error)
	Refresh(ctx context.Context, jobID, target string) (*schemas.RefreshResponse, error)
}

// BrowserAPI is the slice of the session manager the automation surface
// exposes.
type BrowserAPI interface {
	Create(ctx context.Context, sessionID string, useProxy bool) (string, error)
	Destroy(ctx context.Context, sessionID string) error
	Navigate(ctx context.Context, sessionID, targetURL string) (*schemas.Observation, error)
	Screenshot(ctx context.Context, sessionID string) (*schemas.Observation, error)
	ClickCell(ctx context.Context, sessionID, cell string) (*schemas.Observation, error)
	TypeAtCell(ctx context.Context, sessionID, cell, text string) (*schemas.Observation, error)
	HoldDrag(ctx context.Context, sessionID, fromCell, toCell string) (*schemas.Observation, error)
	Scroll(ctx context.Context, sessionID string, dx, dy int) (*schemas.Observation, error)
	Grid() schemas.GridSpec
	SetGrid(g schemas.GridSpec) error
	SmokeCheck(ctx context.Context, targetURL string, useProxy bool) (*schemas.Observation, error)
}

// Server is the HTTP edge: thin adapters over the supervisor and the
// session manager. Cache-busting query params (nocache, ts) are accepted
// and ignored everywhere.
type Server struct {
	echo    *echo.Echo
	sup     SupervisorAPI
	browser BrowserAPI
	cfg     config.ServerConfig
	logger  *zap.Logger
}

func New(cfg config.ServerConfig, sup SupervisorAPI, browser BrowserAPI, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		sup:     sup,
		browser: browser,
		cfg:     cfg,
		logger:  logger.Named("server"),
	}
	e.HTTPErrorHandler = s.errorHandler
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := s.echo.Group("/api")

	hook := api.Group("/hook")
	hook.POST("/exec", s.handleExec)
	hook.GET("/log", s.handleLog)
	hook.POST("/control", s.handleControl)
	hook.POST("/user_input", s.handleUserInput)
	hook.GET("/status", s.handleStatus)
	hook.GET("/text", s.handleText)
	hook.GET("/result", s.handleResult)
	hook.GET("/refresh", s.handleRefresh)

	auto := api.Group("/automation")
	auto.POST("/session/create", s.handleSessionCreate)
	auto.DELETE("/session/:id", s.handleSessionDestroy)
	auto.POST("/navigate", s.handleNavigate)
	auto.GET("/screenshot", s.handleScreenshot)
	auto.POST("/click-cell", s.handleClickCell)
	auto.POST("/type-at-cell", s.handleTypeAtCell)
	auto.POST("/hold-drag", s.handleHoldDrag)
	auto.POST("/scroll", s.handleScroll)
	auto.GET("/grid", s.handleGetGrid)
	auto.POST("/grid/set", s.handleSetGrid)
	auto.POST("/smoke-check", s.handleSmokeCheck)
}

// errorHandler maps sentinel errors to status codes; step-level failures
// never reach here, they live inside the job log.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, map[string]any{"error": he.Message})
		return
	}

	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, schemas.ErrInvalidInput),
		errors.Is(err, schemas.ErrInvalidURL),
		errors.Is(err, schemas.ErrOutOfBounds):
		code = http.StatusBadRequest
	case errors.Is(err, schemas.ErrBusy):
		code = http.StatusTooManyRequests
	case errors.Is(err, schemas.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, schemas.ErrNotWaiting):
		code = http.StatusConflict
	case errors.Is(err, schemas.ErrSessionGone):
		code = http.StatusGone
	}

	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed.", zap.String("path", c.Path()), zap.Error(err))
	}
	_ = c.JSON(code, map[string]string{"error": err.Error()})
}

// -- Hook handlers --

func (s *Server) handleExec(c echo.Context) error {
	var req schemas.ExecRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	resp, err := s.sup.Submit(c.Request().Context(), req.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLog(c echo.Context) error {
	snap, err := s.sup.Snapshot(c.QueryParam("job_id"))
	if err != nil {
		if errors.Is(err, schemas.ErrNotFound) {
			// Nothing submitted yet; the poller treats this as idle.
			return c.JSON(http.StatusOK, &schemas.LogResponse{
				Logs:   []schemas.AgentLogEntry{},
				Status: schemas.JobStatusIdle,
			})
		}
		return err
	}

	logs := snap.Log
	if logs == nil {
		logs = []schemas.AgentLogEntry{}
	}
	return c.JSON(http.StatusOK, &schemas.LogResponse{
		Logs:        logs,
		Status:      snap.Status,
		SessionID:   snap.SessionID,
		Observation: snap.Observation,
		AskUser:     snap.AskUser,
		ProfileID:   snap.ProfileID,
	})
}

func (s *Server) handleControl(c echo.Context) error {
	var req schemas.ControlRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	resp, err := s.sup.Control(req.JobID, req.Mode)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUserInput(c echo.Context) error {
	var req schemas.UserInputSubmission
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	resp, err := s.sup.SubmitUserInput(req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sup.Status())
}

func (s *Server) handleText(c echo.Context) error {
	resp, err := s.sup.Text(c.QueryParam("job_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleResult(c echo.Context) error {
	result, err := s.sup.Result(c.QueryParam("job_id"))
	if err != nil {
		return err
	}
	// result stays null while the job is in flight.
	return c.JSON(http.StatusOK, &schemas.ResultResponse{Result: result})
}

func (s *Server) handleRefresh(c echo.Context) error {
	// Best-effort: a refresh that finds nothing to refresh is still OK.
	resp, err := s.sup.Refresh(c.Request().Context(), c.QueryParam("job_id"), c.QueryParam("target"))
	if err != nil {
		return c.JSON(http.StatusOK, &schemas.RefreshResponse{Status: "noop"})
	}
	return c.JSON(http.StatusOK, resp)
}

// -- Automation handlers --

func (s *Server) handleSessionCreate(c echo.Context) error {
	var req schemas.SessionCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	id, err := s.browser.Create(c.Request().Context(), req.SessionID, req.UseProxy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &schemas.SessionCreateResponse{SessionID: id})
}

func (s *Server) handleSessionDestroy(c echo.Context) error {
	if err := s.browser.Destroy(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleNavigate(c echo.Context) error {
	var req schemas.NavigateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	obs, err := s.browser.Navigate(c.Request().Context(), req.SessionID, req.URL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &schemas.NavigateResponse{
		Success:    true,
		URL:        obs.CurrentURL,
		Screenshot: obs.Screenshot,
		Title:      obs.PageTitle,
		Viewport:   obs.Viewport,
		Grid:       obs.Grid,
		Vision:     obs.Vision,
	})
}

func (s *Server) handleScreenshot(c echo.Context) error {
	obs, err := s.browser.Screenshot(c.Request().Context(), c.QueryParam("session_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obs)
}

func (s *Server) handleClickCell(c echo.Context) error {
	var req schemas.ClickCellRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	obs, err := s.browser.ClickCell(c.Request().Context(), req.SessionID, req.Cell)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obs)
}

func (s *Server) handleTypeAtCell(c echo.Context) error {
	var req schemas.TypeAtCellRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	obs, err := s.browser.TypeAtCell(c.Request().Context(), req.SessionID, req.Cell, req.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obs)
}

func (s *Server) handleHoldDrag(c echo.Context) error {
	var req schemas.HoldDragRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	obs, err := s.browser.HoldDrag(c.Request().Context(), req.SessionID, req.FromCell, req.ToCell)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obs)
}

func (s *Server) handleScroll(c echo.Context) error {
	var req schemas.ScrollRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	obs, err := s.browser.Scroll(c.Request().Context(), req.SessionID, req.DX, req.DY)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obs)
}

func (s *Server) handleGetGrid(c echo.Context) error {
	return c.JSON(http.StatusOK, s.browser.Grid())
}

func (s *Server) handleSetGrid(c echo.Context) error {
	var req schemas.GridSpec
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.browser.SetGrid(req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.browser.Grid())
}

func (s *Server) handleSmokeCheck(c echo.Context) error {
	var req schemas.SmokeCheckRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	obs, err := s.browser.SmokeCheck(c.Request().Context(), req.URL, req.UseProxy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obs)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve runs the HTTP server on an already-bound listener and blocks until
// Shutdown or a fatal error.
func (s *Server) Serve(ln net.Listener) error {
	s.echo.Listener = ln
	s.logger.Info("HTTP server listening.", zap.String("addr", ln.Addr().String()))
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
