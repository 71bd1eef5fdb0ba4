package distributed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

type exchangeRequest struct {
	Rank    int    `json:"rank"`
	Op      string `json:"op"`
	Root    int    `json:"root"`
	Payload []byte `json:"payload,omitempty"`
}

type exchangeResponse struct {
	Payloads [][]byte `json:"payloads,omitempty"`
}

type errorResponse struct {
	Reason   string `json:"reason"`
	Mismatch bool   `json:"mismatch,omitempty"`
}

type healthResponse struct {
	WorldSize int `json:"world_size"`
}

// Server hosts the rendezvous for processes that do not share an address
// space. A collective request is held open until every rank has posted its
// contribution for the same sequence number.
type Server struct {
	e      *echo.Echo
	r      *rendezvous
	logger *slog.Logger
}

// NewServer creates a rendezvous server for worldSize processes.
func NewServer(worldSize int, logger *slog.Logger) *Server {
	s := &Server{
		e:      echo.New(),
		r:      newRendezvous(worldSize),
		logger: logger.With("system", "rendezvous"),
	}
	s.e.HideBanner = true
	s.e.HidePort = true

	s.e.GET("/healthz", s.health)
	s.e.POST("/v1/rendezvous/:seq", s.exchange)
	return s
}

// Handler exposes the server for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start listens on addr and blocks until the server stops. It returns nil
// after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("rendezvous listening", "addr", addr, "world_size", s.r.size)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight collectives up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{WorldSize: s.r.size})
}

func (s *Server) exchange(c echo.Context) error {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "sequence number must be an unsigned integer")
	}

	var req exchangeRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	start := time.Now()
	payloads, err := s.r.exchange(c.Request().Context(), seq, req.Rank, req.Op, req.Root, req.Payload)
	if err != nil {
		s.logger.Warn("collective failed", "seq", seq, "rank", req.Rank, "op", req.Op, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrCollectiveMismatch) {
			status = http.StatusConflict
		}
		return c.JSON(status, errorResponse{
			Reason:   err.Error(),
			Mismatch: status == http.StatusConflict,
		})
	}

	s.logger.Debug("collective complete", "seq", seq, "rank", req.Rank, "op", req.Op, "waited", time.Since(start))
	return c.JSON(http.StatusOK, exchangeResponse{Payloads: payloads})
}
