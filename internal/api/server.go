// Package api serves the match REST surface on fiber.
package api

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/matchmaker"
	"github.com/park285/indichess-match/internal/metrics"
	"github.com/park285/indichess-match/internal/msgcat"
	"github.com/park285/indichess-match/internal/obslog"
	"github.com/park285/indichess-match/internal/pgn"
	"go.uber.org/zap"
)

// History is the read side of the move ledger and chat log.
type History interface {
	ListMoves(ctx context.Context, matchID string) ([]*domain.Move, error)
	ListChat(ctx context.Context, matchID string) ([]*domain.ChatEntry, error)
}

type Deps struct {
	Matchmaker     *matchmaker.Matchmaker
	History        History
	Metrics        *metrics.Metrics
	Catalog        *msgcat.Catalog
	IdentityHeader string
	RequestTimeout time.Duration
	// Ready reports backend health for /healthz; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	deps Deps
	app  *fiber.App
}

const routeLabelKey = "route_label"

func New(d Deps) *Server {
	if strings.TrimSpace(d.IdentityHeader) == "" {
		d.IdentityHeader = "X-User-Email"
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 5 * time.Second
	}
	s := &Server{deps: d}
	s.app = fiber.New(fiber.Config{
		AppName:               "matchd",
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
		DisableStartupMessage: true,
		// identities and ids outlive the request once stored
		Immutable:    true,
		ErrorHandler: s.errorHandler,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	app := s.app
	app.Use(s.observe)

	app.Get("/healthz", s.health)
	app.Get("/metrics", adaptor.HTTPHandler(s.deps.Metrics.Handler()))

	m := app.Group("/matches")
	m.Post("/create", func(c *fiber.Ctx) error { return s.create(c, c.Query("gameType")) })
	m.Post("/create-rapid", func(c *fiber.Ctx) error { return s.create(c, string(domain.GameRapid)) })
	m.Get("/my", s.myMatches)
	m.Get("/:id", s.getMatch)
	m.Post("/:id/join", s.join)
	m.Post("/:id/cancel", s.cancel)

	g := app.Group("/games")
	g.Get("/:id/moves", s.moves)
	g.Get("/:id/chat", s.chat)
	g.Get("/:id/pgn", s.pgn)

	app.Use(func(c *fiber.Ctx) error {
		c.Locals(routeLabelKey, "unmatched")
		return writeError(c, fiber.StatusNotFound, domain.CodeNotFound, "no such route", false)
	})
}

func (s *Server) Serve(ln net.Listener) error { return s.app.Listener(ln) }

func (s *Server) ListenAndServe(addr string) error {
	obslog.L().Info("api_listen", zap.String("addr", addr))
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.app.ShutdownWithContext(ctx) }

// observe records per-route metrics labelled with the route template.
func (s *Server) observe(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		status = fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
	}
	label, _ := c.Locals(routeLabelKey).(string)
	if label == "" {
		label = c.Route().Path
	}
	s.deps.Metrics.ObserveHTTP(c.Method(), label, status, time.Since(start))
	return err
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return writeError(c, fe.Code, "http", fe.Message, false)
	}
	return s.fail(c, err)
}

func (s *Server) ctx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.deps.RequestTimeout)
}

func (s *Server) identity(c *fiber.Ctx) (string, error) {
	id := strings.TrimSpace(c.Get(s.deps.IdentityHeader))
	if id == "" {
		return "", writeError(c, fiber.StatusUnauthorized, "unauthenticated", "missing "+s.deps.IdentityHeader+" header", false)
	}
	return id, nil
}

func (s *Server) health(c *fiber.Ctx) error {
	if s.deps.Ready != nil {
		ctx, cancel := s.ctx(c)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) create(c *fiber.Ctx, gameType string) error {
	who, err := s.identity(c)
	if who == "" {
		return err
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	m, err := s.deps.Matchmaker.RequestMatch(ctx, who, gameType)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

func (s *Server) myMatches(c *fiber.Ctx) error {
	who, err := s.identity(c)
	if who == "" {
		return err
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	list, err := s.deps.Matchmaker.MyMatches(ctx, who)
	if err != nil {
		return s.fail(c, err)
	}
	if list == nil {
		list = []*domain.Match{}
	}
	return c.JSON(list)
}

func (s *Server) getMatch(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	m, err := s.deps.Matchmaker.GetMatch(ctx, c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(m)
}

func (s *Server) join(c *fiber.Ctx) error {
	who, err := s.identity(c)
	if who == "" {
		return err
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	m, err := s.deps.Matchmaker.JoinMatch(ctx, c.Params("id"), who)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(m)
}

func (s *Server) cancel(c *fiber.Ctx) error {
	who, err := s.identity(c)
	if who == "" {
		return err
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.deps.Matchmaker.CancelWaitingMatch(ctx, c.Params("id"), who); err != nil {
		return s.fail(c, err)
	}
	c.Status(fiber.StatusNoContent)
	return nil
}

func (s *Server) moves(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	list, err := s.deps.History.ListMoves(ctx, c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if list == nil {
		list = []*domain.Move{}
	}
	return c.JSON(list)
}

func (s *Server) chat(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	list, err := s.deps.History.ListChat(ctx, c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if list == nil {
		list = []*domain.ChatEntry{}
	}
	return c.JSON(list)
}

func (s *Server) pgn(c *fiber.Ctx) error {
	id := c.Params("id")
	ctx, cancel := s.ctx(c)
	defer cancel()
	m, err := s.deps.Matchmaker.GetMatch(ctx, id)
	if err != nil {
		return s.fail(c, err)
	}
	moves, err := s.deps.History.ListMoves(ctx, id)
	if err != nil {
		return s.fail(c, err)
	}
	c.Set(fiber.HeaderContentType, "application/x-chess-pgn; charset=utf-8")
	return c.SendString(pgn.Build(m, moves, s.deps.Catalog))
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case domain.IsNotFound(err):
		return fiber.StatusNotFound
	case domain.IsConflict(err):
		return fiber.StatusConflict
	case domain.IsValidation(err):
		return fiber.StatusBadRequest
	case domain.IsStorage(err):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := StatusFor(err)
	code := "internal"
	msg := "internal error"
	var de *domain.DomainError
	if errors.As(err, &de) {
		code, msg = de.Code, de.Message
		if msg == "" {
			msg = de.Error()
		}
	}
	if status >= 500 {
		obslog.L().Error("api_error", zap.String("path", c.Path()), zap.Int("status", status), zap.Error(err))
	}
	return writeError(c, status, code, msg, domain.Retryable(err))
}

func writeError(c *fiber.Ctx, status int, code, msg string, retryable bool) error {
	return c.Status(status).JSON(errorBody{Code: code, Message: msg, Retryable: retryable})
}
