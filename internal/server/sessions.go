package server

import (
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/finsight-labs/finsight/internal/ranking"
	"github.com/finsight-labs/finsight/internal/session"
)

var sessionsTracer = otel.Tracer("finsight/server")

// SessionHandler serves the query, analysis, and document endpoints in
// both synchronous and streaming form.
type SessionHandler struct {
	Orchestrator *session.Orchestrator
	Logger       *log.Logger
}

type queryRequest struct {
	Query string `json:"query"`
}

type analysisRequest struct {
	TimeHorizon string `json:"time_horizon"`
}

type documentsRequest struct {
	Query     string             `json:"query"`
	Documents []ranking.Document `json:"documents"`
}

// Register mounts the session routes. uploadLimit guards the document
// endpoints with the stricter upload profile on top of the group default.
func (h *SessionHandler) Register(g *echo.Group, uploadLimit echo.MiddlewareFunc) {
	g.POST("/query", h.query)
	g.POST("/query/stream", h.queryStream)
	g.POST("/analysis/:symbol", h.analysis)
	g.POST("/analysis/:symbol/stream", h.analysisStream)

	docs := g.Group("/documents")
	docs.Use(uploadLimit)
	docs.POST("", h.documents)
	docs.POST("/stream", h.documentsStream)
}

func (h *SessionHandler) query(c echo.Context) error {
	req, err := h.bindQuery(c)
	if err != nil {
		return err
	}
	return h.run(c, "SessionHandler.query", req)
}

func (h *SessionHandler) queryStream(c echo.Context) error {
	req, err := h.bindQuery(c)
	if err != nil {
		return err
	}
	return h.stream(c, "SessionHandler.queryStream", req)
}

func (h *SessionHandler) analysis(c echo.Context) error {
	req, err := h.bindAnalysis(c)
	if err != nil {
		return err
	}
	return h.run(c, "SessionHandler.analysis", req)
}

func (h *SessionHandler) analysisStream(c echo.Context) error {
	req, err := h.bindAnalysis(c)
	if err != nil {
		return err
	}
	return h.stream(c, "SessionHandler.analysisStream", req)
}

func (h *SessionHandler) documents(c echo.Context) error {
	req, err := h.bindDocuments(c)
	if err != nil {
		return err
	}
	return h.run(c, "SessionHandler.documents", req)
}

func (h *SessionHandler) documentsStream(c echo.Context) error {
	req, err := h.bindDocuments(c)
	if err != nil {
		return err
	}
	return h.stream(c, "SessionHandler.documentsStream", req)
}

func (h *SessionHandler) bindQuery(c echo.Context) (session.Request, error) {
	var body queryRequest
	if err := c.Bind(&body); err != nil {
		return session.Request{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return session.Request{Query: body.Query, Identity: c.RealIP()}, nil
}

func (h *SessionHandler) bindAnalysis(c echo.Context) (session.Request, error) {
	symbol := strings.TrimSpace(c.Param("symbol"))
	if symbol == "" {
		return session.Request{}, echo.NewHTTPError(http.StatusBadRequest, "symbol required")
	}
	var body analysisRequest
	if err := c.Bind(&body); err != nil {
		return session.Request{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return session.Request{Symbol: symbol, TimeHorizon: body.TimeHorizon, Identity: c.RealIP()}, nil
}

func (h *SessionHandler) bindDocuments(c echo.Context) (session.Request, error) {
	var body documentsRequest
	if err := c.Bind(&body); err != nil {
		return session.Request{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(body.Documents) == 0 {
		return session.Request{}, echo.NewHTTPError(http.StatusBadRequest, "documents required")
	}
	return session.Request{Query: body.Query, Documents: body.Documents, Identity: c.RealIP()}, nil
}

// run executes a session synchronously and returns the accumulated result.
func (h *SessionHandler) run(c echo.Context, spanName string, req session.Request) error {
	ctx, span := sessionsTracer.Start(c.Request().Context(), spanName)
	defer span.End()
	span.SetAttributes(attribute.String("session.kind", kindOf(req)))

	res, err := h.Orchestrator.Run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// stream executes a session and relays its events as SSE.
func (h *SessionHandler) stream(c echo.Context, spanName string, req session.Request) error {
	ctx, span := sessionsTracer.Start(c.Request().Context(), spanName)
	defer span.End()
	span.SetAttributes(attribute.String("session.kind", kindOf(req)))

	sess, err := h.Orchestrator.Open(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return httpError(c, err)
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	go sess.Stream(ctx)
	if err := writeEvents(c, sess); err != nil {
		span.RecordError(err)
		h.Logger.Printf("session %s: event stream aborted: %v", sess.ID, err)
		return err
	}
	return nil
}

func kindOf(req session.Request) string {
	if strings.TrimSpace(req.Symbol) != "" {
		return "analysis"
	}
	return "query"
}
