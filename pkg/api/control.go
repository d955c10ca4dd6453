package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/ai-village/village/pkg/fleet"
	"github.com/ai-village/village/pkg/metrics"
	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/router"
	"github.com/ai-village/village/pkg/services"
)

// ControlServer is the control plane's HTTP surface: the public session
// and fleet API, the subscriber websocket, and the runner ingest websocket.
type ControlServer struct {
	sessions *services.SessionHandler
	fleet    *fleet.Handler
	conns    *router.ConnectionManager
	events   *router.Router
	mets     *metrics.Metrics

	// authToken, when set, is required as a bearer token on the public API.
	authToken string
}

// NewControlServer wires the control plane handlers. mets may be nil;
// authToken may be empty to disable authentication.
func NewControlServer(sessions *services.SessionHandler, fl *fleet.Handler, conns *router.ConnectionManager, events *router.Router, mets *metrics.Metrics, authToken string) *ControlServer {
	return &ControlServer{
		sessions:  sessions,
		fleet:     fl,
		conns:     conns,
		events:    events,
		mets:      mets,
		authToken: authToken,
	}
}

// Routes registers all control plane routes on the engine.
func (s *ControlServer) Routes(r *gin.Engine) {
	r.GET("/healthz", s.healthz)
	if s.mets != nil {
		r.GET("/metrics", gin.WrapH(s.mets.Handler()))
	}
	r.GET("/ws", s.subscriberWS)
	r.GET("/internal/runner/events", s.runnerEventsWS)

	authed := r.Group("", s.requireAuth)

	sessions := authed.Group("/runner/sessions")
	sessions.POST("", s.createSession)
	sessions.GET("/:id", s.getSession)
	sessions.POST("/:id/input", s.sendInput)
	sessions.POST("/:id/stop", s.stopSession)
	sessions.POST("/:id/approvals/:approvalId", s.resolveApproval)

	runners := authed.Group("/runners")
	runners.POST("/register", s.registerRunner)
	runners.POST("/:id/heartbeat", s.heartbeat)
	runners.POST("/:id/drain", s.drainRunner)
	runners.DELETE("/:id", s.removeRunner)
	runners.GET("", s.listRunners)
}

// requireAuth enforces the static bearer token when one is configured.
func (s *ControlServer) requireAuth(c *gin.Context) {
	if s.authToken == "" {
		return
	}
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token != s.authToken {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid bearer token", nil)
	}
}

func (s *ControlServer) healthz(c *gin.Context) {
	total, used, available := s.fleet.Capacity()
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"fleet": gin.H{
			"total_slots": total,
			"used_slots":  used,
			"available":   available,
		},
	})
}

func (s *ControlServer) createSession(c *gin.Context) {
	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "malformed request body: "+err.Error(), nil)
		return
	}
	resp, err := s.sessions.CreateSession(c.Request.Context(), body.toRequest())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *ControlServer) getSession(c *gin.Context) {
	state, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *ControlServer) sendInput(c *gin.Context) {
	var body inputBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "malformed request body: "+err.Error(), nil)
		return
	}
	if err := s.sessions.SendInput(c.Request.Context(), c.Param("id"), body.Data); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *ControlServer) stopSession(c *gin.Context) {
	var body stopBody
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "malformed request body: "+err.Error(), nil)
		return
	}
	if err := s.sessions.StopSession(c.Request.Context(), c.Param("id"), body.graceful()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *ControlServer) resolveApproval(c *gin.Context) {
	var body approvalBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "malformed request body: "+err.Error(), nil)
		return
	}
	decision := models.ApprovalDecision(body.Decision)
	if decision != models.DecisionAllow && decision != models.DecisionDeny {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "decision must be allow or deny", nil)
		return
	}
	err := s.sessions.ResolveApproval(c.Request.Context(), c.Param("id"), c.Param("approvalId"), decision, body.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *ControlServer) registerRunner(c *gin.Context) {
	var req fleet.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "malformed request body: "+err.Error(), nil)
		return
	}
	runner, err := s.fleet.Register(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, runner)
}

func (s *ControlServer) heartbeat(c *gin.Context) {
	var hb models.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "malformed request body: "+err.Error(), nil)
		return
	}
	hb.RunnerID = c.Param("id")
	if err := s.fleet.ProcessHeartbeat(hb); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *ControlServer) drainRunner(c *gin.Context) {
	if err := s.fleet.Drain(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *ControlServer) removeRunner(c *gin.Context) {
	if err := s.fleet.Remove(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *ControlServer) listRunners(c *gin.Context) {
	filter := fleet.ListFilter{
		Status:   models.RunnerStatus(c.Query("status")),
		Provider: models.ProviderID(c.Query("providerId")),
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))

	runners, total := s.fleet.List(filter, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"runners":  runners,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// subscriberWS upgrades a client connection and hands it to the
// ConnectionManager; blocks until the websocket closes.
func (s *ControlServer) subscriberWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks are deployment-specific
	})
	if err != nil {
		return
	}
	s.conns.HandleConnection(c.Request.Context(), conn)
}

// runnerEventsWS upgrades a runner's event stream connection.
func (s *ControlServer) runnerEventsWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	s.events.HandleRunnerStream(c.Request.Context(), conn)
}
