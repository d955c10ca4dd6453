package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/session"
)

// RunnerServer is the runner's internal HTTP surface, called by the
// control plane's dispatcher. It is not exposed publicly.
type RunnerServer struct {
	sessions *session.Manager
}

// NewRunnerServer wires the runner's internal API over its session manager.
func NewRunnerServer(sessions *session.Manager) *RunnerServer {
	return &RunnerServer{sessions: sessions}
}

// Routes registers the internal routes on the engine.
func (s *RunnerServer) Routes(r *gin.Engine) {
	r.GET("/healthz", s.healthz)

	internal := r.Group("/internal")
	internal.POST("/sessions", s.startSession)
	internal.GET("/sessions/:id", s.getSession)
	internal.POST("/sessions/:id/input", s.sendInput)
	internal.POST("/sessions/:id/stop", s.stopSession)
	internal.POST("/sessions/:id/pause", s.pauseSession)
	internal.POST("/sessions/:id/resume", s.resumeSession)
	internal.POST("/sessions/:id/approvals/:approvalId", s.resolveApproval)
}

func (s *RunnerServer) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"active_sessions": s.sessions.Count(),
	})
}

func (s *RunnerServer) startSession(c *gin.Context) {
	var cfg models.SessionConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "malformed session config: "+err.Error(), nil)
		return
	}
	state, err := s.sessions.StartSession(&cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (s *RunnerServer) getSession(c *gin.Context) {
	state, err := s.sessions.GetSessionState(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *RunnerServer) sendInput(c *gin.Context) {
	var body inputBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "malformed request body: "+err.Error(), nil)
		return
	}
	if err := s.sessions.SendInput(c.Param("id"), []byte(body.Data)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *RunnerServer) stopSession(c *gin.Context) {
	var body stopBody
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		respondError(c, http.StatusBadRequest, CodeBadRequest, "malformed request body: "+err.Error(), nil)
		return
	}
	if err := s.sessions.StopSession(c.Param("id"), body.graceful()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *RunnerServer) pauseSession(c *gin.Context) {
	if err := s.sessions.PauseSession(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *RunnerServer) resumeSession(c *gin.Context) {
	if err := s.sessions.ResumeSession(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *RunnerServer) resolveApproval(c *gin.Context) {
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
	err := s.sessions.ResolveApproval(c.Param("id"), c.Param("approvalId"), decision, body.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
