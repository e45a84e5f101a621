package principal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicelgueta/cdktr/internal/metrics"
	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/repository"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

// HTTPServer is the UI/CLI-facing gateway: workflow listing and triggering,
// agent and status views, log queries, and Prometheus metrics. It adapts
// the same internals the control server serves over NATS.
type HTTPServer struct {
	store    *workflow.Store
	registry *Registry
	repo     *repository.Registry
	enqueue  EnqueueFunc
	logger   *slog.Logger
	srv      *http.Server
}

// NewHTTPServer builds the gateway bound to addr.
func NewHTTPServer(
	addr string,
	store *workflow.Store,
	registry *Registry,
	repo *repository.Registry,
	enqueue EnqueueFunc,
	m *metrics.Metrics,
	logger *slog.Logger,
) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPServer{
		store:    store,
		registry: registry,
		repo:     repo,
		enqueue:  enqueue,
		logger:   logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if m != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	api.GET("/workflows", s.listWorkflows)
	api.POST("/workflows/:id/run", s.runWorkflow)
	api.GET("/agents", s.listAgents)
	api.GET("/statuses/recent", s.recentStatuses)
	api.GET("/logs", s.queryLogs)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests.
func (s *HTTPServer) ListenAndServe() error {
	s.logger.Info("http gateway listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) listWorkflows(c *gin.Context) {
	defs := s.store.List()
	out := make([]protocol.WorkflowMeta, 0, len(defs))
	for _, wf := range defs {
		out = append(out, protocol.WorkflowMeta{
			ID:          wf.ID,
			Name:        wf.Name,
			Description: wf.Description,
			Cron:        wf.Cron,
			TaskCount:   len(wf.Tasks),
		})
	}
	c.JSON(http.StatusOK, gin.H{"workflows": out})
}

func (s *HTTPServer) runWorkflow(c *gin.Context) {
	workflowID := c.Param("id")
	instanceID, err := s.enqueue(protocol.OriginManual, workflowID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_instance_id": instanceID})
}

func (s *HTTPServer) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.registry.List()})
}

func (s *HTTPServer) recentStatuses(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := s.repo.Statuses.RecentWorkflowStatuses(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]protocol.InstanceStatus, 0, len(rows))
	for _, row := range rows {
		out = append(out, protocol.InstanceStatus{
			WorkflowID:         row.WorkflowID,
			WorkflowInstanceID: row.WorkflowInstanceID,
			Status:             row.Status,
			TimestampMS:        row.TimestampMS,
		})
	}
	c.JSON(http.StatusOK, gin.H{"statuses": out})
}

func (s *HTTPServer) queryLogs(c *gin.Context) {
	q := protocol.LogQuery{
		WorkflowID:         c.Query("workflow_id"),
		WorkflowInstanceID: c.Query("workflow_instance_id"),
		TaskInstanceID:     c.Query("task_instance_id"),
		Level:              c.Query("level"),
	}
	q.SinceMS, _ = strconv.ParseInt(c.Query("since_ms"), 10, 64)
	q.UntilMS, _ = strconv.ParseInt(c.Query("until_ms"), 10, 64)
	q.Limit, _ = strconv.Atoi(c.Query("limit"))

	entries, err := s.repo.Logs.Query(c.Request.Context(), q)
	if err != nil {
		abortWithError(c, err)
		return
	}
	frames := make([]protocol.LogFrame, 0, len(entries))
	for _, e := range entries {
		frames = append(frames, e.Frame())
	}
	c.JSON(http.StatusOK, gin.H{"frames": frames})
}

func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch protocol.KindOf(err) {
	case protocol.KindNotFound:
		status = http.StatusNotFound
	case protocol.KindQueueFull:
		status = http.StatusTooManyRequests
	case protocol.KindProtocol, protocol.KindInvalidWorkflow:
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": fmt.Sprintf("%v", err)})
}
