// Package api exposes the governance engine over HTTP. The chat surface
// in front of this service owns real authentication; callers identify
// themselves with the X-Fleet-User header and admin-gated routes consult
// the admin registry.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rathamcloud/fleetd/internal/confirm"
	"github.com/rathamcloud/fleetd/internal/executor"
	"github.com/rathamcloud/fleetd/internal/guardian"
	"github.com/rathamcloud/fleetd/internal/lifecycle"
	"github.com/rathamcloud/fleetd/internal/metrics"
	"github.com/rathamcloud/fleetd/internal/ports"
	"github.com/rathamcloud/fleetd/internal/store"
)

const userHeader = "X-Fleet-User"

// Params wires a Server.
type Params struct {
	Service       *lifecycle.Service
	Ports         *ports.Allocator
	Store         *store.Store
	Host          *guardian.Host
	Confirmations *confirm.Registry
	Runner        executor.Runner
	BackupDir     string
	CPUThreshold  float64
	RAMThreshold  float64
	Log           *zap.Logger
}

// Server is the HTTP surface.
type Server struct {
	svc       *lifecycle.Service
	ports     *ports.Allocator
	store     *store.Store
	host      *guardian.Host
	confirms  *confirm.Registry
	runner    executor.Runner
	backupDir string
	cpuThresh float64
	ramThresh float64
	log       *zap.Logger
}

func NewServer(p Params) *Server {
	return &Server{
		svc:       p.Service,
		ports:     p.Ports,
		store:     p.Store,
		host:      p.Host,
		confirms:  p.Confirmations,
		runner:    p.Runner,
		backupDir: p.BackupDir,
		cpuThresh: p.CPUThreshold,
		ramThresh: p.RAMThreshold,
		log:       p.Log,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1", s.identify)
	{
		v1.GET("/instances", s.listInstances)
		v1.POST("/instances", s.requireAdmin, s.createInstance)
		v1.GET("/instances/:id", s.requireAccess, s.getInstance)
		v1.DELETE("/instances/:id", s.requireAdmin, s.deleteInstance)

		v1.POST("/instances/:id/start", s.requireAccess, s.startInstance)
		v1.POST("/instances/:id/stop", s.requireAccess, s.stopInstance)
		v1.POST("/instances/:id/restart", s.requireAccess, s.restartInstance)
		v1.POST("/instances/:id/suspend", s.requireAdmin, s.suspendInstance)
		v1.POST("/instances/:id/unsuspend", s.requireAdmin, s.unsuspendInstance)
		v1.POST("/instances/:id/resize", s.requireAdmin, s.resizeInstance)
		v1.POST("/instances/:id/grow", s.requireAdmin, s.growInstance)
		v1.POST("/instances/:id/reinstall", s.requireAccess, s.reinstallInstance)
		v1.POST("/instances/:id/clone", s.requireAdmin, s.cloneInstance)
		v1.POST("/instances/:id/migrate", s.requireAdmin, s.migrateInstance)
		v1.POST("/instances/:id/snapshot", s.requireAdmin, s.snapshotInstance)
		v1.POST("/instances/:id/restore", s.requireAdmin, s.restoreInstance)
		v1.GET("/instances/:id/snapshots", s.requireAdmin, s.listSnapshots)
		v1.POST("/instances/:id/exec", s.requireAdmin, s.execInstance)
		v1.GET("/instances/:id/processes", s.requireAdmin, s.listProcesses)
		v1.GET("/instances/:id/logs", s.requireAdmin, s.tailLogs)
		v1.GET("/instances/:id/usage", s.requireAccess, s.instanceUsage)
		v1.POST("/instances/:id/share", s.requireOwner, s.shareInstance)
		v1.DELETE("/instances/:id/share/:user", s.requireOwner, s.unshareInstance)
		v1.POST("/instances/:id/network-limit", s.requireAdmin, s.networkLimit)

		v1.GET("/ports", s.listPorts)
		v1.POST("/ports", s.allocatePort)
		v1.DELETE("/ports/:hostPort", s.releasePort)
		v1.POST("/ports/slots", s.requireAdmin, s.grantSlots)

		v1.GET("/admins", s.requireAdmin, s.listAdmins)
		v1.POST("/admins", s.requireMainAdmin, s.addAdmin)
		v1.DELETE("/admins/:user", s.requireMainAdmin, s.removeAdmin)

		v1.GET("/guardians", s.guardianStatus)
		v1.POST("/guardians/host", s.requireAdmin, s.toggleHostGuardian)
		v1.POST("/stop-all", s.requireAdmin, s.requestStopAll)

		v1.POST("/confirmations/:token/confirm", s.confirmAction)
		v1.POST("/confirmations/:token/cancel", s.cancelAction)

		v1.GET("/stats", s.serverStats)
		v1.POST("/state/backup", s.requireAdmin, s.backupState)
	}
	return r
}

func (s *Server) identify(c *gin.Context) {
	user := c.GetHeader(userHeader)
	if user == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errBody("validation", userHeader+" header required"))
		return
	}
	c.Set("user", user)
}

func caller(c *gin.Context) string {
	return c.GetString("user")
}

func (s *Server) requireAdmin(c *gin.Context) {
	if !s.svc.IsAdmin(caller(c)) {
		c.AbortWithStatusJSON(http.StatusForbidden, errBody("validation", "admin rights required"))
	}
}

func (s *Server) requireMainAdmin(c *gin.Context) {
	if !s.svc.IsMainAdmin(caller(c)) {
		c.AbortWithStatusJSON(http.StatusForbidden, errBody("validation", "main admin rights required"))
	}
}

// requireAccess admits the owner, shared users and admins.
func (s *Server) requireAccess(c *gin.Context) {
	if !s.svc.CanOperate(caller(c), c.Param("id")) {
		c.AbortWithStatusJSON(http.StatusForbidden, errBody("validation", "no access to this instance"))
	}
}

// requireOwner admits the owner and admins, not shared users.
func (s *Server) requireOwner(c *gin.Context) {
	user := caller(c)
	if s.svc.IsAdmin(user) {
		return
	}
	owner, _, err := s.svc.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		c.Abort()
		return
	}
	if owner != user {
		c.AbortWithStatusJSON(http.StatusForbidden, errBody("validation", "owner rights required"))
	}
}

func errBody(kind, message string) gin.H {
	return gin.H{"error": gin.H{"kind": kind, "message": message}}
}

// fail renders err in the error envelope, mapping the error kind to an
// HTTP status.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		verr     *lifecycle.ValidationError
		nferr    *lifecycle.NotFoundError
		conflict *lifecycle.StateConflictError
		execErr  *executor.ExecutionError
		perr     *store.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, errBody("validation", err.Error()))
	case errors.As(err, &nferr), errors.Is(err, store.ErrNotFound), errors.Is(err, confirm.ErrUnknownToken):
		c.JSON(http.StatusNotFound, errBody("not_found", err.Error()))
	case errors.As(err, &conflict), errors.Is(err, confirm.ErrWrongUser):
		c.JSON(http.StatusConflict, errBody("state_conflict", err.Error()))
	case errors.Is(err, ports.ErrQuotaExceeded), errors.Is(err, ports.ErrRangeExhausted):
		c.JSON(http.StatusUnprocessableEntity, errBody("quota", err.Error()))
	case errors.As(err, &execErr):
		c.JSON(http.StatusBadGateway, errBody("execution", execErr.Stderr))
	case errors.As(err, &perr):
		c.JSON(http.StatusInternalServerError, errBody("persistence", err.Error()))
	default:
		s.log.Error("unclassified error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errBody("internal", err.Error()))
	}
}
