package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rathamcloud/fleetd/internal/store"
)

func (s *Server) listInstances(c *gin.Context) {
	user := caller(c)
	c.JSON(http.StatusOK, gin.H{"instances": s.svc.List(user, s.svc.IsAdmin(user))})
}

func (s *Server) createInstance(c *gin.Context) {
	var req struct {
		Owner string `json:"owner"`
		RAM   int    `json:"ram"`
		CPU   int    `json:"cpu"`
		Disk  int    `json:"disk"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody("validation", err.Error()))
		return
	}
	inst, err := s.svc.Create(c.Request.Context(), req.Owner, req.RAM, req.CPU, req.Disk)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) getInstance(c *gin.Context) {
	stats, err := s.svc.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) deleteInstance(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := s.svc.Delete(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startInstance(c *gin.Context) {
	s.simpleOp(c, s.svc.Start)
}

func (s *Server) stopInstance(c *gin.Context) {
	s.simpleOp(c, s.svc.Stop)
}

func (s *Server) restartInstance(c *gin.Context) {
	s.simpleOp(c, s.svc.Restart)
}

func (s *Server) simpleOp(c *gin.Context, op func(context.Context, string) error) {
	if err := op(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) suspendInstance(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := s.svc.Suspend(c.Request.Context(), c.Param("id"), req.Reason, caller(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "suspended"})
}

func (s *Server) unsuspendInstance(c *gin.Context) {
	if err := s.svc.Unsuspend(c.Request.Context(), c.Param("id"), caller(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (s *Server) resizeInstance(c *gin.Context) {
	s.applyResize(c, s.svc.Resize)
}

func (s *Server) growInstance(c *gin.Context) {
	s.applyResize(c, s.svc.Grow)
}

func (s *Server) applyResize(c *gin.Context, op func(context.Context, string, int, int, int) (store.Instance, error)) {
	var req struct {
		RAM  int `json:"ram"`
		CPU  int `json:"cpu"`
		Disk int `json:"disk"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody("validation", err.Error()))
		return
	}
	inst, err := op(c.Request.Context(), c.Param("id"), req.RAM, req.CPU, req.Disk)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// reinstallInstance is destructive: it parks the action behind a
// confirmation token instead of running it immediately.
func (s *Server) reinstallInstance(c *gin.Context) {
	id := c.Param("id")
	user := caller(c)

	owner, _, err := s.svc.Get(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if owner != user && !s.svc.IsAdmin(user) {
		c.JSON(http.StatusForbidden, errBody("validation", "owner rights required"))
		return
	}

	ticket := s.confirms.Request(user, "reinstall "+id, func(ctx context.Context) (string, error) {
		if _, err := s.svc.Reinstall(ctx, id); err != nil {
			return "", err
		}
		return id + " reinstalled", nil
	})
	c.JSON(http.StatusAccepted, gin.H{"confirmation": ticket.Token, "action": ticket.Action, "expires_at": ticket.ExpiresAt})
}

func (s *Server) cloneInstance(c *gin.Context) {
	inst, err := s.svc.Clone(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) migrateInstance(c *gin.Context) {
	var req struct {
		Pool string `json:"pool"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody("validation", err.Error()))
		return
	}
	if err := s.svc.Migrate(c.Request.Context(), c.Param("id"), req.Pool); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "migrated", "pool": req.Pool})
}

func (s *Server) snapshotInstance(c *gin.Context) {
	name, err := s.svc.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"snapshot": name})
}

func (s *Server) restoreInstance(c *gin.Context) {
	var req struct {
		Snapshot string `json:"snapshot"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody("validation", err.Error()))
		return
	}
	if err := s.svc.Restore(c.Request.Context(), c.Param("id"), req.Snapshot); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restored", "snapshot": req.Snapshot})
}

func (s *Server) listSnapshots(c *gin.Context) {
	names, err := s.svc.Snapshots(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": names})
}

func (s *Server) execInstance(c *gin.Context) {
	var req struct {
		Command string `json:"command"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody("validation", err.Error()))
		return
	}
	out, err := s.svc.Exec(c.Request.Context(), c.Param("id"), req.Command)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}

func (s *Server) listProcesses(c *gin.Context) {
	out, err := s.svc.Processes(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processes": out})
}

func (s *Server) tailLogs(c *gin.Context) {
	lines, _ := strconv.Atoi(c.DefaultQuery("lines", "50"))
	out, err := s.svc.Logs(c.Request.Context(), c.Param("id"), lines)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": out})
}

func (s *Server) instanceUsage(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	samples, err := s.svc.Usage(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples})
}

func (s *Server) shareInstance(c *gin.Context) {
	var req struct {
		User string `json:"user"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.User == "" {
		c.JSON(http.StatusBadRequest, errBody("validation", "user is required"))
		return
	}
	if err := s.svc.Share(c.Param("id"), req.User); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shared", "user": req.User})
}

func (s *Server) unshareInstance(c *gin.Context) {
	if err := s.svc.Unshare(c.Param("id"), c.Param("user")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) networkLimit(c *gin.Context) {
	var req struct {
		Direction string `json:"direction"`
		Value     string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody("validation", err.Error()))
		return
	}
	if err := s.svc.NetworkLimit(c.Request.Context(), c.Param("id"), req.Direction, req.Value); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listPorts(c *gin.Context) {
	user := caller(c)
	var slots int
	var forwards []store.Forward
	s.store.View(func(st *store.State) {
		slots = st.Ports.Slots[user]
		forwards = append(forwards, st.Ports.Active[user]...)
	})
	c.JSON(http.StatusOK, gin.H{"slots": slots, "forwards": forwards})
}

func (s *Server) allocatePort(c *gin.Context) {
	var req struct {
		Instance     string `json:"instance"`
		InternalPort int    `json:"internal_port"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errBody("validation", err.Error()))
		return
	}
	user := caller(c)
	if !s.svc.CanOperate(user, req.Instance) {
		c.JSON(http.StatusForbidden, errBody("validation", "no access to this instance"))
		return
	}
	if req.InternalPort <= 0 || req.InternalPort > 65535 {
		c.JSON(http.StatusBadRequest, errBody("validation", "internal_port out of range"))
		return
	}
	fwd, err := s.ports.Allocate(c.Request.Context(), user, req.Instance, req.InternalPort)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, fwd)
}

func (s *Server) releasePort(c *gin.Context) {
	hostPort, err := strconv.Atoi(c.Param("hostPort"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errBody("validation", "host port must be a number"))
		return
	}
	if err := s.ports.Release(c.Request.Context(), caller(c), hostPort); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) grantSlots(c *gin.Context) {
	var req struct {
		User  string `json:"user"`
		Delta int    `json:"delta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.User == "" {
		c.JSON(http.StatusBadRequest, errBody("validation", "user and delta are required"))
		return
	}
	slots, err := s.ports.AdjustSlots(req.User, req.Delta)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": req.User, "slots": slots})
}

func (s *Server) listAdmins(c *gin.Context) {
	main, delegated := s.svc.Admins()
	c.JSON(http.StatusOK, gin.H{"main_admin": main, "admins": delegated})
}

func (s *Server) addAdmin(c *gin.Context) {
	var req struct {
		User string `json:"user"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.User == "" {
		c.JSON(http.StatusBadRequest, errBody("validation", "user is required"))
		return
	}
	if err := s.svc.AddAdmin(req.User); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": req.User})
}

func (s *Server) removeAdmin(c *gin.Context) {
	if err := s.svc.RemoveAdmin(c.Param("user")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) guardianStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"host_guardian_enabled": s.host.Enabled(),
		"cpu_threshold":         s.cpuThresh,
		"ram_threshold":         s.ramThresh,
	})
}

func (s *Server) toggleHostGuardian(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, errBody("validation", "enabled is required"))
		return
	}
	s.host.SetEnabled(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"host_guardian_enabled": *req.Enabled})
}

// requestStopAll parks a fleet-wide force stop behind a confirmation.
func (s *Server) requestStopAll(c *gin.Context) {
	user := caller(c)
	ticket := s.confirms.Request(user, "stop all instances", func(ctx context.Context) (string, error) {
		if _, err := s.runner.Run(ctx, "rtc stop --all --force"); err != nil {
			return "", err
		}
		stopped := s.host.StopAllRecords()
		count := 0
		for _, ids := range stopped {
			count += len(ids)
		}
		return fmt.Sprintf("stopped %d instances", count), nil
	})
	c.JSON(http.StatusAccepted, gin.H{"confirmation": ticket.Token, "action": ticket.Action, "expires_at": ticket.ExpiresAt})
}

func (s *Server) confirmAction(c *gin.Context) {
	result, err := s.confirms.Confirm(c.Request.Context(), c.Param("token"), caller(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) cancelAction(c *gin.Context) {
	if err := s.confirms.Cancel(c.Param("token"), caller(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) serverStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Totals())
}

func (s *Server) backupState(c *gin.Context) {
	path, err := s.store.BackupToDir(s.backupDir)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"archive": path})
}
