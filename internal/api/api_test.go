package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rathamcloud/fleetd/internal/confirm"
	"github.com/rathamcloud/fleetd/internal/guardian"
	"github.com/rathamcloud/fleetd/internal/lifecycle"
	"github.com/rathamcloud/fleetd/internal/notify"
	"github.com/rathamcloud/fleetd/internal/ports"
	"github.com/rathamcloud/fleetd/internal/store"
)

type fakeRunner struct {
	commands []string
}

func (f *fakeRunner) Run(ctx context.Context, commandLine string) (string, error) {
	f.commands = append(f.commands, commandLine)
	return "ok", nil
}

func (f *fakeRunner) RunTimeout(ctx context.Context, commandLine string, _ time.Duration) (string, error) {
	return f.Run(ctx, commandLine)
}

type fixture struct {
	router *gin.Engine
	runner *fakeRunner
	store  *store.Store
	svc    *lifecycle.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(t.TempDir(), "admin-1", zap.NewNop())
	require.NoError(t, err)

	runner := &fakeRunner{}
	alloc := ports.NewAllocator(st, runner, 10000, 10010, zap.NewNop())
	svc := lifecycle.New(lifecycle.Params{
		Store:          st,
		Runner:         runner,
		Ports:          alloc,
		Notifier:       notify.Nop{},
		TemplateImage:  "ubuntu:22.04",
		StoragePool:    "default",
		InstancePrefix: "vps",
		Log:            zap.NewNop(),
	})
	host := guardian.NewHost(st, runner, notify.Nop{}, 90, time.Minute, zap.NewNop())

	srv := NewServer(Params{
		Service:       svc,
		Ports:         alloc,
		Store:         st,
		Host:          host,
		Confirmations: confirm.NewRegistry(time.Minute),
		Runner:        runner,
		BackupDir:     t.TempDir(),
		CPUThreshold:  90,
		RAMThreshold:  90,
		Log:           zap.NewNop(),
	})
	return &fixture{router: srv.Router(), runner: runner, store: st, svc: svc}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-Fleet-User", user)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func errKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "no error envelope in %s", w.Body.String())
	return e["kind"].(string)
}

func TestMissingUserHeader(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/instances", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/instances", "u1",
		map[string]any{"owner": "u1", "ram": 4, "cpu": 2, "disk": 20})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Empty(t, f.runner.commands)
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/instances", "admin-1",
		map[string]any{"owner": "u1", "ram": 4, "cpu": 2, "disk": 20})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	require.Equal(t, "vps-u1-1", body["id"])
	require.Equal(t, "running", body["status"])
	require.Equal(t, "4GB RAM / 2 CPU / 20GB Disk", body["config"])

	w = f.do(t, http.MethodGet, "/v1/instances/vps-u1-1", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "u1", decode(t, w)["owner"])
}

func TestCreateInvalidResources(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/instances", "admin-1",
		map[string]any{"owner": "u1", "ram": 0, "cpu": 2, "disk": 20})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "validation", errKind(t, w))
}

func TestUnknownInstanceIs404(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/instances/vps-u1-9/suspend", "admin-1",
		map[string]any{"reason": "abuse"})
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", errKind(t, w))
}

func TestSuspendStoppedIsConflict(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/instances", "admin-1",
		map[string]any{"owner": "u1", "ram": 4, "cpu": 2, "disk": 20})
	f.do(t, http.MethodPost, "/v1/instances/vps-u1-1/stop", "u1", nil)

	w := f.do(t, http.MethodPost, "/v1/instances/vps-u1-1/suspend", "admin-1",
		map[string]any{"reason": "abuse"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "state_conflict", errKind(t, w))
}

func TestAccessGating(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/instances", "admin-1",
		map[string]any{"owner": "u1", "ram": 4, "cpu": 2, "disk": 20})

	w := f.do(t, http.MethodPost, "/v1/instances/vps-u1-1/stop", "u2", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/v1/instances/vps-u1-1/share", "u1", map[string]any{"user": "u2"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/instances/vps-u1-1/stop", "u2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// shared users never get destructive rights
	w = f.do(t, http.MethodPost, "/v1/instances/vps-u1-1/reinstall", "u2", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestPortQuotaIs422(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/instances", "admin-1",
		map[string]any{"owner": "u1", "ram": 4, "cpu": 2, "disk": 20})

	w := f.do(t, http.MethodPost, "/v1/ports", "u1",
		map[string]any{"instance": "vps-u1-1", "internal_port": 8080})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "quota", errKind(t, w))

	w = f.do(t, http.MethodPost, "/v1/ports/slots", "admin-1",
		map[string]any{"user": "u1", "delta": 1})
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decode(t, w)["slots"])

	w = f.do(t, http.MethodPost, "/v1/ports", "u1",
		map[string]any{"instance": "vps-u1-1", "internal_port": 8080})
	require.Equal(t, http.StatusCreated, w.Code)
	require.EqualValues(t, 10000, decode(t, w)["host_port"])
}

func TestPortSlotsNeverShrinkBelowActive(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/instances", "admin-1",
		map[string]any{"owner": "u1", "ram": 4, "cpu": 2, "disk": 20})
	f.do(t, http.MethodPost, "/v1/ports/slots", "admin-1",
		map[string]any{"user": "u1", "delta": 1})
	f.do(t, http.MethodPost, "/v1/ports", "u1",
		map[string]any{"instance": "vps-u1-1", "internal_port": 8080})

	w := f.do(t, http.MethodPost, "/v1/ports/slots", "admin-1",
		map[string]any{"user": "u1", "delta": -1})
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decode(t, w)["slots"])
}

func TestReinstallConfirmationFlow(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/instances", "admin-1",
		map[string]any{"owner": "u1", "ram": 4, "cpu": 2, "disk": 20})
	f.runner.commands = nil

	w := f.do(t, http.MethodPost, "/v1/instances/vps-u1-1/reinstall", "u1", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	token := decode(t, w)["confirmation"].(string)
	require.Empty(t, f.runner.commands, "nothing runs before confirmation")

	w = f.do(t, http.MethodPost, "/v1/confirmations/"+token+"/confirm", "u2", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/v1/confirmations/"+token+"/confirm", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, strings.Join(f.runner.commands, "\n"), "rtc delete vps-u1-1 --force")

	w = f.do(t, http.MethodPost, "/v1/confirmations/"+token+"/confirm", "u1", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopAllConfirmationFlow(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/instances", "admin-1",
		map[string]any{"owner": "u1", "ram": 4, "cpu": 2, "disk": 20})
	f.runner.commands = nil

	w := f.do(t, http.MethodPost, "/v1/stop-all", "admin-1", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	token := decode(t, w)["confirmation"].(string)

	w = f.do(t, http.MethodPost, "/v1/confirmations/"+token+"/confirm", "admin-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"rtc stop --all --force"}, f.runner.commands)
	require.Equal(t, "stopped 1 instances", decode(t, w)["result"])

	f.store.View(func(st *store.State) {
		_, in, _ := st.FindInstance("vps-u1-1")
		require.Equal(t, store.StatusStopped, in.Status)
	})
}

func TestGuardianToggle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/guardians", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decode(t, w)["host_guardian_enabled"])

	w = f.do(t, http.MethodPost, "/v1/guardians/host", "admin-1", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/guardians", "u1", nil)
	require.Equal(t, false, decode(t, w)["host_guardian_enabled"])
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/admins", "admin-1", map[string]any{"user": "u2"})
	require.Equal(t, http.StatusCreated, w.Code)

	// delegated admins cannot manage the registry
	w = f.do(t, http.MethodPost, "/v1/admins", "u2", map[string]any{"user": "u3"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/admins/admin-1", "admin-1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "validation", errKind(t, w))

	w = f.do(t, http.MethodGet, "/v1/admins", "u2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "admin-1", decode(t, w)["main_admin"])
}

func TestServerStats(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/instances", "admin-1",
		map[string]any{"owner": "u1", "ram": 4, "cpu": 2, "disk": 20})

	w := f.do(t, http.MethodGet, "/v1/stats", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.EqualValues(t, 1, body["total"])
	require.EqualValues(t, 1, body["running"])
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
