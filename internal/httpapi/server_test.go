package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Cyabanz/new-domain92/internal/config"
	"github.com/Cyabanz/new-domain92/internal/extract"
	"github.com/Cyabanz/new-domain92/internal/ledger"
	"github.com/Cyabanz/new-domain92/internal/models"
	"github.com/Cyabanz/new-domain92/internal/notify"
	"github.com/Cyabanz/new-domain92/internal/pipeline"
	"github.com/Cyabanz/new-domain92/internal/security"
	"github.com/Cyabanz/new-domain92/internal/session"
	"github.com/Cyabanz/new-domain92/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type apiFixture struct {
	server *Server
	db     *gorm.DB
	ledger *ledger.Ledger
	token  string
}

// newAPIFixture stands up the full stack over a temp sqlite file with
// one registered principal. The worker script writes two identifiers.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "api.db")
	conn, errOpen := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, _ := conn.DB()
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := conn.AutoMigrate(&models.Principal{}, &models.Link{}, &models.ProvisionRun{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	token, errToken := security.GenerateToken()
	if errToken != nil {
		t.Fatalf("token: %v", errToken)
	}
	principal := models.Principal{ID: 7, DisplayName: "alice", APIToken: token}
	if errCreate := conn.Create(&principal).Error; errCreate != nil {
		t.Fatalf("create principal: %v", errCreate)
	}

	quota, errLedger := ledger.New(conn, 3)
	if errLedger != nil {
		t.Fatalf("ledger: %v", errLedger)
	}

	script := `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--outfile" ]; then out="$2"; fi
  shift
done
printf "alpha.petezah.example.com\nbeta.petezah.example.com\n" > "$out"
`
	workerPath := filepath.Join(t.TempDir(), "fake-worker.sh")
	if errWrite := os.WriteFile(workerPath, []byte("#!/bin/sh\n"+script+"\n"), 0755); errWrite != nil {
		t.Fatalf("write worker: %v", errWrite)
	}

	cfg := config.Default()
	cfg.Worker.Command = workerPath
	cfg.Worker.Timeout = config.Duration(time.Minute)
	cfg.Worker.WorkDir = t.TempDir()

	sessions := session.NewStore(cfg.SessionTTL.Std())
	runner := worker.NewRunner(cfg.Worker)
	pipe, errPipe := pipeline.New(conn, sessions, quota, runner, extract.New(), notify.New(""))
	if errPipe != nil {
		t.Fatalf("pipeline: %v", errPipe)
	}

	return &apiFixture{
		server: New(&cfg, conn, sessions, quota, pipe),
		db:     conn,
		ledger: quota,
		token:  token,
	}
}

func (f *apiFixture) request(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, errMarshal := json.Marshal(body)
		if errMarshal != nil {
			t.Fatalf("marshal body: %v", errMarshal)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.server.Router().ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if errDecode := json.Unmarshal(recorder.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), errDecode)
	}
	return out
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodGet, "/healthz", nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["status"] != "ok" || body["database"] != "sqlite" {
		t.Fatalf("body = %v", body)
	}
	if _, ok := body["settings_refreshed_at"]; !ok {
		t.Fatalf("missing settings_refreshed_at in %v", body)
	}
}

func TestAuthRefreshesLastActive(t *testing.T) {
	f := newAPIFixture(t)

	stale := time.Now().Add(-time.Hour)
	errStale := f.db.Model(&models.Principal{}).
		Where("id = ?", uint64(7)).
		Update("last_active", stale).Error
	if errStale != nil {
		t.Fatalf("set stale last_active: %v", errStale)
	}

	recorder := f.request(t, http.MethodGet, "/api/targets", nil, f.token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}

	var principal models.Principal
	if errFind := f.db.First(&principal, "id = ?", uint64(7)).Error; errFind != nil {
		t.Fatalf("reload principal: %v", errFind)
	}
	if !principal.LastActive.After(stale.Add(time.Minute)) {
		t.Fatalf("last_active = %v, not refreshed past %v", principal.LastActive, stale)
	}
}

func TestAuthRejectsMissingAndBogusTokens(t *testing.T) {
	f := newAPIFixture(t)

	recorder := f.request(t, http.MethodGet, "/api/targets", nil, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", recorder.Code)
	}

	recorder = f.request(t, http.MethodGet, "/api/targets", nil, "nd92_bogus")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("bogus token: status = %d", recorder.Code)
	}
}

func TestListTargets(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodGet, "/api/targets", nil, f.token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	targets, ok := body["targets"].([]any)
	if !ok || len(targets) == 0 {
		t.Fatalf("targets = %v", body["targets"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	recorder := f.request(t, http.MethodGet, "/api/session", nil, f.token)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("empty status = %d", recorder.Code)
	}

	recorder = f.request(t, http.MethodPost, "/api/session", gin.H{"target": "nope"}, f.token)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unknown target status = %d", recorder.Code)
	}

	recorder = f.request(t, http.MethodPost, "/api/session", gin.H{"target": "PeteZah"}, f.token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("select status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["target"] != "PeteZah" {
		t.Fatalf("selected target = %v", body["target"])
	}

	recorder = f.request(t, http.MethodGet, "/api/session", nil, f.token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status after select = %d", recorder.Code)
	}

	recorder = f.request(t, http.MethodDelete, "/api/session", nil, f.token)
	body = decodeBody(t, recorder)
	if recorder.Code != http.StatusOK || body["cleared"] != true {
		t.Fatalf("clear = %d %v", recorder.Code, body)
	}

	recorder = f.request(t, http.MethodGet, "/api/session", nil, f.token)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status after clear = %d", recorder.Code)
	}
}

func TestCreateLinksWithoutSession(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodPost, "/api/links", gin.H{"count": 1}, f.token)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["kind"] != "no_session" {
		t.Fatalf("kind = %v", body["kind"])
	}
}

func TestCreateListRemoveLinks(t *testing.T) {
	f := newAPIFixture(t)
	f.request(t, http.MethodPost, "/api/session", gin.H{"target": "PeteZah"}, f.token)

	recorder := f.request(t, http.MethodPost, "/api/links", gin.H{"count": 2}, f.token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("create status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	created, ok := body["created"].([]any)
	if !ok || len(created) != 2 {
		t.Fatalf("created = %v", body["created"])
	}

	recorder = f.request(t, http.MethodGet, "/api/links", nil, f.token)
	body = decodeBody(t, recorder)
	if recorder.Code != http.StatusOK || body["total"] != float64(2) {
		t.Fatalf("list = %d %v", recorder.Code, body)
	}

	recorder = f.request(t, http.MethodDelete, "/api/links/alpha.petezah.example.com", nil, f.token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("remove status = %d body = %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.request(t, http.MethodDelete, "/api/links/alpha.petezah.example.com", nil, f.token)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("second remove status = %d", recorder.Code)
	}
}

func TestListLinksSearchFiltersByName(t *testing.T) {
	f := newAPIFixture(t)
	f.request(t, http.MethodPost, "/api/session", gin.H{"target": "PeteZah"}, f.token)
	f.request(t, http.MethodPost, "/api/links", gin.H{"count": 2}, f.token)

	recorder := f.request(t, http.MethodGet, "/api/links?search=ALPHA", nil, f.token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["total"] != float64(1) {
		t.Fatalf("filtered total = %v, want 1", body["total"])
	}

	recorder = f.request(t, http.MethodGet, "/api/links?search=nomatch", nil, f.token)
	body = decodeBody(t, recorder)
	if recorder.Code != http.StatusOK || body["total"] != float64(0) {
		t.Fatalf("no-match search = %d %v", recorder.Code, body)
	}
}

func TestCreateLinksQuotaExceeded(t *testing.T) {
	f := newAPIFixture(t)
	f.request(t, http.MethodPost, "/api/session", gin.H{"target": "PeteZah"}, f.token)

	ctx := context.Background()
	names := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		names = append(names, fmt.Sprintf("seed%d.petezah.example.com", i))
	}
	res, decision, errReserve := f.ledger.CheckAndReserve(ctx, 7, 3, false)
	if errReserve != nil || !decision.Allowed {
		t.Fatalf("seed reserve: %v %+v", errReserve, decision)
	}
	if errCommit := res.Commit(ctx, "alice", names, "PeteZah", "62.72.3.251"); errCommit != nil {
		t.Fatalf("seed commit: %v", errCommit)
	}

	recorder := f.request(t, http.MethodPost, "/api/links", gin.H{"count": 1}, f.token)
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["kind"] != "quota_exceeded" || body["current"] != float64(3) || body["remaining"] != float64(0) {
		t.Fatalf("body = %v", body)
	}
}

func TestStats(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodGet, "/api/stats", nil, f.token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["display_name"] != "alice" || body["remaining_slots"] != float64(3) {
		t.Fatalf("stats = %v", body)
	}
}
