package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svettore/spoold/pkg/mailbox"
	"github.com/svettore/spoold/pkg/pool"
)

// stubPool is a scriptable pool.Pool that records the calls it receives.
type stubPool struct {
	status    pool.Status
	statusErr error

	startErr   error
	stopErr    error
	migrateErr error
	extendErr  error

	startedMaxHosts int
	stoppedForce    bool
	migratedTo      uuid.UUID
	extendedVolume  uuid.UUID
}

func (s *stubPool) StartSPM(ctx context.Context, prevID int, prevLver int64, maxHosts int, expectedVersion int) error {
	s.startedMaxHosts = maxHosts
	return s.startErr
}

func (s *stubPool) StopSPM(ctx context.Context, force bool) error {
	s.stoppedForce = force
	return s.stopErr
}

func (s *stubPool) MasterMigrate(ctx context.Context, oldMaster, newMaster uuid.UUID, newVersion int) error {
	s.migratedTo = newMaster
	return s.migrateErr
}

func (s *stubPool) Status(ctx context.Context) (pool.Status, error) {
	return s.status, s.statusErr
}

func (s *stubPool) SendExtend(domain, volume uuid.UUID, newSize uint64, onComplete mailbox.CompletionFunc) error {
	s.extendedVolume = volume
	return s.extendErr
}

func serve(t *testing.T, p pool.Pool, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	NewRouter(p, 5*time.Second).ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// Health Tests
// ============================================================================

func TestRouter_Liveness(t *testing.T) {
	t.Parallel()

	rec := serve(t, &stubPool{}, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestRouter_ReadinessWithoutPool(t *testing.T) {
	t.Parallel()

	rec := serve(t, pool.Disconnected{}, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp["status"])
}

// ============================================================================
// SPM Endpoint Tests
// ============================================================================

func TestRouter_SPMStatus(t *testing.T) {
	t.Parallel()

	p := &stubPool{status: pool.Status{HostID: 3, Role: "acquired", LeaseVersion: 2}}
	rec := serve(t, p, http.MethodGet, "/api/v1/spm", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st pool.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 3, st.HostID)
	assert.Equal(t, "acquired", st.Role)
}

func TestRouter_SPMStart(t *testing.T) {
	t.Parallel()

	p := &stubPool{status: pool.Status{Role: "acquired"}}
	rec := serve(t, p, http.MethodPost, "/api/v1/spm/start", map[string]any{
		"prev_id":   -1,
		"max_hosts": 16,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 16, p.startedMaxHosts)
}

func TestRouter_SPMStartValidatesMaxHosts(t *testing.T) {
	t.Parallel()

	rec := serve(t, &stubPool{}, http.MethodPost, "/api/v1/spm/start", map[string]any{
		"prev_id": -1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRouter_SPMStartErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"contending", pool.ErrContending, http.StatusConflict},
		{"stale version", &pool.VersionError{Expected: 1, OnDisk: 2}, http.StatusConflict},
		{"not connected", pool.ErrPoolNotConnected, http.StatusServiceUnavailable},
		{"internal", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := &stubPool{startErr: tc.err}
			rec := serve(t, p, http.MethodPost, "/api/v1/spm/start", map[string]any{
				"max_hosts": 4,
			})
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRouter_SPMStopForce(t *testing.T) {
	t.Parallel()

	p := &stubPool{}
	rec := serve(t, p, http.MethodPost, "/api/v1/spm/stop", map[string]any{"force": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, p.stoppedForce)
}

func TestRouter_SPMStopWithEmptyBody(t *testing.T) {
	t.Parallel()

	p := &stubPool{}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/spm/stop", nil)
	rec := httptest.NewRecorder()
	NewRouter(p, 5*time.Second).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, p.stoppedForce)
}

func TestRouter_SPMMigrate(t *testing.T) {
	t.Parallel()

	p := &stubPool{}
	oldMaster, newMaster := uuid.New(), uuid.New()
	rec := serve(t, p, http.MethodPost, "/api/v1/spm/migrate", map[string]any{
		"old_master":  oldMaster,
		"new_master":  newMaster,
		"new_version": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, newMaster, p.migratedTo)
}

func TestRouter_SPMMigrateValidation(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	rec := serve(t, &stubPool{}, http.MethodPost, "/api/v1/spm/migrate", map[string]any{
		"old_master": id,
		"new_master": id,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, &stubPool{}, http.MethodPost, "/api/v1/spm/migrate", map[string]any{
		"new_version": 2,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_SPMMigrateUnknownDomain(t *testing.T) {
	t.Parallel()

	p := &stubPool{migrateErr: pool.ErrUnknownDomain}
	rec := serve(t, p, http.MethodPost, "/api/v1/spm/migrate", map[string]any{
		"old_master":  uuid.New(),
		"new_master":  uuid.New(),
		"new_version": 2,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================================================
// Volume Endpoint Tests
// ============================================================================

func TestRouter_VolumeExtendQueued(t *testing.T) {
	t.Parallel()

	p := &stubPool{}
	volume := uuid.New()
	rec := serve(t, p, http.MethodPost, "/api/v1/volumes/extend", map[string]any{
		"domain":   uuid.New(),
		"volume":   volume,
		"new_size": 1 << 30,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, volume, p.extendedVolume)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["queued"])
}

func TestRouter_VolumeExtendValidation(t *testing.T) {
	t.Parallel()

	rec := serve(t, &stubPool{}, http.MethodPost, "/api/v1/volumes/extend", map[string]any{
		"domain": uuid.New(),
		"volume": uuid.New(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "zero new_size must be rejected")

	rec = serve(t, &stubPool{}, http.MethodPost, "/api/v1/volumes/extend", map[string]any{
		"new_size": 4096,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing ids must be rejected")
}

func TestRouter_VolumeExtendFullMailbox(t *testing.T) {
	t.Parallel()

	p := &stubPool{extendErr: mailbox.ErrMailboxFull}
	rec := serve(t, p, http.MethodPost, "/api/v1/volumes/extend", map[string]any{
		"domain":   uuid.New(),
		"volume":   uuid.New(),
		"new_size": 4096,
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_VolumeExtendWithoutMailbox(t *testing.T) {
	t.Parallel()

	p := &stubPool{extendErr: pool.ErrMailboxUnsupported}
	rec := serve(t, p, http.MethodPost, "/api/v1/volumes/extend", map[string]any{
		"domain":   uuid.New(),
		"volume":   uuid.New(),
		"new_size": 4096,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
