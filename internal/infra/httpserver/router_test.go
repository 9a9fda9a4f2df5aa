package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appscans "github.com/bryanwahyu/codeprobe/internal/application/scans"
	domai "github.com/bryanwahyu/codeprobe/internal/domain/ai"
	"github.com/bryanwahyu/codeprobe/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
	"github.com/bryanwahyu/codeprobe/internal/middleware"
)

const knownID = "0b6f6c1e-5d2a-4c8e-9d0f-2a1b3c4d5e6f"

type fakeService struct {
	submitted []byte
	submitErr error
	reportErr error
	cancelled []domain.SessionID
	errLimit  int
}

func (f *fakeService) Submit(_ context.Context, archive io.Reader) (domain.SessionID, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	b, err := io.ReadAll(archive)
	if err != nil {
		return "", err
	}
	f.submitted = b
	return knownID, nil
}

func (f *fakeService) Get(_ context.Context, id domain.SessionID) (domain.Snapshot, error) {
	if id != knownID {
		return domain.Snapshot{}, domain.ErrSessionNotFound
	}
	return domain.Snapshot{ID: id, Phase: domain.PhaseWaiting}, nil
}

func (f *fakeService) Cancel(ctx context.Context, id domain.SessionID) (domain.Snapshot, error) {
	snap, err := f.Get(ctx, id)
	if err != nil {
		return snap, err
	}
	f.cancelled = append(f.cancelled, id)
	snap.Phase = domain.PhaseCancelled
	snap.Cancelled = true
	return snap, nil
}

func (f *fakeService) Report(_ context.Context, id domain.SessionID) (*appscans.Report, error) {
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	return &appscans.Report{ID: id, Score: 88, CompletedAt: time.Unix(0, 0).UTC()}, nil
}

func (f *fakeService) StepErrors(_ context.Context, id domain.SessionID, limit int) ([]*scanerrors.ScanError, error) {
	f.errLimit = limit
	return []*scanerrors.ScanError{{ScanID: string(id), Step: "bandit", Message: "boom"}}, nil
}

func setupRouter(t *testing.T, svc *fakeService, opts Options) http.Handler {
	t.Helper()
	return NewRouter(svc, opts)
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmit_Multipart(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, svc, Options{})

	body, ct := multipartBody(t, "file", "code.zip", []byte("PK-data"))
	req := httptest.NewRequest(http.MethodPost, "/v1/scans", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, knownID, out["id"])
	assert.Equal(t, string(domain.PhaseWaiting), out["status"])
	assert.Equal(t, []byte("PK-data"), svc.submitted)
}

func TestSubmit_RawZipBody(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", strings.NewReader("raw-zip"))
	req.Header.Set("Content-Type", "application/zip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []byte("raw-zip"), svc.submitted)
}

func TestSubmit_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{
			name: "wrong extension",
			req: func() *http.Request {
				body, ct := multipartBody(t, "file", "code.tar", []byte("x"))
				r := httptest.NewRequest(http.MethodPost, "/v1/scans", body)
				r.Header.Set("Content-Type", ct)
				return r
			},
			status: http.StatusBadRequest,
		},
		{
			name: "missing field",
			req: func() *http.Request {
				body, ct := multipartBody(t, "other", "code.zip", []byte("x"))
				r := httptest.NewRequest(http.MethodPost, "/v1/scans", body)
				r.Header.Set("Content-Type", ct)
				return r
			},
			status: http.StatusBadRequest,
		},
		{
			name: "json body",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/v1/scans", strings.NewReader("{}"))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			status: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			rec := httptest.NewRecorder()
			setupRouter(t, svc, Options{}).ServeHTTP(rec, tt.req())
			assert.Equal(t, tt.status, rec.Code)
			assert.Nil(t, svc.submitted)
		})
	}
}

func TestSubmit_TooLarge(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, svc, Options{MaxUploadBytes: 4})

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", strings.NewReader("way more than four bytes"))
	req.Header.Set("Content-Type", "application/zip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubmit_IntakeErrorIsBadRequest(t *testing.T) {
	svc := &fakeService{submitErr: &domain.IntakeError{Err: errors.New("disk full")}}
	h := setupRouter(t, svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", strings.NewReader("zip"))
	req.Header.Set("Content-Type", "application/zip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_StagingErrorIsServerError(t *testing.T) {
	svc := &fakeService{submitErr: fmt.Errorf("stage archive: %w", errors.New("no space left on device"))}
	h := setupRouter(t, svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", strings.NewReader("zip"))
	req.Header.Set("Content-Type", "application/zip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "no space left")
}

func TestSubmit_RateLimited(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, svc, Options{Limiter: middleware.NewRateLimiter(1, 1)})

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/scans", strings.NewReader("zip"))
		req.Header.Set("Content-Type", "application/zip")
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusAccepted, send())
	assert.Equal(t, http.StatusTooManyRequests, send())

	// polling is not limited
	req := httptest.NewRequest(http.MethodGet, "/v1/scans/"+knownID, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGet(t *testing.T) {
	h := setupRouter(t, &fakeService{}, Options{})

	tests := []struct {
		path   string
		status int
	}{
		{"/v1/scans/" + knownID, http.StatusOK},
		{"/v1/scans/7a1c1f7e-0000-4000-8000-000000000000", http.StatusNotFound},
		{"/v1/scans/not-a-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.status, rec.Code, tt.path)
	}
}

func TestCancel_BothForms(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, svc, Options{})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v1/scans/"+knownID+"/cancel", nil),
		httptest.NewRequest(http.MethodDelete, "/v1/scans/"+knownID, nil),
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
		out := decode(t, rec)
		assert.Equal(t, string(domain.PhaseCancelled), out["phase"])
	}
	assert.Len(t, svc.cancelled, 2)
}

func TestReport(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		rec := httptest.NewRecorder()
		setupRouter(t, &fakeService{}, Options{}).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scans/"+knownID+"/report", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 88, decode(t, rec)["score"])
	})
	t.Run("not ready", func(t *testing.T) {
		rec := httptest.NewRecorder()
		setupRouter(t, &fakeService{reportErr: domain.ErrReportNotReady}, Options{}).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scans/"+knownID+"/report", nil))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
	t.Run("quota", func(t *testing.T) {
		rec := httptest.NewRecorder()
		setupRouter(t, &fakeService{reportErr: domai.ErrQuotaExceeded}, Options{}).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scans/"+knownID+"/report", nil))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})
	t.Run("internal", func(t *testing.T) {
		rec := httptest.NewRecorder()
		setupRouter(t, &fakeService{reportErr: errors.New("db down")}, Options{}).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scans/"+knownID+"/report", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "internal error", decode(t, rec)["error"])
	})
}

func TestStepErrors_LimitClamped(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, svc, Options{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scans/"+knownID+"/errors?limit=500", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, svc.errLimit)

	var list []scanerrors.ScanError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "boom", list[0].Message)
}

type sessionList []domain.SessionID

func (s sessionList) Active() []domain.SessionID { return s }

func TestOpsEndpoints(t *testing.T) {
	metrics := middleware.NewMetrics()
	docker := middleware.CheckFunc(func(context.Context) error { return nil })
	h := setupRouter(t, &fakeService{}, Options{
		Metrics:  metrics,
		Health:   map[string]middleware.HealthChecker{"docker": docker},
		Sessions: sessionList{knownID},
		Engine:   docker,
	})

	for _, path := range []string{"/health", "/ready"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health middleware.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, 1, health.ActiveSessions)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scans/"+knownID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/v1/scans/{id}`)
}

func TestReadyFollowsEngine(t *testing.T) {
	h := setupRouter(t, &fakeService{}, Options{
		Engine: middleware.CheckFunc(func(context.Context) error { return errors.New("daemon unreachable") }),
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := setupRouter(t, &fakeService{}, Options{AllowedOrigins: []string{"https://console.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/v1/scans", nil)
	req.Header.Set("Origin", "https://console.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://console.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
