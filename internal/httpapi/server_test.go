package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/video-downsizer/internal/config"
	"github.com/MimeLyc/video-downsizer/internal/jobs"
	"github.com/MimeLyc/video-downsizer/internal/resolver"
	"github.com/MimeLyc/video-downsizer/internal/retention"
	"github.com/MimeLyc/video-downsizer/internal/service"
)

type fixture struct {
	store *jobs.Store
	svc   *service.Service
	srv   *Server
}

func newFixture(t *testing.T, res resolver.Resolver, opts ...service.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := jobs.NewStore(jobs.NewLayout(filepath.Join(dir, "output"), filepath.Join(dir, "temp"), "240p", "mp4"))
	if res == nil {
		res = resolver.ResolverFunc(func(_ context.Context, ref jobs.SourceRef) (*resolver.Resolution, error) {
			return &resolver.Resolution{URL: "http://media.test/" + ref.ContentID}, nil
		})
	}
	svc := service.New(store, res, opts...)
	return &fixture{store: store, svc: svc, srv: NewServer(svc, WithStreamInterval(10*time.Millisecond))}
}

func (f *fixture) do(t *testing.T, method, target string, body []byte, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var ret T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ret), rec.Body.String())
	return ret
}

func (f *fixture) complete(t *testing.T, id string) {
	t.Helper()
	job, ok := f.store.ClaimNext()
	require.True(t, ok)
	require.Equal(t, id, job.ID)
	require.NoError(t, os.MkdirAll(f.store.Layout().OutputDir, 0o755))
	require.NoError(t, os.WriteFile(job.OutputPath, []byte("small video"), 0o644))
	require.NoError(t, f.store.Complete(id))
}

func TestServer_Download(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/download?bvid=BV1xx411c7mD", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[downloadResponse](t, rec)
	assert.Equal(t, downloadResponse{Code: codeAccepted, TaskID: "BV1xx411c7mD"}, got)

	rec = f.do(t, http.MethodGet, "/api/download?bvid=BV1xx411c7mD", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[downloadResponse](t, rec)
	assert.Equal(t, downloadResponse{Code: codeDuplicate, TaskID: "BV1xx411c7mD"}, got)

	rec = f.do(t, http.MethodGet, "/api/download?bvid=BV1xx411c7mD&p=2", nil)
	got = decode[downloadResponse](t, rec)
	assert.Equal(t, downloadResponse{Code: codeAccepted, TaskID: "BV1xx411c7mD-p2"}, got)

	assert.Len(t, f.store.List(), 2)
}

func TestServer_Download_BadRequests(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		target string
		want   string
	}{
		{target: "/api/download", want: msgMissingBVID},
		{target: "/api/download?bvid=%20", want: msgMissingBVID},
		{target: "/api/download?bvid=A&p=0", want: msgInvalidPart},
		{target: "/api/download?bvid=A&p=x", want: msgInvalidPart},
		{target: "/api/download?bvid=..%2Fetc", want: msgInvalidBVID},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodGet, tt.target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.target)
		assert.Equal(t, tt.want, decode[map[string]string](t, rec)["message"], tt.target)
	}
	assert.Empty(t, f.store.List())
}

func TestServer_Download_LocalizedMessage(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/download", nil, "Accept-Language", "zh-CN,zh;q=0.9,en;q=0.5")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "缺少 BVID 参数", decode[map[string]string](t, rec)["message"])

	rec = f.do(t, http.MethodGet, "/api/status?taskId=nope", nil, "Accept-Language", "zh")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "任务未找到", decode[map[string]string](t, rec)["message"])

	rec = f.do(t, http.MethodGet, "/api/status?taskId=nope", nil, "Accept-Language", "fr-FR")
	assert.Equal(t, msgTaskNotFound, decode[map[string]string](t, rec)["message"])
}

func TestServer_Download_ResolutionFailure(t *testing.T) {
	f := newFixture(t, resolver.ResolverFunc(func(context.Context, jobs.SourceRef) (*resolver.Resolution, error) {
		return nil, errors.New("boom")
	}))

	rec := f.do(t, http.MethodGet, "/api/download?bvid=A", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, msgResolveFailed, decode[map[string]string](t, rec)["message"])
	assert.Empty(t, f.store.List())
}

func TestServer_Status(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"A", "B", "C"} {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/download?bvid="+id, nil).Code)
	}

	rec := f.do(t, http.MethodGet, "/api/status?taskId=C", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, statusResponse{Code: codeQueued, State: jobs.StatusQueued, QueueLength: 3}, decode[statusResponse](t, rec))

	f.complete(t, "A")
	rec = f.do(t, http.MethodGet, "/api/status?taskId=A", nil)
	assert.Equal(t, statusResponse{
		Code:         codeCompleted,
		State:        jobs.StatusCompleted,
		DownloadLink: "/api/output/A_240p.mp4",
	}, decode[statusResponse](t, rec))

	_, _ = f.store.ClaimNext()
	rec = f.do(t, http.MethodGet, "/api/status?taskId=B", nil)
	assert.Equal(t, statusResponse{Code: codeProcessing, State: jobs.StatusProcessing}, decode[statusResponse](t, rec))

	rec = f.do(t, http.MethodGet, "/api/status?taskId=C", nil)
	assert.Equal(t, 1, decode[statusResponse](t, rec).QueueLength)

	require.NoError(t, f.store.Fail("B", "ffmpeg exited with error"))
	rec = f.do(t, http.MethodGet, "/api/status?taskId=B", nil)
	assert.Equal(t, statusResponse{
		Code:    codeFailed,
		State:   jobs.StatusError,
		Message: "ffmpeg exited with error",
	}, decode[statusResponse](t, rec))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/status", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/status?taskId=Z", nil).Code)
}

func TestServer_Output(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/download?bvid=A", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/download?bvid=B", nil).Code)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/output/A_240p.mp4", nil).Code)

	f.complete(t, "A")
	rec := f.do(t, http.MethodGet, "/api/output/A_240p.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "small video", rec.Body.String())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "A_240p.mp4")

	for _, target := range []string{
		"/api/output/B_240p.mp4",
		"/api/output/A.mp4",
		"/api/output/..%2FA_240p.mp4",
		"/api/output/nope_240p.mp4",
	} {
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, target, nil).Code, target)
	}

	require.NoError(t, os.Remove(f.store.Layout().OutputPath("A")))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/output/A_240p.mp4", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/status?taskId=A", nil).Code)
}

func TestServer_Jobs(t *testing.T) {
	f := newFixture(t, nil, service.WithResolveOnSubmit(false))

	rec := f.do(t, http.MethodPost, "/api/jobs", []byte(`{"content_id":"A","part":2}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Created bool      `json:"created"`
		Job     *jobs.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.Created)
	require.NotNil(t, created.Job)
	assert.Equal(t, "A-p2", created.Job.ID)

	rec = f.do(t, http.MethodPost, "/api/jobs", []byte(`{"content_id":"A","part":2}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.False(t, created.Created)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/jobs", []byte(`{`)).Code)
	rec = f.do(t, http.MethodPost, "/api/jobs", []byte(`{"content_id":""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgInvalidBVID, decode[map[string]string](t, rec)["message"])

	rec = f.do(t, http.MethodPost, "/api/jobs", []byte(`{"content_id":"a/b"}`), "Accept-Language", "zh-CN")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BVID 参数无效", decode[map[string]string](t, rec)["message"])

	rec = f.do(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]*jobs.Job](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, jobs.StatusQueued, list[0].Status)
	assert.NotContains(t, rec.Body.String(), "temp_path")
}

func TestServer_JobStream(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/download?bvid=A", nil).Code)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/jobs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	for i := 0; i < 2; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(line, "data: "), line)

		var snapshot []*jobs.Job
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snapshot))
		require.Len(t, snapshot, 1)
		assert.Equal(t, "A", snapshot[0].ID)

		_, err = reader.ReadString('\n')
		require.NoError(t, err)
	}
}

func TestServer_JobStream_EndsOnShutdown(t *testing.T) {
	f := newFixture(t, nil)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/jobs/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	require.NoError(t, f.srv.Shutdown(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, reader)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after shutdown")
	}
}

func TestServer_Settings(t *testing.T) {
	settings, err := config.NewRuntimeSettingsStore(filepath.Join(t.TempDir(), "settings.json"), config.RuntimeSettings{
		CleanupPolicy: "completed",
		CleanupExpr:   "@every 24h",
	})
	require.NoError(t, err)

	dir := t.TempDir()
	store := jobs.NewStore(jobs.NewLayout(filepath.Join(dir, "out"), filepath.Join(dir, "tmp"), "240p", "mp4"))
	sweeper := retention.NewSweeper(store, retention.PolicyCompleted, nil)
	svc := service.New(store, nil, service.WithResolveOnSubmit(false), service.WithRetention(sweeper, nil, settings))
	f := &fixture{store: store, svc: svc, srv: NewServer(svc)}

	rec := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, config.RuntimeSettings{CleanupPolicy: "completed", CleanupExpr: "@every 24h"}, decode[config.RuntimeSettings](t, rec))

	rec = f.do(t, http.MethodPut, "/api/settings", []byte(`{"cleanup_policy":"all","cleanup_expr":"0 0 * * *"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, retention.PolicyAll, sweeper.Policy())

	rec = f.do(t, http.MethodPut, "/api/settings", []byte(`{"cleanup_policy":"all","cleanup_expr":"whenever"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgInvalidSettings, decode[map[string]string](t, rec)["message"])
	rec = f.do(t, http.MethodPut, "/api/settings", []byte(`nope`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	unconfigured := newFixture(t, nil)
	assert.Equal(t, http.StatusNotImplemented, unconfigured.do(t, http.MethodGet, "/api/settings", nil).Code)
	assert.Equal(t, http.StatusNotImplemented, unconfigured.do(t, http.MethodPut, "/api/settings", []byte(`{}`)).Code)
}

func TestServer_Plumbing(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = f.do(t, http.MethodGet, "/healthz", nil, requestIDHeader, "abc-123")
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))

	rec = f.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, msgNotFound, decode[map[string]string](t, rec)["message"])

	rec = f.do(t, http.MethodDelete, "/api/jobs", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = f.do(t, http.MethodOptions, "/api/download", nil, "Access-Control-Request-Method", "GET")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")
}
