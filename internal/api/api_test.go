package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/basekick-labs/pvexport/internal/archive"
	"github.com/basekick-labs/pvexport/internal/archive/archivetest"
	"github.com/basekick-labs/pvexport/internal/decode"
	"github.com/basekick-labs/pvexport/internal/export"
	"github.com/basekick-labs/pvexport/internal/requests"
)

func plant() *archivetest.Memory {
	m := archivetest.NewMemory()
	m.Add("TEMP:1", &archivetest.Channel{
		Meta: archive.Metadata{Category: archive.MetaNumeric, Units: "degC"},
		Records: []archive.RawRecord{
			archivetest.Double(100, 21.5),
			archivetest.Double(200, 22.0),
			archivetest.Double(300, 22.3),
		},
	})
	m.Add("TEMP:2", &archivetest.Channel{Records: []archive.RawRecord{archivetest.Double(150, 19)}})
	m.Add("PUMP:SPEED", &archivetest.Channel{Records: []archive.RawRecord{archivetest.Double(120, 1450)}})
	m.Add("BROKEN", &archivetest.Channel{Records: []archive.RawRecord{
		{Kind: archive.Kind(99), Count: 1, Time: archivetest.At(100), Payload: []byte{0}},
	}})
	return m
}

type testOpts struct {
	tokenHash    string
	maxQueries   int
	queueTimeout time.Duration
	maxChannels  int
	registry     *requests.Registry
}

func newTestApp(t *testing.T, exp Exporter, opts testOpts) *fiber.App {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.APITokenHash = opts.tokenHash
	srv := NewServer(cfg, zerolog.Nop())
	srv.RegisterRoutes()

	if opts.maxQueries == 0 {
		opts.maxQueries = 4
	}
	h := NewExportHandler(exp, ExportConfig{
		Archives:              map[string]string{"Plant": "/data/plant"},
		MaxConcurrentQueries:  opts.maxQueries,
		QueueTimeout:          opts.queueTimeout,
		MaxChannelsPerRequest: opts.maxChannels,
		Registry:              opts.registry,
	}, zerolog.Nop())
	h.RegisterRoutes(srv.GetApp())
	if opts.registry != nil {
		NewRequestsHandler(opts.registry, zerolog.Nop()).RegisterRoutes(srv.GetApp())
	}
	return srv.GetApp()
}

func newEngine(t *testing.T, m *archivetest.Memory) *export.Engine {
	t.Helper()
	dec := decode.New()
	return export.NewEngine(m, dec, zerolog.Nop())
}

func do(t *testing.T, app *fiber.App, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func postData(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/archives/plant/data", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t, newEngine(t, plant()), testOpts{})

	resp, body := do(t, app, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	resp, body = do(t, app, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(body), "pvexport_http_requests_total")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	resp, body = do(t, app, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, json.Valid(body))
}

func TestAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	app := newTestApp(t, newEngine(t, plant()), testOpts{tokenHash: string(hash)})

	resp, _ := do(t, app, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is public")

	resp, _ = do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/archives", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/archives", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, _ = do(t, app, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	for range 2 {
		req = httptest.NewRequest(http.MethodGet, "/api/v1/archives", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		resp, _ = do(t, app, req)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/archives", nil)
	req.Header.Set("x-api-key", "s3cret")
	resp, _ = do(t, app, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestArchives(t *testing.T) {
	app := newTestApp(t, newEngine(t, plant()), testOpts{})
	resp, body := do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/archives", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"success":true,"archives":["plant"]}`, string(body))
}

func TestChannels(t *testing.T) {
	app := newTestApp(t, newEngine(t, plant()), testOpts{})

	resp, body := do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/archives/PLANT/channels?pattern=TEMP", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"success":true,"archive":"plant","count":2,"channels":["TEMP:1","TEMP:2"]}`, string(body))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/archives/plant/channels", nil)
	req.Header.Set("Accept", "application/msgpack")
	resp, body = do(t, app, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/msgpack", resp.Header.Get("Content-Type"))
	var names []string
	require.NoError(t, msgpack.Unmarshal(body, &names))
	assert.Equal(t, []string{"BROKEN", "PUMP:SPEED", "TEMP:1", "TEMP:2"}, names)
}

func TestChannels_Errors(t *testing.T) {
	app := newTestApp(t, newEngine(t, plant()), testOpts{})

	resp, body := do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/archives/plant/channels?pattern=%28", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), `"code":"invalid_pattern"`)

	resp, body = do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/archives/nope/channels", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "unknown_archive")
}

func TestData_JSON(t *testing.T) {
	app := newTestApp(t, newEngine(t, plant()), testOpts{})

	resp, body := do(t, app, postData(`{"channels":["TEMP:2","TEMP:1"],"start":150,"end":{"seconds":250},"get_units":true}`))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{
		"TEMP:2":[{"value":19,"seconds":150,"nanoseconds":0}],
		"TEMP:1":[
			{"value":21.5,"seconds":100,"nanoseconds":0,"unit":"degC"},
			{"value":22,"seconds":200,"nanoseconds":0,"unit":"degC"},
			{"value":22.3,"seconds":300,"nanoseconds":0,"unit":"degC"}
		]
	}`, string(body))
	assert.True(t, strings.Index(string(body), "TEMP:2") < strings.Index(string(body), "TEMP:1"), "request order is kept")
}

func TestData_StringTimes(t *testing.T) {
	app := newTestApp(t, newEngine(t, plant()), testOpts{})

	resp, body := do(t, app, postData(`{"channels":["TEMP:1"],"start":"1970-01-01T00:03:20Z","end":"@200"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// The sample in effect at the start comes first; the one at the end is the last.
	var doc map[string][]map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Len(t, doc["TEMP:1"], 2)
	assert.Equal(t, 100.0, doc["TEMP:1"][0]["seconds"])
	assert.Equal(t, 200.0, doc["TEMP:1"][1]["seconds"])
}

func TestData_PatternExpansion(t *testing.T) {
	app := newTestApp(t, newEngine(t, plant()), testOpts{})

	resp, body := do(t, app, postData(`{"pattern":"^TEMP:"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Len(t, doc, 2)

	resp, body = do(t, app, postData(`{"pattern":"^NOTHING"}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "channel_not_found")
}

func TestData_Arrow(t *testing.T) {
	app := newTestApp(t, newEngine(t, plant()), testOpts{})

	req := postData(`{"channels":["TEMP:1"]}`)
	req.Header.Set("Accept", "application/vnd.apache.arrow.stream")
	resp, body := do(t, app, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apache.arrow.stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, body)
}

func TestData_Errors(t *testing.T) {
	app := newTestApp(t, newEngine(t, plant()), testOpts{maxChannels: 2})

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"bad json", `{"channels":`, http.StatusBadRequest, "invalid_argument"},
		{"nothing requested", `{}`, http.StatusBadRequest, "invalid_argument"},
		{"empty name", `{"channels":[""]}`, http.StatusBadRequest, "invalid_argument"},
		{"reversed range", `{"channels":["TEMP:1"],"start":300,"end":100}`, http.StatusBadRequest, "invalid_argument"},
		{"bad time", `{"channels":["TEMP:1"],"start":"soon"}`, http.StatusBadRequest, "invalid_argument"},
		{"too many", `{"channels":["TEMP:1","TEMP:2","PUMP:SPEED"]}`, http.StatusBadRequest, "invalid_argument"},
		{"missing channel", `{"channels":["TEMP:1","GHOST"]}`, http.StatusNotFound, "channel_not_found"},
		{"unsupported kind", `{"channels":["BROKEN"]}`, http.StatusUnprocessableEntity, "unsupported_value_kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, app, postData(tt.body))
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			var doc struct {
				Success bool   `json:"success"`
				Code    string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(body, &doc))
			assert.False(t, doc.Success)
			assert.Equal(t, tt.code, doc.Code)
		})
	}
}

type failingExporter struct{ err error }

func (f failingExporter) List(context.Context, string, string) ([]string, error) { return nil, f.err }
func (f failingExporter) GetData(context.Context, export.Request) (*export.Result, error) {
	return nil, f.err
}

func TestData_ArchiveUnavailable(t *testing.T) {
	err := archive.Errorf(archive.ErrArchiveUnavailable, nil, "disk gone")
	app := newTestApp(t, failingExporter{err: err}, testOpts{})

	resp, body := do(t, app, postData(`{"channels":["TEMP:1"]}`))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "archive_unavailable")
}

// blockingExporter holds GetData until release is closed.
type blockingExporter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingExporter) List(context.Context, string, string) ([]string, error) { return nil, nil }
func (b *blockingExporter) GetData(ctx context.Context, req export.Request) (*export.Result, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil, archive.Errorf(archive.ErrChannelNotFound, nil, "done")
}

func TestData_BusyWhenSlotsTaken(t *testing.T) {
	b := &blockingExporter{entered: make(chan struct{}), release: make(chan struct{})}
	app := newTestApp(t, b, testOpts{maxQueries: 1, queueTimeout: 20 * time.Millisecond})

	done := make(chan int)
	go func() {
		resp, err := app.Test(postData(`{"channels":["A"]}`), -1)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	<-b.entered

	resp, body := do(t, app, postData(`{"channels":["B"]}`))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Contains(t, string(body), `"code":"busy"`)

	close(b.release)
	assert.Equal(t, http.StatusNotFound, <-done)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind error
		want int
	}{
		{archive.ErrInvalidArgument, 400},
		{archive.ErrInvalidPattern, 400},
		{archive.ErrChannelNotFound, 404},
		{archive.ErrArchiveUnavailable, 503},
		{archive.ErrCatalogUnavailable, 503},
		{archive.ErrDecode, 422},
		{archive.ErrUnsupportedValueKind, 422},
		{context.Canceled, 503},
		{errors.New("other"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(archive.Errorf(tt.kind, nil, "x")), tt.kind.Error())
	}
}

func TestTimeArg(t *testing.T) {
	tests := []struct {
		in      string
		want    archive.TimePoint
		wantErr bool
	}{
		{`1700000000`, archive.TimePoint{Seconds: 1700000000}, false},
		{`1700000000.5`, archive.TimePoint{Seconds: 1700000000, Nanoseconds: 500000000}, false},
		{`"@12.000000003"`, archive.TimePoint{Seconds: 12, Nanoseconds: 3}, false},
		{`"2024-03-01T12:00:00Z"`, archive.TimePoint{Seconds: 1709294400}, false},
		{`{"seconds":5,"nanoseconds":7}`, archive.TimePoint{Seconds: 5, Nanoseconds: 7}, false},
		{`{"nanoseconds":7}`, archive.TimePoint{}, true},
		{`{"seconds":5,"nanoseconds":1000000000}`, archive.TimePoint{}, true},
		{`"tomorrow"`, archive.TimePoint{}, true},
		{`true`, archive.TimePoint{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var ta timeArg
			err := json.Unmarshal([]byte(tt.in), &ta)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ta.TimePoint)
		})
	}
}

type trackedList struct {
	Success  bool               `json:"success"`
	Requests []requests.Tracked `json:"requests"`
	Count    int                `json:"count"`
}

func TestRequests_History(t *testing.T) {
	reg := requests.NewRegistry(10, zerolog.Nop())
	app := newTestApp(t, newEngine(t, plant()), testOpts{registry: reg})

	resp, _ := do(t, app, postData(`{"channels":["TEMP:1"]}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get("X-Request-ID")
	require.NotEmpty(t, id)

	resp, body := do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/requests/history", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist trackedList
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Equal(t, 1, hist.Count)
	assert.Equal(t, id, hist.Requests[0].ID)
	assert.Equal(t, requests.StatusCompleted, hist.Requests[0].Status)
	assert.Equal(t, "get", hist.Requests[0].Op)
	assert.Equal(t, "plant", hist.Requests[0].Archive)
	assert.Equal(t, 3, hist.Requests[0].Records)

	resp, body = do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+id, nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"completed"`)

	resp, body = do(t, app, httptest.NewRequest(http.MethodDelete, "/api/v1/requests/"+id, nil))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "already completed")

	resp, _ = do(t, app, httptest.NewRequest(http.MethodDelete, "/api/v1/requests/nope", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/requests/nope", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequests_FailedIsRecorded(t *testing.T) {
	reg := requests.NewRegistry(10, zerolog.Nop())
	app := newTestApp(t, newEngine(t, plant()), testOpts{registry: reg})

	resp, _ := do(t, app, postData(`{"channels":["NOPE"]}`))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	h := reg.History(0)
	require.Len(t, h, 1)
	assert.Equal(t, requests.StatusFailed, h[0].Status)
	assert.Contains(t, h[0].Error, "NOPE")
}

// waitingExporter holds GetData until its context ends.
type waitingExporter struct {
	entered chan struct{}
}

func (w *waitingExporter) List(context.Context, string, string) ([]string, error) { return nil, nil }
func (w *waitingExporter) GetData(ctx context.Context, req export.Request) (*export.Result, error) {
	close(w.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRequests_Cancel(t *testing.T) {
	reg := requests.NewRegistry(10, zerolog.Nop())
	w := &waitingExporter{entered: make(chan struct{})}
	app := newTestApp(t, w, testOpts{registry: reg})

	done := make(chan int)
	go func() {
		resp, err := app.Test(postData(`{"channels":["A"]}`), -1)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	<-w.entered

	resp, body := do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/requests/active", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active trackedList
	require.NoError(t, json.Unmarshal(body, &active))
	require.Equal(t, 1, active.Count)
	assert.Equal(t, requests.StatusRunning, active.Requests[0].Status)
	assert.Equal(t, 1, active.Requests[0].Channels)

	resp, _ = do(t, app, httptest.NewRequest(http.MethodDelete, "/api/v1/requests/"+active.Requests[0].ID, nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusServiceUnavailable, <-done)
	assert.Equal(t, 0, reg.ActiveCount())
	h := reg.History(0)
	require.Len(t, h, 1)
	assert.Equal(t, requests.StatusCanceled, h[0].Status)
}
