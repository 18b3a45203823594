package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/basekick-labs/pvexport/internal/archive"
	"github.com/basekick-labs/pvexport/internal/export"
	"github.com/basekick-labs/pvexport/internal/metrics"
	"github.com/basekick-labs/pvexport/internal/output"
	"github.com/basekick-labs/pvexport/internal/requests"
)

// Exporter is the engine surface the handlers need.
type Exporter interface {
	List(ctx context.Context, path, pattern string) ([]string, error)
	GetData(ctx context.Context, req export.Request) (*export.Result, error)
}

// ExportConfig configures ExportHandler.
type ExportConfig struct {
	Archives              map[string]string // name -> location
	MaxConcurrentQueries  int
	QueueTimeout          time.Duration
	MaxChannelsPerRequest int                // 0 = unlimited
	Registry              *requests.Registry // nil creates a private one
}

// ExportHandler serves channel listing and data export for the configured
// archives.
type ExportHandler struct {
	engine       Exporter
	archives     map[string]string
	sem          *semaphore.Weighted
	queueTimeout time.Duration
	maxChannels  int
	registry     *requests.Registry
	logger       zerolog.Logger
}

// NewExportHandler creates the handler. Archive names are matched
// case-insensitively.
func NewExportHandler(engine Exporter, cfg ExportConfig, logger zerolog.Logger) *ExportHandler {
	archives := make(map[string]string, len(cfg.Archives))
	for name, loc := range cfg.Archives {
		archives[strings.ToLower(name)] = loc
	}
	if cfg.MaxConcurrentQueries < 1 {
		cfg.MaxConcurrentQueries = 1
	}
	if cfg.Registry == nil {
		cfg.Registry = requests.NewRegistry(requests.DefaultHistorySize, logger)
	}
	return &ExportHandler{
		engine:       engine,
		archives:     archives,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrentQueries)),
		queueTimeout: cfg.QueueTimeout,
		maxChannels:  cfg.MaxChannelsPerRequest,
		registry:     cfg.Registry,
		logger:       logger.With().Str("component", "export-api").Logger(),
	}
}

// RegisterRoutes registers the export routes
func (h *ExportHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/api/v1/archives", h.handleArchives)
	app.Get("/api/v1/archives/:name/channels", h.handleChannels)
	app.Post("/api/v1/archives/:name/data", h.handleData)
}

func (h *ExportHandler) handleArchives(c *fiber.Ctx) error {
	names := make([]string, 0, len(h.archives))
	for name := range h.archives {
		names = append(names, name)
	}
	slices.Sort(names)
	return c.JSON(fiber.Map{
		"success":  true,
		"archives": names,
	})
}

func (h *ExportHandler) handleChannels(c *fiber.Ctx) error {
	name, location, ok := h.lookup(c)
	if !ok {
		return unknownArchive(c, name)
	}

	release, ok := h.acquire(c)
	if !ok {
		return busy(c)
	}
	defer release()

	pattern := c.Query("pattern")
	id, ctx := h.track(c, requests.Tracked{Op: "list", Archive: name, Pattern: pattern})
	names, err := h.engine.List(ctx, location, pattern)
	h.registry.Finish(id, len(names), err)
	if err != nil {
		return h.fail(c, name, err)
	}

	f := output.FromAccept(c.Get(fiber.HeaderAccept))
	if f == output.FormatJSON {
		return c.JSON(fiber.Map{
			"success":  true,
			"archive":  name,
			"count":    len(names),
			"channels": names,
		})
	}
	return h.send(c, f, func(buf *bytes.Buffer) error { return output.WriteNames(buf, f, names) })
}

// dataRequest is the body of a data export request. Either channels or
// pattern must be given; pattern expands to every matching channel.
type dataRequest struct {
	Channels  []string `json:"channels"`
	Pattern   string   `json:"pattern"`
	Start     *timeArg `json:"start"`
	End       *timeArg `json:"end"`
	GetUnits  bool     `json:"get_units"`
	GetStatus bool     `json:"get_status"`
	GetInfo   bool     `json:"get_info"`
}

func (h *ExportHandler) handleData(c *fiber.Ctx) error {
	name, location, ok := h.lookup(c)
	if !ok {
		return unknownArchive(c, name)
	}

	var body dataRequest
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return h.fail(c, name, archive.Errorf(archive.ErrInvalidArgument, err, "invalid request body"))
	}
	if len(body.Channels) == 0 && body.Pattern == "" {
		return h.fail(c, name, archive.Errorf(archive.ErrInvalidArgument, nil, "channels or pattern is required"))
	}

	release, ok := h.acquire(c)
	if !ok {
		return busy(c)
	}
	defer release()

	id, ctx := h.track(c, requests.Tracked{Op: "get", Archive: name, Channels: len(body.Channels), Pattern: body.Pattern})
	res, err := h.getData(ctx, location, &body)
	if err != nil {
		h.registry.Finish(id, 0, err)
		return h.fail(c, name, err)
	}
	h.registry.Finish(id, res.RecordCount(), nil)

	f := output.FromAccept(c.Get(fiber.HeaderAccept))
	return h.send(c, f, func(buf *bytes.Buffer) error { return output.WriteResult(buf, f, res) })
}

// getData expands the pattern if needed and runs the export.
func (h *ExportHandler) getData(ctx context.Context, location string, body *dataRequest) (*export.Result, error) {
	channelNames := body.Channels
	if len(channelNames) == 0 {
		listed, err := h.engine.List(ctx, location, body.Pattern)
		if err != nil {
			return nil, err
		}
		if len(listed) == 0 {
			return nil, archive.Errorf(archive.ErrChannelNotFound, nil, "no channel matches %q", body.Pattern)
		}
		channelNames = listed
	}
	if h.maxChannels > 0 && len(channelNames) > h.maxChannels {
		return nil, archive.Errorf(archive.ErrInvalidArgument, nil,
			"%d channels requested, at most %d allowed", len(channelNames), h.maxChannels)
	}

	return h.engine.GetData(ctx, export.Request{
		Archive:   location,
		Channels:  channelNames,
		Start:     body.Start.point(),
		End:       body.End.point(),
		GetUnits:  body.GetUnits,
		GetStatus: body.GetStatus,
		GetInfo:   body.GetInfo,
	})
}

// track registers the request and tags the response with its id.
func (h *ExportHandler) track(c *fiber.Ctx, t requests.Tracked) (string, context.Context) {
	t.RemoteAddr = c.IP()
	id, ctx := h.registry.Start(c.UserContext(), t)
	c.Set(headerRequestID, id)
	return id, ctx
}

// send encodes into a buffer first so an encoding failure still produces a
// proper error response.
func (h *ExportHandler) send(c *fiber.Ctx, f output.Format, encode func(*bytes.Buffer) error) error {
	var buf bytes.Buffer
	if err := encode(&buf); err != nil {
		h.logger.Error().Err(err).Str("format", string(f)).Msg("Failed to encode response")
		return fiber.NewError(fiber.StatusInternalServerError, "failed to encode response")
	}
	c.Set(fiber.HeaderContentType, f.ContentType())
	return c.Send(buf.Bytes())
}

func (h *ExportHandler) lookup(c *fiber.Ctx) (name, location string, ok bool) {
	name = strings.ToLower(c.Params("name"))
	location, ok = h.archives[name]
	return name, location, ok
}

// acquire takes a query slot, waiting at most queueTimeout.
func (h *ExportHandler) acquire(c *fiber.Ctx) (func(), bool) {
	ctx := c.UserContext()
	if h.queueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.queueTimeout)
		defer cancel()
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		metrics.Get().IncHTTPBusy()
		return nil, false
	}
	return func() { h.sem.Release(1) }, true
}

func (h *ExportHandler) fail(c *fiber.Ctx, name string, err error) error {
	status := statusFor(err)
	event := h.logger.Warn()
	if status >= 500 {
		event = h.logger.Error()
	}
	event.Err(err).Str("archive", name).Int("status", status).Msg("Export request failed")

	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
		"code":    archive.Code(err),
	})
}

// statusFor maps failure kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, archive.ErrInvalidArgument), errors.Is(err, archive.ErrInvalidPattern):
		return fiber.StatusBadRequest
	case errors.Is(err, archive.ErrChannelNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, archive.ErrArchiveUnavailable), errors.Is(err, archive.ErrCatalogUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, archive.ErrDecode), errors.Is(err, archive.ErrUnsupportedValueKind):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func unknownArchive(c *fiber.Ctx, name string) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"success": false,
		"error":   "unknown archive: " + name,
		"code":    "unknown_archive",
	})
}

func busy(c *fiber.Ctx) error {
	c.Set(fiber.HeaderRetryAfter, "1")
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"success": false,
		"error":   "too many concurrent queries",
		"code":    "busy",
	})
}

// timeArg accepts a time string understood by archive.ParseTime, epoch seconds
// as a JSON number, or {"seconds": s, "nanoseconds": n}.
type timeArg struct {
	archive.TimePoint
}

func (t *timeArg) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0:
		return errors.New("empty time")
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		p, err := archive.ParseTime(s, time.Local)
		if err != nil {
			return err
		}
		t.TimePoint = p
	case b[0] == '{':
		var obj struct {
			Seconds     *int64 `json:"seconds"`
			Nanoseconds int32  `json:"nanoseconds"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		if obj.Seconds == nil {
			return errors.New("time object needs seconds")
		}
		if obj.Nanoseconds < 0 || obj.Nanoseconds > 999_999_999 {
			return errors.New("nanoseconds out of range")
		}
		t.TimePoint = archive.TimePoint{Seconds: *obj.Seconds, Nanoseconds: obj.Nanoseconds}
	default:
		p, err := archive.ParseTime("@"+string(b), nil)
		if err != nil {
			return err
		}
		t.TimePoint = p
	}
	return nil
}

func (t *timeArg) point() *archive.TimePoint {
	if t == nil {
		return nil
	}
	p := t.TimePoint
	return &p
}
