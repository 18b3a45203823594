package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basekick-labs/pvexport/internal/api"
	"github.com/basekick-labs/pvexport/internal/archive"
	"github.com/basekick-labs/pvexport/internal/config"
	"github.com/basekick-labs/pvexport/internal/decode"
	"github.com/basekick-labs/pvexport/internal/export"
	"github.com/basekick-labs/pvexport/internal/index"
	"github.com/basekick-labs/pvexport/internal/logger"
	"github.com/basekick-labs/pvexport/internal/metrics"
	"github.com/basekick-labs/pvexport/internal/output"
	"github.com/basekick-labs/pvexport/internal/requests"
	"github.com/basekick-labs/pvexport/internal/shutdown"
	"github.com/basekick-labs/pvexport/internal/storage"
)

var errUsage = errors.New("usage")

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	logLevel   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "config file (default: pvexport.toml in ., /etc/pvexport, ~/.pvexport)")
	fs.StringVar(&c.logLevel, "log-level", "", "override log.level")
}

// env is everything a subcommand needs to run requests.
type env struct {
	cfg     *config.Config
	engine  *export.Engine
	fetcher *storage.Fetcher
}

// setup loads configuration, initializes logging to logOut and builds the
// export engine.
func setup(c commonFlags, logOut io.Writer) (*env, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadFile(c.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format, logOut)
	metrics.Init(logger.Get("metrics"))

	dec := decode.New()

	fetcher, err := storage.NewFetcher(storage.FetcherConfig{
		TempDir: cfg.Storage.TempDir,
		S3: storage.S3Config{
			Region:    cfg.Storage.S3Region,
			Endpoint:  cfg.Storage.S3Endpoint,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			UseSSL:    cfg.Storage.S3UseSSL,
			PathStyle: cfg.Storage.S3PathStyle,
		},
		Azure: storage.AzureBlobConfig{
			ConnectionString:   cfg.Storage.AzureConnectionString,
			AccountName:        cfg.Storage.AzureAccountName,
			AccountKey:         cfg.Storage.AzureAccountKey,
			SASToken:           cfg.Storage.AzureSASToken,
			UseManagedIdentity: cfg.Storage.AzureUseManagedIdentity,
			Endpoint:           cfg.Storage.AzureEndpoint,
		},
		Breaker: storage.BreakerConfig{
			MaxFailures: cfg.Storage.BreakerMaxFailures,
			Cooldown:    time.Duration(cfg.Storage.BreakerCooldownSeconds) * time.Second,
		},
	}, logger.Get("storage"))
	if err != nil {
		return nil, err
	}

	opener := index.NewOpener(index.Options{Resolver: fetcher}, logger.Get("index"))
	return &env{
		cfg:     cfg,
		engine:  export.NewEngine(opener, dec, logger.Get("export")),
		fetcher: fetcher,
	}, nil
}

func (e *env) close() {
	if err := e.fetcher.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to clean up fetched archives")
	}
}

// location maps a configured archive name to its location; anything else is
// taken as a location itself.
func (e *env) location(arg string) string {
	if loc, ok := e.cfg.Archives[strings.ToLower(arg)]; ok {
		return loc
	}
	return arg
}

func runList(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	archiveArg := fs.String("archive", "", "archive location or configured archive name (required)")
	pattern := fs.String("pattern", "", "regular expression searched in channel names")
	format := fs.String("format", "text", "text, json or msgpack")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *archiveArg == "" {
		return usageErr("list: -archive is required")
	}
	f := output.Format("text")
	if *format != "text" {
		var err error
		if f, err = output.ParseFormat(*format); err != nil || f == output.FormatArrow {
			return usageErr("list: unsupported -format %q (want text, json or msgpack)", *format)
		}
	}

	e, err := setup(common, stderr)
	if err != nil {
		return err
	}
	defer e.close()

	names, err := e.engine.List(ctx, e.location(*archiveArg), *pattern)
	if err != nil {
		return err
	}
	return output.WriteNames(stdout, f, names)
}

// getFlags holds the parsed arguments of "get".
type getFlags struct {
	common   commonFlags
	archive  string
	channels stringList
	pattern  string
	start    string
	end      string
	tz       string
	units    bool
	status   bool
	info     bool
	format   string
	out      string
}

func parseGetFlags(args []string, stderr io.Writer) (*getFlags, error) {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := &getFlags{}
	g.common.register(fs)
	fs.StringVar(&g.archive, "archive", "", "archive location or configured archive name (required)")
	fs.Var(&g.channels, "channel", "channel to export (repeatable)")
	fs.StringVar(&g.pattern, "pattern", "", "also export every channel whose name matches this regular expression")
	fs.StringVar(&g.start, "start", "", "start time: RFC 3339, \"YYYY-MM-DD HH:MM:SS[.frac]\" or @epoch-seconds")
	fs.StringVar(&g.end, "end", "", "end time, same forms as -start")
	fs.StringVar(&g.tz, "tz", "Local", "time zone for times without one")
	fs.BoolVar(&g.units, "units", false, "include engineering units")
	fs.BoolVar(&g.status, "status", false, "include alarm status and severity")
	fs.BoolVar(&g.info, "info", false, "include limits, precision and enum labels")
	fs.StringVar(&g.format, "format", "", "json, msgpack or arrow (default export.default_format)")
	fs.StringVar(&g.out, "o", "", "write to file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if g.archive == "" {
		return nil, usageErr("get: -archive is required")
	}
	if len(g.channels) == 0 && g.pattern == "" {
		return nil, usageErr("get: at least one -channel or a -pattern is required")
	}
	if fs.NArg() > 0 {
		return nil, usageErr("get: unexpected arguments %q", fs.Args())
	}
	return g, nil
}

// timeRange parses -start and -end.
func (g *getFlags) timeRange() (start, end *archive.TimePoint, err error) {
	loc, err := time.LoadLocation(g.tz)
	if err != nil {
		return nil, nil, usageErr("get: invalid -tz: %v", err)
	}
	parse := func(s string) (*archive.TimePoint, error) {
		if s == "" {
			return nil, nil
		}
		p, err := archive.ParseTime(s, loc)
		if err != nil {
			return nil, err
		}
		return &p, nil
	}
	if start, err = parse(g.start); err != nil {
		return nil, nil, err
	}
	if end, err = parse(g.end); err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func runGet(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	g, err := parseGetFlags(args, stderr)
	if err != nil {
		return err
	}
	start, end, err := g.timeRange()
	if err != nil {
		return err
	}

	e, err := setup(g.common, stderr)
	if err != nil {
		return err
	}
	defer e.close()

	formatName := g.format
	if formatName == "" {
		formatName = e.cfg.Export.DefaultFormat
	}
	f, err := output.ParseFormat(formatName)
	if err != nil {
		return usageErr("get: %v", err)
	}

	location := e.location(g.archive)
	names := []string(g.channels)
	if g.pattern != "" {
		matched, err := e.engine.List(ctx, location, g.pattern)
		if err != nil {
			return err
		}
		names = append(names, matched...)
		if len(names) == 0 {
			return archive.Errorf(archive.ErrChannelNotFound, nil, "no channel matches %q", g.pattern)
		}
	}

	res, err := e.engine.GetData(ctx, export.Request{
		Archive:   location,
		Channels:  names,
		Start:     start,
		End:       end,
		GetUnits:  g.units,
		GetStatus: g.status,
		GetInfo:   g.info,
	})
	if err != nil {
		return err
	}

	w := stdout
	if g.out != "" {
		file, err := os.Create(g.out)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer file.Close()
		w = file
	}
	bw := bufio.NewWriter(w)
	if err := output.WriteResult(bw, f, res); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	log.Info().
		Int("channels", res.Len()).
		Int("records", res.RecordCount()).
		Str("format", string(f)).
		Msg("Export complete")
	return nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := setup(common, os.Stdout)
	if err != nil {
		return err
	}
	cfg := e.cfg
	if err := cfg.Server.ValidateTLS(); err != nil {
		e.close()
		return fmt.Errorf("TLS configuration error: %w", err)
	}
	log.Info().Str("version", Version).Int("archives", len(cfg.Archives)).Msg("Starting pvexport...")

	coordinator := shutdown.New(45*time.Second, logger.Get("shutdown"))

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		BodyLimit:       int(cfg.Server.MaxBodySize),
		APITokenHash:    cfg.Server.APITokenHash,
	}
	if cfg.Server.TLSEnabled {
		serverConfig.TLSCertFile = cfg.Server.TLSCertFile
		serverConfig.TLSKeyFile = cfg.Server.TLSKeyFile
	}
	server := api.NewServer(serverConfig, logger.Get("api"))
	server.RegisterRoutes()
	registry := requests.NewRegistry(cfg.Server.RequestHistory, logger.Get("requests"))
	api.NewExportHandler(e.engine, api.ExportConfig{
		Archives:              cfg.Archives,
		MaxConcurrentQueries:  cfg.Server.MaxConcurrentQueries,
		QueueTimeout:          time.Duration(cfg.Server.QueueTimeoutMS) * time.Millisecond,
		MaxChannelsPerRequest: cfg.Server.MaxChannelsPerRequest,
		Registry:              registry,
	}, logger.Get("api")).RegisterRoutes(server.GetApp())
	api.NewRequestsHandler(registry, logger.Get("api")).RegisterRoutes(server.GetApp())

	coordinator.Register("http-server", server, shutdown.PriorityHTTPServer)
	coordinator.Register("fetcher", e.fetcher, shutdown.PriorityFetcher)

	serveErr := make(chan error, 1)
	go func() {
		err := server.Serve()
		serveErr <- err
		if err != nil {
			coordinator.Trigger()
		}
	}()

	coordinator.Wait(ctx)
	shutdownErr := coordinator.Shutdown()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	default:
	}
	return shutdownErr
}
