// Command imageforge is a thin kong-based CLI adapter exercising the
// profiles/toolchains/builds/flash callable surface (spec §6). It is
// deliberately outside the core: every subcommand's Run method does nothing
// but translate flags into a core call and render the structured result,
// following the teacher's cmd/sand layering (main.go owns flag parsing and
// wiring; *Cmd.Run methods call straight into the library).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fleetimage/imageforge/buildengine"
	"github.com/fleetimage/imageforge/config"
	"github.com/fleetimage/imageforge/flashengine"
	"github.com/fleetimage/imageforge/overlay"
	"github.com/fleetimage/imageforge/store"
	"github.com/fleetimage/imageforge/toolchain"
)

// Context is threaded into every subcommand's Run, following the teacher's
// cmd/sand *Context carrying a pre-built sandboxer into every *Cmd.Run.
type Context struct {
	Config     config.Config
	Store      *store.Store
	Toolchains *toolchain.Cache
	Builds     *buildengine.Engine
	Flashes    *flashengine.Engine
}

// CLI is the top-level flag/subcommand set.
type CLI struct {
	ConfigFile kong.ConfigFlag `default:"" placeholder:"<config-file>" help:"YAML config file path (leave empty to use defaults)"`
	AppDir     string `default:"" placeholder:"<app-dir>" help:"application state directory (defaults to ~/.imageforge)"`
	LogLevel   string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`
	Offline    bool   `help:"forbid toolchain network fetches; only already-ready instances may be used"`

	Profiles   ProfilesCmd   `cmd:"" help:"list, get, upsert, delete, import, export profiles"`
	Toolchains ToolchainsCmd `cmd:"" help:"ensure, list, prune, info for cached external builders"`
	Builds     BuildsCmd     `cmd:"" help:"build_or_reuse, build_batch, list, get, list_artifacts"`
	Flash      FlashCmd      `cmd:"" help:"flash, list, get write-to-device operations"`
}

func (c *CLI) initSlog() {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	var cli CLI

	parser, err := kong.New(&cli,
		kong.Configuration(kongyaml.Loader, ".imageforge.yaml", "~/.imageforge.yaml"),
		kong.Description("Toolchain cache, build engine, and flash engine for embedded firmware images."))
	if err != nil {
		fmt.Fprintf(os.Stderr, "building CLI: %v\n", err)
		os.Exit(1)
	}

	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("profile-id", complete.PredictAnything),
		kongcompletion.WithPredictor("device-path", complete.PredictFiles("/dev/*")))

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	cli.initSlog()

	// The core only ever calls otel.Tracer(...) against whatever provider is
	// globally registered; this adapter is the one place that decides
	// whether/where spans go. No exporter is attached here, so spans are
	// created and sampled but not shipped anywhere until an operator wires
	// one in (e.g. swapping this provider for one with an OTLP exporter).
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	appDir := cli.AppDir
	if appDir == "" {
		var err error
		appDir, err = config.AppHomeDir()
		kctx.FatalIfErrorf(err)
	}
	cfg := config.Default(appDir)
	cfg.Offline = cli.Offline
	kctx.FatalIfErrorf(cfg.EnsureDirs())
	kctx.FatalIfErrorf(cfg.Validate())

	st, err := store.Open(cfg.StateDBPath)
	kctx.FatalIfErrorf(err)
	defer st.Close()

	toolchains := &toolchain.Cache{
		Store:      st,
		Resolver:   &toolchain.HTTPResolver{BaseURL: cfg.ToolchainBaseURL},
		ArchiveDir: cfg.CacheRoot,
		ExtractDir: cfg.CacheRoot,
		Offline:    cfg.Offline,
	}
	builds := &buildengine.Engine{
		Store:        st,
		Toolchain:    toolchains,
		Stager:       overlay.New(),
		WorkDir:      cfg.CacheRoot,
		LogDir:       cfg.LogDir,
		BuildTimeout: cfg.BuildTimeout,
		GracePeriod:  cfg.GracePeriod,
	}
	flashes := &flashengine.Engine{Store: st}

	runCtx := &Context{
		Config:     cfg,
		Store:      st,
		Toolchains: toolchains,
		Builds:     builds,
		Flashes:    flashes,
	}

	err = kctx.Run(runCtx)
	kctx.FatalIfErrorf(err)
}
