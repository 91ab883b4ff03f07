package gotov8

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	v8 "github.com/tommie/v8go"
	"github.com/yejune/gotov8/internal/cache"
	"github.com/yejune/gotov8/internal/jsruntime"
	"github.com/yejune/gotov8/internal/loader"
	"github.com/yejune/gotov8/internal/transcode"
	"github.com/yejune/gotov8/internal/transpile"
	"github.com/yejune/gotov8/internal/typeconverter"
	"golang.org/x/sync/singleflight"
)

// v8FlagsOnce guards V8 flags, which are process-wide.
var v8FlagsOnce sync.Once

type Engine struct {
	Logger    *slog.Logger
	Config    *Config
	HotReload *HotReload
	Cache     cache.Cache
	Metrics   *Metrics

	programs      *jsruntime.Registry
	transpiles    singleflight.Group
	decoder       *transcode.Decoder
	helperSource  string
	preludeSource string
}

// New creates a new gotov8 Engine instance
func New(config Config) (*Engine, error) {
	logger := config.Logger
	if logger == nil {
		level, _ := parseLevel(config.LogLevel)
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	// Validate config first to set defaults
	err := config.Validate()
	if err != nil {
		logger.Error("Failed to validate config", "error", err)
		return nil, err
	}

	// Initialize cache based on config
	cacheInstance, err := cache.NewCache(config.CacheConfig)
	if err != nil {
		logger.Error("Failed to initialize cache", "error", err)
		return nil, err
	}

	decoder, err := transcode.New(config.BinaryCharset)
	if err != nil {
		return nil, err
	}
	helperSource, err := loader.GenerateHelpers(config.StackFrameLimit)
	if err != nil {
		return nil, err
	}
	preludeSource, err := loader.GeneratePrelude(!config.NoModuleShim)
	if err != nil {
		return nil, err
	}

	if len(config.V8Flags) > 0 {
		v8FlagsOnce.Do(func() {
			v8.SetFlags(config.V8Flags...)
		})
	}

	engine := &Engine{
		Logger:        logger,
		Config:        &config,
		Cache:         cacheInstance,
		Metrics:       newMetrics(config.Registerer),
		programs:      jsruntime.NewRegistry(),
		decoder:       decoder,
		helperSource:  helperSource,
		preludeSource: preludeSource,
	}
	engine.Logger.Debug("Initialized engine",
		"v8", v8.Version(),
		"cache", config.CacheConfig.Type,
		"charset", decoder.Name())

	// Initialize dev tools (hot reload) - no-op in prod builds
	if err := engine.initDevTools(); err != nil {
		return nil, err
	}

	return engine, nil
}

// V8Version returns the version of the embedded V8.
func V8Version() string {
	return v8.Version()
}

// prepare turns source into the code V8 compiles, transpiling when the label
// or the config asks for it. Transpiled output is cached by source and target.
func (engine *Engine) prepare(source, label string) (string, string, error) {
	if !engine.Config.Transpile && !transpile.NeedsTranspile(label) {
		return source, cache.Key(source), nil
	}
	key := cache.Key(engine.Config.TranspileTarget + "\x00" + label + "\x00" + source)
	if code, ok, err := engine.Cache.GetTranspiled(key); err != nil {
		engine.Logger.Warn("Failed to read transpile cache", "error", err)
	} else if ok {
		return code, cache.Key(code), nil
	}

	out, err, _ := engine.transpiles.Do(key, func() (interface{}, error) {
		code, err := transpile.Transform(source, transpile.Options{
			Label:  label,
			Target: engine.Config.TranspileTarget,
		})
		if err != nil {
			return "", err
		}
		if err := engine.Cache.SetTranspiled(key, code); err != nil {
			engine.Logger.Warn("Failed to store transpiled source", "error", err)
		}
		if err := engine.Cache.SetLabelKey(label, key); err != nil {
			engine.Logger.Warn("Failed to map label to transpiled source", "error", err)
		}
		return code, nil
	})
	if err != nil {
		return "", "", newError(KindCompile, "engine.transpile").Path(label).Cause(err).Build()
	}
	code := out.(string)
	return code, cache.Key(code), nil
}

// Compile compiles source into a new Program without running it.
func (engine *Engine) Compile(ctx context.Context, source, label string) (*Program, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if label == "" {
		label = "<anonymous>"
	}
	code, key, err := engine.prepare(source, label)
	if err != nil {
		return nil, err
	}
	p, err := newProgram(engine, source, code, label, key)
	if err != nil {
		engine.Logger.Debug("Failed to compile program", "label", label, "error", err)
		return nil, err
	}
	engine.Metrics.programsLive.Inc()
	if err := engine.programs.Add(p); err != nil {
		p.Close()
		if errors.Is(err, jsruntime.ErrClosed) {
			return nil, unavailable("engine.compile", "the engine has been shut down")
		}
		return nil, err
	}
	engine.Metrics.programsCreated.Inc()
	p.logger.Debug("Compiled program")
	return p, nil
}

// Load compiles source and runs its main script once. The Program is only
// returned when both steps succeed.
func (engine *Engine) Load(ctx context.Context, source, label string) (*Program, error) {
	p, err := engine.Compile(ctx, source, label)
	if err != nil {
		return nil, err
	}
	if _, err := p.Run(ctx); err != nil {
		p.Close()
		return nil, newError(KindCompile, "engine.load").Path(p.Label()).Cause(err).Build()
	}
	return p, nil
}

// LoadFile loads the script at path, labelled with its absolute path.
func (engine *Engine) LoadFile(ctx context.Context, path string) (*Program, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	source, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return engine.Load(ctx, string(source), abs)
}

// Programs returns the Programs that are live right now.
func (engine *Engine) Programs() []*Program {
	runtimes := engine.programs.Snapshot()
	out := make([]*Program, 0, len(runtimes))
	for _, rt := range runtimes {
		if p, ok := rt.(*Program); ok {
			out = append(out, p)
		}
	}
	return out
}

// Stats returns engine statistics.
func (engine *Engine) Stats() map[string]interface{} {
	stats := engine.programs.Stats()
	stats["cache"] = engine.Config.CacheConfig.Type
	stats["charset"] = engine.decoder.Name()
	return stats
}

// TypeDeclarations renders TypeScript declarations for the Go structs of
// values, for guest code that receives them.
func (engine *Engine) TypeDeclarations(values ...any) (string, error) {
	return typeconverter.Generate(values...)
}

// Shutdown gracefully shuts down the engine and releases all resources.
// It should be called when the server is shutting down.
// The context can be used to set a timeout for the shutdown.
func (engine *Engine) Shutdown(ctx context.Context) error {
	engine.Logger.Info("Shutting down gotov8 engine", "programs", engine.programs.Len())

	// Destroy every live program
	err := engine.programs.Close(ctx)
	if err != nil {
		engine.Logger.Error("Programs still tearing down at shutdown", "error", err)
	} else {
		engine.Logger.Debug("Programs destroyed")
	}

	// Clear the cache, a shared redis cache outlives the process
	if engine.Cache != nil && engine.Config.CacheConfig.Type != cache.CacheTypeRedis {
		if err := engine.Cache.Clear(); err != nil {
			engine.Logger.Error("Failed to clear cache", "error", err)
		}
		engine.Logger.Debug("Cache cleared")
	}
	if closer, ok := engine.Cache.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			engine.Logger.Error("Failed to close cache", "error", err)
		}
	}

	// Stop hot reload server (dev only)
	engine.stopHotReload()

	engine.Logger.Info("gotov8 engine shutdown complete")
	return err
}
