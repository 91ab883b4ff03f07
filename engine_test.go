package gotov8

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yejune/gotov8/internal/transpile"
)

type greeting struct {
	Name  string `json:"name"`
	Times int    `json:"times"`
}

func TestEvalTypeScript(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "main.js")

	v, err := p.Eval(context.Background(), "const answer: number = 41;\nanswer + 1", "answer.ts")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestLoadTypeScriptModule(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), `
interface Point { x: number; y: number }
const scale = (p: Point, k: number): Point => ({ x: p.x * k, y: p.y * k });
module.exports = { scale };
`, "point.ts")

	exports, err := p.Exports(context.Background())
	require.NoError(t, err)
	scale, err := exports.(*Object).Get(context.Background(), "scale")
	require.NoError(t, err)
	v, err := scale.(*Object).Call(context.Background(), map[string]int{"x": 1, "y": 2}, 3)
	require.NoError(t, err)
	pt := v.(*Object)
	data, err := pt.ToData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": int64(3), "y": int64(6)}, data)
}

func TestTranspileError(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Compile(context.Background(), "const x: = ;", "broken.ts")
	require.ErrorIs(t, err, ErrCompile)

	var bridgeErr *Error
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, []string{"broken.ts"}, bridgeErr.Path)
	var terr *transpile.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, terr.Line)
}

func TestTranspileAll(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.Transpile = true })
	p := loadProgram(t, e, "", "plain.js")

	v, err := p.Eval(context.Background(), "const n = 2 ** 4; n", "")
	require.NoError(t, err)
	assert.Equal(t, int64(16), v)
}

func TestCodeCacheReuse(t *testing.T) {
	e := newTestEngine(t)
	source := "function twice(x) { return x * 2 }\ntwice(21)"

	first := loadProgram(t, e, source, "cached.js")
	second := loadProgram(t, e, source, "cached.js")

	for _, p := range []*Program{first, second} {
		v, err := p.Eval(context.Background(), "twice(4)", "")
		require.NoError(t, err)
		assert.Equal(t, int64(8), v)
	}
	hits := e.Metrics.codeCacheHits
	assert.Equal(t, 1.0, testutil.ToFloat64(hits.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(hits.WithLabelValues("hit"))+testutil.ToFloat64(hits.WithLabelValues("rejected")))
}

func TestCodeCacheDisabled(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.CacheConfig.Type = "none" })
	loadProgram(t, e, "1", "a.js")
	loadProgram(t, e, "1", "a.js")

	assert.Equal(t, 2.0, testutil.ToFloat64(e.Metrics.codeCacheHits.WithLabelValues("miss")))
}

func TestLoadRuntimeFailure(t *testing.T) {
	e := newTestEngine(t)
	p, err := e.Load(context.Background(), "throw new TypeError('at load')", "fails.js")
	assert.Nil(t, p)
	require.ErrorIs(t, err, ErrCompile)
	assert.ErrorIs(t, err, ErrGuestRuntime)

	var ge *GuestException
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "TypeError: at load", ge.Message)
	assert.Equal(t, "fails.js", ge.Location.File)
	assert.Empty(t, e.Programs(), "a failed load leaves nothing registered")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lib.js")
	require.NoError(t, os.WriteFile(path, []byte("module.exports = { id: 'lib' }"), 0o644))

	e := newTestEngine(t)
	p, err := e.LoadFile(context.Background(), path)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, path, p.Label())

	exports, err := p.Exports(context.Background())
	require.NoError(t, err)
	id, err := exports.(*Object).Get(context.Background(), "id")
	require.NoError(t, err)
	assert.Equal(t, "lib", id)

	_, err = e.LoadFile(context.Background(), filepath.Join(dir, "missing.js"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProgramsAndStats(t *testing.T) {
	e := newTestEngine(t)
	a := loadProgram(t, e, "", "a.js")
	b := loadProgram(t, e, "", "b.js")

	assert.ElementsMatch(t, []*Program{a, b}, e.Programs())
	stats := e.Stats()
	assert.Equal(t, 2, stats["live"])
	assert.Equal(t, 2, stats["total_created"])
	assert.Equal(t, "utf-8", stats["charset"])

	require.NoError(t, a.Close())
	assert.Equal(t, []*Program{b}, e.Programs())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.programsLive))
}

func TestShutdown(t *testing.T) {
	e := newTestEngine(t)
	p := loadProgram(t, e, "", "shutdown.js")

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, StateDestroyed, p.State())
	assert.Zero(t, testutil.ToFloat64(e.Metrics.programsLive))

	_, err := e.Compile(context.Background(), "1", "late.js")
	require.ErrorIs(t, err, ErrProgramUnavailable)
	assert.Contains(t, err.Error(), "the engine has been shut down")
}

func TestShutdownWaitsForInFlightOperation(t *testing.T) {
	e := newTestEngine(t)
	p := loadProgram(t, e, "", "inflight.js")

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	setGlobal(t, p, "hook", Func(func(ctx context.Context, args ...any) (any, error) {
		close(started)
		<-release
		return nil, nil
	}))
	go func() {
		defer close(finished)
		_, _ = p.Eval(context.Background(), "hook()", "")
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, StateMarkedForDestruction, p.State())

	close(release)
	<-finished
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("program not torn down after its operation returned")
	}
	assert.Equal(t, StateDestroyed, p.State())
}

func TestTypeDeclarations(t *testing.T) {
	e := newTestEngine(t)
	decl, err := e.TypeDeclarations(greeting{})
	require.NoError(t, err)
	assert.True(t, strings.Contains(decl, "interface greeting"), decl)
	assert.Contains(t, decl, "times: number;")
}

func TestV8Version(t *testing.T) {
	assert.NotEmpty(t, V8Version())
}
