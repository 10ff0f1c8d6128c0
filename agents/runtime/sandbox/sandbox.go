// Package sandbox runs untrusted WebAssembly modules under wazero with
// fuel-style call metering, an epoch-based wall-clock deadline, and
// read-only directory pre-opens. Every pre-opened directory is
// canonicalized and checked against the caller's allowed roots before use,
// so a module cannot read outside the directories its caller explicitly
// granted.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/telemetry"
)

const (
	maxModuleBytes = 50 << 20
	epochInterval  = 100 * time.Millisecond
	maxPipeBytes   = 1 << 20
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Limits bounds a single execution. Zero values fall back to Sandbox's
// configured defaults.
type Limits struct {
	MemoryBytes   uint64
	Fuel          uint64
	Timeout       time.Duration
	TableElements uint32
	MaxInstances  uint32
	MaxMemories   uint32
	MaxTables     uint32
}

func (l Limits) withDefaults(defs Limits) Limits {
	if l.MemoryBytes == 0 {
		l.MemoryBytes = defs.MemoryBytes
	}
	if l.Fuel == 0 {
		l.Fuel = defs.Fuel
	}
	if l.Timeout == 0 {
		l.Timeout = defs.Timeout
	}
	if l.TableElements == 0 {
		l.TableElements = defs.TableElements
	}
	if l.MaxInstances == 0 {
		l.MaxInstances = defs.MaxInstances
	}
	if l.MaxMemories == 0 {
		l.MaxMemories = defs.MaxMemories
	}
	if l.MaxTables == 0 {
		l.MaxTables = defs.MaxTables
	}
	return l
}

// Request describes one sandboxed execution.
type Request struct {
	ToolName string
	Module   []byte
	Argv     []string
	Env      map[string]string
	Stdin    []byte
	// PreopenDirs maps a guest-visible path to a host directory, mounted
	// read-only. Any entry whose host path cannot be canonicalized, or
	// resolves outside AllowedRoots, is skipped rather than failing the
	// whole request.
	PreopenDirs  map[string]string
	AllowedRoots []string
	Limits       Limits
}

// Outcome is the result of a sandboxed execution.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode uint32
}

// Sandbox owns the shared wazero runtime and a compiled-module cache. One
// Sandbox is created per process; it is safe for concurrent use.
type Sandbox struct {
	runtime   wazero.Runtime
	cache     *moduleCache
	instances *instanceTracker
	defs      Limits

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// instanceTracker caps how many concurrently-running module instances a
// given compiled module (identified by its digest) may have live at once,
// enforcing Limits.MaxInstances as a per-execution resource cap rather than
// a structural precheck.
type instanceTracker struct {
	mu     sync.Mutex
	counts map[string]uint32
}

func newInstanceTracker() *instanceTracker {
	return &instanceTracker{counts: make(map[string]uint32)}
}

// acquire reserves one instance slot for key, failing if max is non-zero and
// already reached.
func (t *instanceTracker) acquire(key string, max uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if max > 0 && t.counts[key] >= max {
		return false
	}
	t.counts[key]++
	return true
}

func (t *instanceTracker) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[key] > 0 {
		t.counts[key]--
	}
}

// Option configures a Sandbox at construction time.
type Option func(*Sandbox)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Sandbox) { s.logger = l } }

// WithMetrics overrides the default no-op metrics sink.
func WithMetrics(m telemetry.Metrics) Option { return func(s *Sandbox) { s.metrics = m } }

// WithDefaultLimits sets the caps applied to a Request that leaves a field
// at its zero value.
func WithDefaultLimits(l Limits) Option { return func(s *Sandbox) { s.defs = l } }

// New builds a Sandbox with one shared wazero runtime configured for
// reference types, bulk memory, and a process-wide memory ceiling; modules
// are closed automatically once their execution context is cancelled, which
// backs both the epoch deadline and fuel exhaustion below.
func New(ctx context.Context, defaultMemoryBytes uint64, opts ...Option) (*Sandbox, error) {
	if defaultMemoryBytes == 0 {
		defaultMemoryBytes = 256 << 20
	}
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(wazero.NewCompilationCache()).
		WithCloseOnContextDone(true).
		WithEpochInterruption(true).
		WithMemoryLimitPages(uint32(defaultMemoryBytes / wasmPageSize))

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, apperrors.Internal("instantiate wasi snapshot preview1", err)
	}

	s := &Sandbox{
		runtime:   rt,
		cache:     newModuleCache(),
		instances: newInstanceTracker(),
		defs: Limits{
			MemoryBytes:   defaultMemoryBytes,
			Fuel:          50_000_000,
			Timeout:       10 * time.Second,
			TableElements: 1 << 20,
			MaxInstances:  1,
			MaxMemories:   1,
			MaxTables:     1,
		},
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the shared wazero runtime and every module it has compiled.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// precheck validates the raw module bytes before compilation: size, magic
// number, and declared memory/table maximums versus the configured limits.
// Each declared-maximum comparison is independent and skipped (not failed)
// when the module is silent on that maximum, matching
// declaredMemoryMaxPages's ok=false convention.
func precheck(module []byte, limits Limits) error {
	if len(module) > maxModuleBytes {
		return apperrors.Validation(fmt.Sprintf("module exceeds %d byte limit", maxModuleBytes), nil)
	}
	if len(module) < 8 || !bytes.Equal(module[:4], wasmMagic) {
		return apperrors.Validation("not a WebAssembly module: bad magic", nil)
	}
	if declaredPages, ok := declaredMemoryMaxPages(module); ok {
		allowedPages := limits.MemoryBytes / wasmPageSize
		if uint64(declaredPages) > allowedPages {
			return apperrors.Validation("module declares more memory than the configured limit", nil)
		}
	}
	if count, ok := declaredMemoryCount(module); ok && limits.MaxMemories > 0 && count > limits.MaxMemories {
		return apperrors.Validation("module declares more memories than the configured limit", nil)
	}
	if count, ok := declaredTableCount(module); ok && limits.MaxTables > 0 && count > limits.MaxTables {
		return apperrors.Validation("module declares more tables than the configured limit", nil)
	}
	if elems, ok := declaredTableMaxElements(module); ok && limits.TableElements > 0 && elems > limits.TableElements {
		return apperrors.Validation("module declares a larger table than the configured limit", nil)
	}
	return nil
}

// Run executes req.Module's "_start" export under the configured caps and
// returns captured stdout on success, or stderr alongside the returned error
// on failure. Every outcome increments a success/error/timeout counter
// labeled by tool name.
func (s *Sandbox) Run(ctx context.Context, req Request) (Outcome, error) {
	limits := req.Limits.withDefaults(s.defs)

	if err := precheck(req.Module, limits); err != nil {
		s.metrics.IncCounter("sandbox.executions_total", 1, "tool", req.ToolName, "outcome", "precheck_error")
		return Outcome{}, err
	}

	compiled, err := s.cache.get(ctx, s.runtime, req.Module)
	if err != nil {
		s.metrics.IncCounter("sandbox.executions_total", 1, "tool", req.ToolName, "outcome", "compile_error")
		return Outcome{}, apperrors.Internal("compile module", err)
	}

	moduleKey := digest(req.Module)
	if !s.instances.acquire(moduleKey, limits.MaxInstances) {
		s.metrics.IncCounter("sandbox.executions_total", 1, "tool", req.ToolName, "outcome", "instance_limit_exceeded")
		return Outcome{}, apperrors.Resource("sandbox execution exceeded the configured concurrent instance limit", nil)
	}
	defer s.instances.release(moduleKey)

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	deadlineTicks := uint64(math.Ceil(float64(limits.Timeout) / float64(epochInterval)))
	runCtx = wazero.WithEpochDeadline(runCtx, deadlineTicks)

	tickerDone := make(chan struct{})
	go runEpochTicker(runCtx, s.runtime, tickerDone)
	defer func() { <-tickerDone }()

	budget := &fuelBudget{remaining: int64(limits.Fuel), cancel: cancel}
	runCtx = experimental.WithFunctionListenerFactory(runCtx, budget)

	result, runErr := s.runOnce(runCtx, compiled, req, limits)

	var outcomeLabel string
	switch {
	case runErr == nil:
		outcomeLabel = "success"
	case budget.exhausted.Load():
		outcomeLabel = "fuel_exhausted"
		runErr = apperrors.Resource("sandbox execution exhausted its fuel budget", runErr)
	case isTimeoutError(runErr):
		outcomeLabel = "timeout"
		runErr = apperrors.Timeout("sandbox execution deadline exceeded", runErr)
	default:
		outcomeLabel = "error"
	}
	s.metrics.IncCounter("sandbox.executions_total", 1, "tool", req.ToolName, "outcome", outcomeLabel)
	return result, runErr
}

func runEpochTicker(ctx context.Context, rt wazero.Runtime, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(epochInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.IncrementEpoch()
		}
	}
}

// fuelBudget implements experimental.FunctionListenerFactory: every guest
// function call deducts one unit, and once the budget is spent the run's
// context is cancelled, which wazero's WithCloseOnContextDone turns into a
// prompt module close.
type fuelBudget struct {
	remaining int64
	exhausted atomic.Bool
	cancel    context.CancelFunc
	once      sync.Once
}

func (b *fuelBudget) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return fuelListener{budget: b}
}

type fuelListener struct{ budget *fuelBudget }

func (f fuelListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) context.Context {
	if atomic.AddInt64(&f.budget.remaining, -1) < 0 {
		f.budget.exhausted.Store(true)
		f.budget.once.Do(func() { f.budget.cancel() })
	}
	return ctx
}

func (f fuelListener) After(context.Context, api.Module, api.FunctionDefinition, error, []uint64) {}

func (s *Sandbox) runOnce(ctx context.Context, compiled wazero.CompiledModule, req Request, _ Limits) (Outcome, error) {
	var stdout, stderr limitedBuffer
	stdout.limit = maxPipeBytes
	stderr.limit = maxPipeBytes

	preopens := resolvePreopens(req.PreopenDirs, req.AllowedRoots)

	fsConfig := wazero.NewFSConfig()
	for guest, host := range preopens {
		fsConfig = fsConfig.WithReadOnlyDirMount(host, guest)
	}

	modCfg := wazero.NewModuleConfig().
		WithArgs(req.Argv...).
		WithStdin(bytes.NewReader(req.Stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(fsConfig).
		WithStartFunctions("_start")

	for k, v := range req.Env {
		modCfg = modCfg.WithEnv(k, v)
	}

	mod, err := s.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
			return Outcome{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
		}
		return Outcome{Stderr: stderr.String()}, fmt.Errorf("%s: %w", stderr.String(), err)
	}
	return Outcome{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
}

func isTimeoutError(err error) bool {
	return err != nil && errorsIs(err, context.DeadlineExceeded)
}

func errorsIs(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// limitedBuffer caps how many bytes it will retain, truncating (not
// failing) once the limit is reached, matching the 1 MiB stdout/stderr cap.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
