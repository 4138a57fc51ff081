package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/michaelbrown/sandcastle/internal/metrics"
)

// State is a lifecycle state of the Manager.
type State int

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateReady
	StateExecuting
	StateRecycling
	StateFailed
)

var stateNames = []string{"uninitialized", "bootstrapping", "ready", "executing", "recycling", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrManagerClosed is returned once Close has been called.
var ErrManagerClosed = errors.New("sandbox manager is closed")

// EnvironmentFactory builds environments. *Bootstrapper is the
// production implementation.
type EnvironmentFactory interface {
	Bootstrap(ctx context.Context) (*Environment, error)
}

// ExecutionRecord summarizes one executed request. It carries no code
// and no file contents.
type ExecutionRecord struct {
	ID            string
	EnvironmentID string
	StartedAt     time.Time
	Duration      time.Duration
	Success       bool
	ErrorType     string
	ErrorMessage  string
	InputFiles    int
	OutputFiles   int
}

// Recorder receives a record for every request that reached an environment.
type Recorder interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
}

// Status is a point-in-time view of the manager for health reporting.
type Status struct {
	State         State
	EnvironmentID string
	LastError     string
	Executions    uint64
	Recycles      uint64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder sends a record of every execution to r.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// Manager owns the single sandbox environment of a process. It hands the
// ready environment to exactly one request, then discards it and builds
// a new one in the background.
type Manager struct {
	factory  EnvironmentFactory
	policy   Policy
	logger   *zerolog.Logger
	recorder Recorder

	mu         sync.Mutex
	state      State
	env        *Environment
	running    *Environment
	envID      string
	lastErr    error
	executions uint64
	recycles   uint64
	closed     bool

	ctx    context.Context // background work; cancelled by Close
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error
}

var _ Engine = (*Manager)(nil)

// NewManager returns an Uninitialized manager. Call Create to bootstrap
// the first environment.
func NewManager(factory EnvironmentFactory, policy Policy, opts ...ManagerOption) *Manager {
	nop := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		factory: factory,
		policy:  policy,
		logger:  &nop,
		ctx:     ctx,
		cancel:  cancel,
		errs:    make(chan error, 16),
	}
	for _, opt := range opts {
		opt(m)
	}
	metrics.SetState(m.state.String(), stateNames)
	return m
}

// setState must be called with mu held.
func (m *Manager) setState(s State) {
	if m.state != s {
		m.logger.Debug().Stringer("from", m.state).Stringer("to", s).Msg("state change")
	}
	m.state = s
	metrics.SetState(s.String(), stateNames)
}

// Create bootstraps a fresh environment, retrying a bounded number of
// times. Exhausting the retries leaves the manager Failed.
func (m *Manager) Create(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	switch m.state {
	case StateUninitialized, StateRecycling, StateFailed:
	default:
		s := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot bootstrap while %s", s)
	}
	m.setState(StateBootstrapping)
	m.mu.Unlock()

	var env *Environment
	attempt := 0
	backoff := retry.WithMaxRetries(m.policy.BootstrapRetries, retry.NewExponential(positive(m.policy.BootstrapBackoff)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		e, err := m.factory.Bootstrap(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("bootstrap attempt failed")
			return retry.RetryableError(err)
		}
		env = e
		return nil
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if !IsKind(err, KindBootstrap) {
			err = newError(KindBootstrap, "create", err)
		}
		m.lastErr = err
		m.envID = ""
		m.setState(StateFailed)
		m.logger.Error().Err(err).Int("attempts", attempt).Msg("sandbox environment failed")
		return err
	}
	if m.closed {
		env.Close()
		return ErrManagerClosed
	}
	m.env = env
	m.envID = env.ID
	m.lastErr = nil
	m.setState(StateReady)
	return nil
}

func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// acquire waits, bounded, for a ready environment and takes ownership
// of it, moving the manager to Executing.
func (m *Manager) acquire(ctx context.Context) (*Environment, error) {
	attempts := m.policy.ReadyPollAttempts
	if attempts == 0 {
		attempts = 1
	}
	var env *Environment
	backoff := retry.WithMaxRetries(attempts-1, retry.NewConstant(positive(m.policy.ReadyPollInterval)))
	err := retry.Do(ctx, backoff, func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		switch {
		case m.closed:
			return ErrManagerClosed
		case m.state == StateFailed:
			return &Error{Kind: KindEnvironmentNotReady, Op: "wait", Fatal: true,
				Err: fmt.Errorf("%w: %v", ErrEnvironmentFailed, m.lastErr)}
		case m.state == StateReady:
			env = m.env
			m.env = nil
			m.running = env
			m.wg.Add(1) // released by recycle
			m.setState(StateExecuting)
			return nil
		}
		return retry.RetryableError(ErrEnvironmentNotReady)
	})
	switch {
	case err == nil:
		return env, nil
	case IsKind(err, KindEnvironmentNotReady):
		return nil, err
	case errors.Is(err, ErrManagerClosed):
		return nil, newError(KindEnvironmentNotReady, "wait", err)
	case errors.Is(err, ErrEnvironmentNotReady):
		return nil, newError(KindEnvironmentNotReady, "wait",
			fmt.Errorf("%w after %d attempts", ErrEnvironmentNotReady, attempts))
	}
	return nil, newError(KindEnvironmentNotReady, "wait", fmt.Errorf("%w: %v", ErrEnvironmentNotReady, err))
}

// Exec runs req and returns its result. The result is non-nil even when
// an engine error is returned alongside it.
func (m *Manager) Exec(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	var result *ExecutionResult
	err := m.HandleFunc(ctx, req, func(r *ExecutionResult) { result = r })
	return result, err
}

// HandleFunc runs req and passes the result to respond. respond returns
// before the environment is torn down and rebuilt, so the caller is not
// charged for recycling.
func (m *Manager) HandleFunc(ctx context.Context, req ExecutionRequest, respond func(*ExecutionResult)) error {
	start := time.Now()
	if err := req.Validate(m.policy); err != nil {
		metrics.ExecutionsTotal.WithLabelValues(outcomeLabel(nil, err)).Inc()
		respond(FailureResult(err, time.Since(start)))
		return err
	}

	env, err := m.acquire(ctx)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(outcomeLabel(nil, err)).Inc()
		m.logger.Warn().Err(err).Msg("no environment for request")
		respond(FailureResult(err, time.Since(start)))
		return err
	}

	result, err := m.execute(ctx, env, req)
	metrics.ExecutionsTotal.WithLabelValues(outcomeLabel(result, err)).Inc()

	m.mu.Lock()
	m.executions++
	m.running = nil
	m.envID = ""
	m.setState(StateRecycling)
	m.mu.Unlock()

	rec := ExecutionRecord{
		ID:            uuid.NewString(),
		EnvironmentID: env.ID,
		StartedAt:     start,
		Duration:      time.Since(start),
		Success:       result.Success,
		InputFiles:    len(req.Files),
		OutputFiles:   len(result.OutputFiles),
	}
	if result.Error != nil {
		rec.ErrorType, rec.ErrorMessage = result.Error.Type, result.Error.Message
	}

	respond(result)
	go m.recycle(env, rec)
	return err
}

func (m *Manager) execute(ctx context.Context, env *Environment, req ExecutionRequest) (*ExecutionResult, error) {
	start := time.Now()
	fail := func(err error) (*ExecutionResult, error) {
		r := FailureResult(err, time.Since(start))
		r.StdOut, r.StdErr = env.Capture().Strings()
		return r, err
	}

	if err := env.WriteInputs(req.Files); err != nil {
		return fail(err)
	}
	outcome, err := env.Run(ctx, req.Code)
	if err != nil {
		return fail(err)
	}
	metrics.ExecutionDuration.Observe(outcome.Duration.Seconds())

	outputs, err := env.CollectOutputs(req.InputNames())
	if err != nil {
		return fail(err)
	}

	stdout, stderr := env.Capture().Strings()
	return &ExecutionResult{
		Success:         outcome.Success(),
		FinalExpression: outcome.FinalExpression,
		OutputFiles:     outputs,
		StdOut:          stdout,
		StdErr:          stderr,
		Error:           outcome.Err,
		CodeRuntime:     time.Since(start).Milliseconds(),
	}, nil
}

// recycle tears env down and bootstraps its replacement. It runs after
// the response has been handed back.
func (m *Manager) recycle(env *Environment, rec ExecutionRecord) {
	defer m.wg.Done()

	if err := env.Close(); err != nil {
		m.logger.Warn().Err(err).Str("env", env.ID).Msg("closing environment")
	}
	metrics.RecyclesTotal.Inc()

	if m.recorder != nil {
		ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
		if err := m.recorder.RecordExecution(ctx, rec); err != nil {
			m.logger.Warn().Err(err).Msg("recording execution")
		}
		cancel()
	}

	m.mu.Lock()
	m.recycles++
	m.mu.Unlock()

	if err := m.Create(m.ctx); err != nil && !errors.Is(err, ErrManagerClosed) && m.ctx.Err() == nil {
		m.report(err)
	}
}

func (m *Manager) report(err error) {
	select {
	case m.errs <- err:
	default:
		m.logger.Warn().Err(err).Msg("recycle error dropped, channel full")
	}
}

// Errors delivers failures of background recycles.
func (m *Manager) Errors() <-chan error { return m.errs }

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:         m.state,
		EnvironmentID: m.envID,
		Executions:    m.executions,
		Recycles:      m.recycles,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Close waits for the running request and in-flight recycles, then
// discards the ready environment. If ctx ends first, the running code is
// interrupted, pending bootstraps are cancelled and Close returns without
// waiting further.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		m.cancel()
	case <-ctx.Done():
		err = ctx.Err()
		m.cancel()
		m.mu.Lock()
		if m.running != nil {
			m.running.Interrupt(ErrManagerClosed.Error())
		}
		m.mu.Unlock()
		m.logger.Warn().Err(err).Msg("close deadline passed, interrupted running code")
	}

	m.mu.Lock()
	env := m.env
	m.env = nil
	m.envID = ""
	m.setState(StateUninitialized)
	m.mu.Unlock()
	if env != nil {
		err = errors.Join(err, env.Close())
	}
	return err
}

func outcomeLabel(result *ExecutionResult, err error) string {
	if err == nil {
		if result != nil && result.Success {
			return "success"
		}
		return "user_error"
	}
	switch KindOf(err) {
	case KindRequestValidation:
		return "validation"
	case KindEnvironmentNotReady:
		return "not_ready"
	case KindBootstrap:
		return "bootstrap"
	case KindMarshalling:
		return "marshalling"
	}
	return "internal"
}
