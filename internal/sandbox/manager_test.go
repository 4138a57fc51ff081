package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type factoryFunc func(ctx context.Context) (*Environment, error)

func (f factoryFunc) Bootstrap(ctx context.Context) (*Environment, error) { return f(ctx) }

type memRecorder struct {
	mu   sync.Mutex
	recs []ExecutionRecord
}

func (r *memRecorder) RecordExecution(_ context.Context, rec ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) records() []ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExecutionRecord(nil), r.recs...)
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(newTestBootstrapper(t), testPolicy(), opts...)
	require.NoError(t, m.Create(context.Background()))
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func waitForState(t *testing.T, m *Manager, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status().State == s }, 5*time.Second, time.Millisecond)
}

func TestManagerExec(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, StateReady, m.Status().State)
	firstID := m.Status().EnvironmentID
	require.NotEmpty(t, firstID)

	res, err := m.Exec(context.Background(), ExecutionRequest{Code: "2 + 2"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.FinalExpression)
	assert.Equal(t, "4", *res.FinalExpression)
	assert.Empty(t, res.StdOut)
	assert.Empty(t, res.OutputFiles)
	assert.Nil(t, res.Error)

	waitForState(t, m, StateReady)
	st := m.Status()
	assert.Equal(t, uint64(1), st.Executions)
	assert.Equal(t, uint64(1), st.Recycles)
	assert.NotEqual(t, firstID, st.EnvironmentID)
}

func TestManagerUserError(t *testing.T) {
	m := newTestManager(t)
	res, err := m.Exec(context.Background(), ExecutionRequest{Code: "print('hi')\nraise ValueError('boom')"})
	require.NoError(t, err, "user errors are not engine errors")
	assert.False(t, res.Success)
	assert.Contains(t, res.StdOut, "hi")
	require.NotNil(t, res.Error)
	assert.Equal(t, "ValueError", res.Error.Type)
	assert.Contains(t, res.Error.Message, "boom")

	waitForState(t, m, StateReady)
}

func TestManagerIsolation(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Exec(context.Background(), ExecutionRequest{Code: "x = 41\nopen('keep.txt', 'w').write('a')"})
	require.NoError(t, err)

	res, err := m.Exec(context.Background(), ExecutionRequest{Code: "x + 1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "NameError", res.Error.Type)
	assert.Contains(t, res.StdErr, "x")

	res, err = m.Exec(context.Background(), ExecutionRequest{Code: "os.path.exists('keep.txt')"})
	require.NoError(t, err)
	assert.Equal(t, "False", *res.FinalExpression)
}

func TestManagerInputAndOutputFiles(t *testing.T) {
	m := newTestManager(t)
	req := ExecutionRequest{
		Code: `
rows = csv.read_file("data.csv")
plot.plot([float(r[1]) for r in rows[1:]])
plot.savefig("plot.png")
`,
		Files: []InputFile{{Filename: "data.csv", Data: []byte("x,y\n1,2\n2,5\n")}},
	}

	var names [][]string
	for i := 0; i < 2; i++ {
		res, err := m.Exec(context.Background(), req)
		require.NoError(t, err)
		require.True(t, res.Success, "%+v", res.Error)

		var got []string
		for _, f := range res.OutputFiles {
			got = append(got, f.Filename)
		}
		names = append(names, got)
	}
	assert.Equal(t, []string{"plot.png"}, names[0])
	assert.Equal(t, names[0], names[1])
}

func TestManagerValidationLeavesEnvironment(t *testing.T) {
	var calls atomic.Int32
	b := newTestBootstrapper(t)
	m := NewManager(factoryFunc(func(ctx context.Context) (*Environment, error) {
		calls.Add(1)
		return b.Bootstrap(ctx)
	}), testPolicy())
	require.NoError(t, m.Create(context.Background()))
	defer m.Close(context.Background())
	id := m.Status().EnvironmentID

	for _, code := range []string{"", "   "} {
		res, err := m.Exec(context.Background(), ExecutionRequest{Code: code})
		assert.True(t, IsKind(err, KindRequestValidation))
		assert.False(t, res.Success)
		assert.Equal(t, "RequestValidationError", res.Error.Type)
		assert.NotNil(t, res.OutputFiles)
	}

	st := m.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, id, st.EnvironmentID)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, st.Executions)
}

func TestManagerNotReady(t *testing.T) {
	p := testPolicy()
	p.ReadyPollAttempts = 3
	p.ReadyPollInterval = 5 * time.Millisecond
	m := NewManager(newTestBootstrapper(t), p)
	defer m.Close(context.Background())

	start := time.Now()
	res, err := m.Exec(context.Background(), ExecutionRequest{Code: "1"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindEnvironmentNotReady))
	assert.False(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrEnvironmentNotReady)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "two waits between three attempts")
	assert.Equal(t, "EnvironmentNotReadyError", res.Error.Type)
	assert.Equal(t, StateUninitialized, m.Status().State)
}

func TestManagerFailedIsFatal(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("no interpreter today")
	p := testPolicy()
	p.BootstrapRetries = 2
	m := NewManager(factoryFunc(func(context.Context) (*Environment, error) {
		calls.Add(1)
		return nil, boom
	}), p)
	defer m.Close(context.Background())

	err := m.Create(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindBootstrap))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")

	st := m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.LastError, "no interpreter today")

	for i := 0; i < 2; i++ {
		res, err := m.Exec(context.Background(), ExecutionRequest{Code: "1"})
		require.Error(t, err)
		assert.True(t, IsFatal(err))
		assert.ErrorIs(t, err, ErrEnvironmentFailed)
		assert.False(t, res.Success)
	}
	assert.Equal(t, int32(3), calls.Load(), "requests do not retry bootstrap")
}

func TestManagerBootstrapRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	b := newTestBootstrapper(t)
	m := NewManager(factoryFunc(func(ctx context.Context) (*Environment, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("flaky")
		}
		return b.Bootstrap(ctx)
	}), testPolicy())
	defer m.Close(context.Background())

	require.NoError(t, m.Create(context.Background()))
	assert.Equal(t, StateReady, m.Status().State)
	assert.Equal(t, int32(2), calls.Load())
}

func TestManagerRespondsBeforeRecycle(t *testing.T) {
	b := newTestBootstrapper(t)
	gate := make(chan struct{})
	var calls atomic.Int32
	p := testPolicy()
	p.ReadyPollAttempts = 2
	m := NewManager(factoryFunc(func(ctx context.Context) (*Environment, error) {
		if calls.Add(1) > 1 {
			<-gate
		}
		return b.Bootstrap(ctx)
	}), p)
	require.NoError(t, m.Create(context.Background()))

	var during State
	err := m.HandleFunc(context.Background(), ExecutionRequest{Code: "1"}, func(res *ExecutionResult) {
		during = m.Status().State
		assert.True(t, res.Success)
	})
	require.NoError(t, err)
	assert.Equal(t, StateRecycling, during)

	st := m.Status().State
	assert.Contains(t, []State{StateRecycling, StateBootstrapping}, st, "rebuild is blocked")

	_, err = m.Exec(context.Background(), ExecutionRequest{Code: "1"})
	assert.True(t, IsKind(err, KindEnvironmentNotReady), "second request sees not ready during recycle")

	close(gate)
	waitForState(t, m, StateReady)
	require.NoError(t, m.Close(context.Background()))
}

func TestManagerSerializesRequests(t *testing.T) {
	m := newTestManager(t)

	const n = 4
	var wg sync.WaitGroup
	results := make([]*ExecutionResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Exec(context.Background(), ExecutionRequest{Code: "x = 1\nx"})
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res, "request %d", i)
		assert.Equal(t, "1", *res.FinalExpression)
	}
	waitForState(t, m, StateReady)
	assert.Equal(t, uint64(n), m.Status().Executions)
}

func TestManagerRecycleErrors(t *testing.T) {
	b := newTestBootstrapper(t)
	var calls atomic.Int32
	p := testPolicy()
	p.BootstrapRetries = 0
	m := NewManager(factoryFunc(func(ctx context.Context) (*Environment, error) {
		if calls.Add(1) > 1 {
			return nil, errors.New("out of memory")
		}
		return b.Bootstrap(ctx)
	}), p)
	defer m.Close(context.Background())
	require.NoError(t, m.Create(context.Background()))

	_, err := m.Exec(context.Background(), ExecutionRequest{Code: "1"})
	require.NoError(t, err)

	select {
	case err := <-m.Errors():
		assert.True(t, IsKind(err, KindBootstrap))
		assert.Contains(t, err.Error(), "out of memory")
	case <-time.After(5 * time.Second):
		t.Fatal("no recycle error reported")
	}
	assert.Equal(t, StateFailed, m.Status().State)
}

func TestManagerRecordsExecutions(t *testing.T) {
	rec := &memRecorder{}
	m := newTestManager(t, WithRecorder(rec))

	_, err := m.Exec(context.Background(), ExecutionRequest{
		Code:  "open('out.txt', 'w').write('x')\nfail(ValueError('nope'))",
		Files: []InputFile{{Filename: "in.txt", Data: []byte("a")}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.records()) == 1 }, 5*time.Second, time.Millisecond)
	r := rec.records()[0]
	assert.NotEmpty(t, r.ID)
	assert.NotEmpty(t, r.EnvironmentID)
	assert.False(t, r.Success)
	assert.Equal(t, "ValueError", r.ErrorType)
	assert.Equal(t, "nope", r.ErrorMessage)
	assert.Equal(t, 1, r.InputFiles)
	assert.Equal(t, 1, r.OutputFiles)
}

func TestManagerClose(t *testing.T) {
	m := NewManager(newTestBootstrapper(t), testPolicy())
	require.NoError(t, m.Create(context.Background()))
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))

	_, err := m.Exec(context.Background(), ExecutionRequest{Code: "1"})
	assert.True(t, IsKind(err, KindEnvironmentNotReady))
	assert.ErrorIs(t, m.Create(context.Background()), ErrManagerClosed)
}

func TestManagerCloseInterruptsRunningCode(t *testing.T) {
	m := NewManager(newTestBootstrapper(t), testPolicy())
	require.NoError(t, m.Create(context.Background()))

	results := make(chan *ExecutionResult, 1)
	go func() {
		res, _ := m.Exec(context.Background(), ExecutionRequest{Code: "while True:\n    pass\n"})
		results <- res
	}()
	waitForState(t, m, StateExecuting)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	closed := make(chan error, 1)
	go func() { closed <- m.Close(ctx) }()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("Close ignored its deadline")
	}

	select {
	case res := <-results:
		require.NotNil(t, res)
		assert.False(t, res.Success)
		require.NotNil(t, res.Error)
		assert.Equal(t, "InterruptedError", res.Error.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("running code was not interrupted")
	}
}

func TestManagerCreateRejectsBusyStates(t *testing.T) {
	m := newTestManager(t)
	err := m.Create(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ready")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "recycling", StateRecycling.String())
	assert.Equal(t, "State(42)", State(42).String())
}
