package graph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(v int) Func {
	return func(context.Context, []interface{}) (interface{}, error) { return v, nil }
}

func sum(_ context.Context, deps []interface{}) (interface{}, error) {
	total := 0
	for _, d := range deps {
		total += d.(int)
	}
	return total, nil
}

// diamond builds a -> {b, c} -> d
func diamond(t *testing.T, counter *int64) *Graph {
	t.Helper()
	counted := func(fn Func) Func {
		return func(ctx context.Context, deps []interface{}) (interface{}, error) {
			atomic.AddInt64(counter, 1)
			return fn(ctx, deps)
		}
	}
	g, err := New(
		&Task{Key: "a", Fn: counted(constant(1))},
		&Task{Key: "b", Deps: []Key{"a"}, Fn: counted(sum)},
		&Task{Key: "c", Deps: []Key{"a", "a"}, Fn: counted(sum)},
		&Task{Key: "d", Deps: []Key{"b", "c"}, Fn: counted(sum)},
	)
	require.NoError(t, err)
	return g
}

func TestComputeDiamond(t *testing.T) {
	for _, workers := range []int{1, 4} {
		var calls int64
		g := diamond(t, &calls)
		res, err := NewExecutor(WithWorkers(workers)).Compute(context.Background(), g, []Key{"d"})
		require.NoError(t, err)
		assert.Equal(t, 3, res["d"])
		// each task runs once even though a is shared by b and c
		assert.Equal(t, int64(4), calls)
	}
}

func TestComputeCullsUnneededTasks(t *testing.T) {
	var calls int64
	g := diamond(t, &calls)
	res, err := Sequential().Compute(context.Background(), g, []Key{"b"})
	require.NoError(t, err)
	assert.Equal(t, 1, res["b"])
	assert.Equal(t, int64(2), calls)
	assert.NotContains(t, res, Key("d"))
}

func TestComputeObservesStates(t *testing.T) {
	var calls int64
	g := diamond(t, &calls)

	var mu sync.Mutex
	seen := map[Key][]State{}
	exec := NewExecutor(WithWorkers(2), WithObserver(func(k Key, s State) {
		mu.Lock()
		defer mu.Unlock()
		seen[k] = append(seen[k], s)
	}))
	_, err := exec.Compute(context.Background(), g, []Key{"d"})
	require.NoError(t, err)

	for _, k := range []Key{"a", "b", "c", "d"} {
		assert.Equal(t, []State{StateScheduled, StateComputed}, seen[k], "key %s", k)
	}
}

func TestLiteralTasksAreNotRun(t *testing.T) {
	g, err := New(
		Literal("x", "x", nil, 5),
		&Task{Key: "y", Deps: []Key{"x"}, Fn: sum},
	)
	require.NoError(t, err)
	assert.False(t, g.IsConcrete())

	res, err := Sequential().Compute(context.Background(), g, []Key{"y", "x"})
	require.NoError(t, err)
	assert.Equal(t, 5, res["y"])
	assert.Equal(t, 5, res["x"])
}

func TestFailureNamesBlock(t *testing.T) {
	boom := errors.New("boom")
	var tasks []*Task
	var targets []Key
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			idx := []int{i, j}
			k := BlockKey("temp-abc", idx)
			fn := constant(i*4 + j)
			if i == 2 && j == 3 {
				fn = func(context.Context, []interface{}) (interface{}, error) { return nil, boom }
			}
			tasks = append(tasks, &Task{Key: k, Label: "temperature", Index: idx, Fn: fn})
			targets = append(targets, k)
		}
	}
	g, err := New(tasks...)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	res, err := NewExecutor(WithWorkers(3), WithMetrics(m)).Compute(context.Background(), g, targets)
	require.Error(t, err)
	assert.Nil(t, res)

	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "temperature", ee.Label)
	assert.Equal(t, []int{2, 3}, ee.Index)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "(2,3)")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tasks.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.computes.WithLabelValues("failure")))
}

func TestPanicIsRecovered(t *testing.T) {
	g, err := New(&Task{Key: "p", Label: "p", Fn: func(context.Context, []interface{}) (interface{}, error) {
		var s []int
		return s[3], nil
	}})
	require.NoError(t, err)
	_, err = Sequential().Compute(context.Background(), g, []Key{"p"})
	var pe *PanicError
	assert.True(t, errors.As(err, &pe))
}

func TestCancelledContextStopsScheduling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran int64
	slow := func(ctx context.Context, deps []interface{}) (interface{}, error) {
		atomic.AddInt64(&ran, 1)
		cancel()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	g, err := New(
		&Task{Key: "a", Fn: slow},
		&Task{Key: "b", Deps: []Key{"a"}, Fn: slow},
		&Task{Key: "c", Deps: []Key{"b"}, Fn: slow},
	)
	require.NoError(t, err)

	_, err = Sequential().Compute(ctx, g, []Key{"c"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestOrderDetectsCycle(t *testing.T) {
	g, err := New(
		&Task{Key: "a", Deps: []Key{"c"}, Fn: sum},
		&Task{Key: "b", Deps: []Key{"a"}, Fn: sum},
		&Task{Key: "c", Deps: []Key{"b"}, Fn: sum},
	)
	require.NoError(t, err)

	_, err = g.Order([]Key{"a"})
	assert.ErrorIs(t, err, ErrCycle)
	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []Key{"a", "c", "b", "a"}, ce.Path)

	_, err = Sequential().Compute(context.Background(), g, []Key{"a"})
	assert.ErrorIs(t, err, ErrCycle)
}

func TestMissingDependency(t *testing.T) {
	g, err := New(&Task{Key: "a", Deps: []Key{"ghost"}, Fn: sum})
	require.NoError(t, err)
	assert.ErrorIs(t, g.Validate(), ErrMissingDependency)

	_, err = g.Order([]Key{"nope"})
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestMergeAndWith(t *testing.T) {
	a, err := New(Literal("a", "", nil, 1))
	require.NoError(t, err)
	b, err := a.With(&Task{Key: "b", Deps: []Key{"a"}, Fn: sum})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 2, b.Len())

	_, err = b.With(Literal("a", "", nil, 2))
	assert.ErrorIs(t, err, ErrDuplicateTask)

	m := Merge(a, b)
	assert.Equal(t, []Key{"a", "b"}, m.Keys())

	culled, err := m.Cull([]Key{"a"})
	require.NoError(t, err)
	assert.True(t, culled.IsConcrete())
}

func TestToken(t *testing.T) {
	a, b := Token("mean"), Token("mean")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^mean-[0-9a-f]{12}$`, a)
	assert.Equal(t, Key("x|1,2"), BlockKey("x", []int{1, 2}))
}
