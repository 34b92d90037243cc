package probe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(name string, err error, calls *[]string) Strategy[string] {
	return Strategy[string]{
		Name: name,
		Run: func(context.Context) (string, error) {
			*calls = append(*calls, name)
			return "", err
		},
	}
}

func succeeding(name, value string, calls *[]string) Strategy[string] {
	return Strategy[string]{
		Name: name,
		Run: func(context.Context) (string, error) {
			*calls = append(*calls, name)
			return value, nil
		},
	}
}

func TestRun_FirstSuccessWins(t *testing.T) {
	var calls []string
	strategies := []Strategy[string]{
		failing("A", errors.New("a broke"), &calls),
		failing("B", errors.New("b broke"), &calls),
		succeeding("C", "from-c", &calls),
		succeeding("D", "from-d", &calls),
	}

	got, outcome, err := Run(context.Background(), "commit", strategies)

	require.NoError(t, err)
	assert.Equal(t, "from-c", got)
	assert.Equal(t, "C", outcome.Succeeded)
	assert.Equal(t, []string{"A", "B", "C"}, outcome.Attempted)
	assert.Equal(t, map[string]string{"A": "a broke", "B": "b broke"}, outcome.Errors)
	assert.Equal(t, []string{"A", "B", "C"}, calls, "D must never run")
	assert.True(t, outcome.OK())
	assert.Equal(t, 2, outcome.Fallbacks())
}

func TestRun_AllFail(t *testing.T) {
	var calls []string
	errA := errors.New("a broke")
	errB := Unsupported("B")

	_, outcome, err := Run(context.Background(), "save", []Strategy[string]{
		failing("A", errA, &calls),
		failing("B", errB, &calls),
	})

	require.Error(t, err)
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "save", perr.Step)
	assert.Len(t, perr.Attempts, 2)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.False(t, perr.AllUnsupported())
	assert.False(t, outcome.OK())
	assert.Empty(t, outcome.Succeeded)
	assert.Len(t, outcome.Errors, 2)
	assert.Contains(t, err.Error(), "all 2 strategies failed")
}

func TestRun_EachStrategyOnce(t *testing.T) {
	counts := map[string]int{}
	mk := func(name string) Strategy[string] {
		return Strategy[string]{Name: name, Run: func(context.Context) (string, error) {
			counts[name]++
			return "", errors.New("nope")
		}}
	}

	_, _, err := Run(context.Background(), "begin", []Strategy[string]{mk("x"), mk("y")})

	require.Error(t, err)
	assert.Equal(t, map[string]int{"x": 1, "y": 1}, counts)
}

func TestRun_NoStrategies(t *testing.T) {
	_, outcome, err := Run[string](context.Background(), "begin", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no strategies available")
	assert.Empty(t, outcome.Attempted)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.AllUnsupported())
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	var calls []string
	strategies := []Strategy[string]{
		{Name: "boom", Run: func(context.Context) (string, error) { panic("kaboom") }},
		succeeding("fallback", "ok", &calls),
	}

	got, outcome, err := Run(context.Background(), "create", strategies)

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Contains(t, outcome.Errors["boom"], "kaboom")
}

func TestRun_NilRunIsUnsupported(t *testing.T) {
	_, outcome, err := Run(context.Background(), "set", []Strategy[string]{{Name: "missing"}})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Contains(t, outcome.Errors["missing"], "not supported")
}

func TestRun_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls []string
	_, outcome, err := Run(ctx, "commit", []Strategy[string]{
		succeeding("A", "a", &calls),
		succeeding("B", "b", &calls),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
	assert.Equal(t, []string{"A"}, outcome.Attempted)
}

func TestRun_Observer(t *testing.T) {
	type seen struct {
		strategy string
		failed   bool
	}
	var got []seen
	obs := func(step, strategy string, err error) {
		assert.Equal(t, "rollback", step)
		got = append(got, seen{strategy, err != nil})
	}

	var calls []string
	_, _, err := Run(context.Background(), "rollback", []Strategy[string]{
		failing("with-token", errors.New("bad token"), &calls),
		succeeding("bare", "", &calls),
	}, WithObserver(obs))

	require.NoError(t, err)
	assert.Equal(t, []seen{{"with-token", true}, {"bare", false}}, got)
}

func TestDoAndAction(t *testing.T) {
	ran := false
	outcome, err := Do(context.Background(), "close", []Strategy[struct{}]{
		Action("nil-fn", nil),
		Action("real", func() error { ran = true; return nil }),
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "real", outcome.Succeeded)
	assert.Contains(t, outcome.Errors, "nil-fn")
}

func TestOutcome_CloneAndString(t *testing.T) {
	o := Outcome{
		Step:      "save",
		Attempted: []string{"a", "b"},
		Succeeded: "b",
		Errors:    map[string]string{"a": "x"},
	}

	c := o.Clone()
	c.Attempted[0] = "changed"
	c.Errors["a"] = "changed"

	assert.Equal(t, "a", o.Attempted[0])
	assert.Equal(t, "x", o.Errors["a"])
	assert.Equal(t, "save: ok via b (1 fallback)", o.String())
	assert.Equal(t, "begin: failed", Outcome{Step: "begin"}.String())
}
