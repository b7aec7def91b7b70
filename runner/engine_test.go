package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_SerialSuite(t *testing.T) {
	root := suiteNode("suite", types.ScopeNotParallel,
		testNode("A", passing),
		testNode("B", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
			return types.Outcome{}, types.Fail("expected 1, got 2")
		}),
	)

	report := execute(t, root, Options{})
	result := report.Result()

	assert.Equal(t, types.TestStatusFail, result.Status)
	assert.Equal(t, 1, result.Counts.Passed)
	assert.Equal(t, 1, result.Counts.Failed)
	assert.Equal(t, 2, result.Counts.Total)
	assert.Equal(t, "1 of 2 tests failed", result.Message)
	assert.Equal(t, types.TestStatusPass, result.Find("A").Status)
	assert.Equal(t, "expected 1, got 2", result.Find("B").Message)
	assert.Equal(t, types.TestStatusFail, report.Status)
}

func TestExecute_AllSkippedParallelChildren(t *testing.T) {
	skip := func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		return types.Outcome{}, types.Skip("not on this platform")
	}
	root := suiteNode("suite", types.ScopeParallelChildren,
		testNode("T1", skip),
		testNode("T2", skip),
	)

	result := execute(t, root, Options{}).Result()
	assert.Equal(t, types.TestStatusSkip, result.Status)
	assert.Equal(t, 2, result.Counts.Skipped)
	assert.Equal(t, "not on this platform", result.Find("T1").Message)
}

func TestExecute_IgnoredTestIsNeverInvoked(t *testing.T) {
	var calls atomic.Int32
	x := testNode("X", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		calls.Add(1)
		return types.Outcome{}, nil
	})
	x.State = types.RunStateIgnored
	x.Reason = "flaky"

	listener := newEventListener()
	result := execute(t, suiteNode("suite", types.ScopeDefault, x), Options{Listener: listener}).Result()

	assert.Zero(t, calls.Load())
	assert.Equal(t, types.TestStatusSkip, result.Status)
	assert.Equal(t, types.TestStatusSkip, result.Find("X").Status)
	assert.Equal(t, "flaky", result.Find("X").Message)
	assert.False(t, result.Find("X").Started())

	assert.NotContains(t, listener.started, "X")
	assert.Contains(t, listener.finished, "X")
}

func TestExecute_LeafTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	y := testNode("Y", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		<-release // ignores cancellation
		return types.Outcome{}, nil
	})
	y.Policy.Timeout = 50 * time.Millisecond

	root := suiteNode("suite", types.ScopeNotParallel, testNode("before", passing), y)

	start := time.Now()
	result := execute(t, root, Options{GracePeriod: 10 * time.Millisecond}).Result()
	assert.Less(t, time.Since(start), time.Second)

	leaf := result.Find("Y")
	assert.Equal(t, types.TestStatusCancelled, leaf.Status)
	assert.Equal(t, types.CancelTimeout, leaf.Cancel)
	assert.True(t, types.IsTimeout(leaf.Error))
	assert.Contains(t, leaf.Message, "Y exceeded timeout of 50ms")
	assert.GreaterOrEqual(t, leaf.Duration, 50*time.Millisecond)

	assert.Equal(t, types.TestStatusCancelled, result.Status)
	assert.Equal(t, 1, result.Counts.Passed)
	assert.Equal(t, 1, result.Counts.Cancelled)
}

func TestExecute_CooperativeLeafIsCancelledNotAbandoned(t *testing.T) {
	y := testNode("Y", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		<-ctx.Done()
		return types.Outcome{}, ctx.Err()
	})
	y.Policy.Timeout = 20 * time.Millisecond

	// A long grace period must not delay a leaf that unwinds on its own
	start := time.Now()
	result := execute(t, suiteNode("suite", types.ScopeDefault, y), Options{GracePeriod: time.Minute}).Result()
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, types.TestStatusCancelled, result.Find("Y").Status)
	assert.Equal(t, types.CancelTimeout, result.Find("Y").Cancel)
}

func TestExecute_GlobalTimeoutBeforeAnyLeafStarts(t *testing.T) {
	var calls atomic.Int32
	count := func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		calls.Add(1)
		return types.Outcome{}, nil
	}

	root := suiteNode("root", types.ScopeParallelChildren,
		suiteNode("a", types.ScopeDefault, testNode("a1", count), testNode("a2", count)),
		testNode("b", count),
	)
	// The root setup outlives the run timeout, so no leaf gets to start
	root.Setup = types.InvokerFunc(func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		<-ctx.Done()
		return types.Outcome{}, nil
	})

	report := execute(t, root, Options{Timeout: 20 * time.Millisecond})
	result := report.Result()

	assert.Zero(t, calls.Load())
	for _, leaf := range result.Leaves() {
		assert.Equal(t, types.TestStatusCancelled, leaf.Status, leaf.NodeID)
		assert.Equal(t, types.CancelTimeout, leaf.Cancel, leaf.NodeID)
		assert.False(t, leaf.Started(), leaf.NodeID)
	}
	assert.Equal(t, 3, result.Counts.Cancelled)
	assert.Equal(t, types.TestStatusCancelled, result.Status)
}

func TestExecute_CancelledContextNeverInvokes(t *testing.T) {
	var calls atomic.Int32
	count := func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		calls.Add(1)
		return types.Outcome{}, nil
	}
	root := suiteNode("root", types.ScopeDefault, testNode("a", count), testNode("b", count))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := Execute(ctx, root, Options{Log: testLogger()})
	require.NoError(t, err)

	assert.Zero(t, calls.Load())
	assert.Equal(t, types.TestStatusCancelled, report.Result().Status)
	assert.Equal(t, types.CancelAborted, report.Result().Find("a").Cancel)
}

func TestExecute_SerialTreesRunInPreOrder(t *testing.T) {
	build := func(rec *recorder) *types.Node {
		leaf := func(id string) *types.Node { return testNode(id, rec.leaf(0)) }
		return suiteNode("root", types.ScopeNotParallel,
			suiteNode("s1", types.ScopeNotParallel, leaf("t1"), leaf("t2"),
				suiteNode("s1a", types.ScopeNotParallel, leaf("t3"))),
			leaf("t4"),
			suiteNode("s2", types.ScopeNotParallel, leaf("t5"), leaf("t6")),
		)
	}
	want := []string{"t1", "t2", "t3", "t4", "t5", "t6"}

	for i := 0; i < 5; i++ {
		rec := newRecorder()
		execute(t, build(rec), Options{MaxConcurrency: 4})
		require.Equal(t, want, rec.invoked(), "run %d", i)
	}
}

func TestExecute_ParallelSiblingsAdmittedInPreOrder(t *testing.T) {
	build := func(rec *recorder) *types.Node {
		leaves := make([]*types.Node, 8)
		for i := range leaves {
			leaves[i] = testNode(fmt.Sprintf("t%d", i), rec.leaf(0))
		}
		return suiteNode("root", types.ScopeParallelChildren, leaves...)
	}
	want := []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7"}

	for i := 0; i < 50; i++ {
		rec := newRecorder()
		execute(t, build(rec), Options{MaxConcurrency: 1})
		require.Equal(t, want, rec.invoked(), "run %d", i)
	}
}

func TestExecute_RepeatedRunsAreIdempotent(t *testing.T) {
	root := suiteNode("root", types.ScopeParallelChildren,
		testNode("pass", passing),
		testNode("fail", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
			return types.Outcome{}, errors.New("boom")
		}),
		suiteNode("nested", types.ScopeDefault,
			testNode("warn", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
				return types.Outcome{Status: types.TestStatusWarning, Message: "slow"}, nil
			}),
		),
	)
	tree, err := types.NewTree(root)
	require.NoError(t, err)

	shape := func(r *types.Result) []string {
		var out []string
		r.Walk(func(res *types.Result) bool {
			out = append(out, fmt.Sprintf("%s=%s", res.NodeID, res.Status))
			return true
		})
		return out
	}

	first, err := ExecuteTree(context.Background(), tree, Options{Log: testLogger()})
	require.NoError(t, err)
	second, err := ExecuteTree(context.Background(), tree, Options{Log: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, shape(first.Result()), shape(second.Result()))
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestExecute_ConcurrencyBound(t *testing.T) {
	rec := newRecorder()
	var children []*types.Node
	for i := 0; i < 12; i++ {
		children = append(children, testNode(fmt.Sprintf("t%d", i), rec.leaf(10*time.Millisecond)))
	}
	root := suiteNode("root", types.ScopeParallelChildren,
		suiteNode("left", types.ScopeParallelChildren, children[:6]...),
		suiteNode("right", types.ScopeParallelChildren, children[6:]...),
	)

	result := execute(t, root, Options{MaxConcurrency: 3}).Result()
	assert.Equal(t, types.TestStatusPass, result.Status)
	assert.Equal(t, int32(12), rec.total.Load())
	assert.LessOrEqual(t, rec.peakOf("all"), 3)
	assert.GreaterOrEqual(t, rec.peakOf("all"), 2)
}

func TestExecute_AffinityIsMutuallyExclusive(t *testing.T) {
	rec := newRecorder()
	withAffinity := func(id, affinity string) *types.Node {
		node := testNode(id, rec.leaf(5*time.Millisecond, affinity))
		node.Policy.Affinity = affinity
		return node
	}

	// Unrelated subtrees requiring the same affinity still serialize
	root := suiteNode("root", types.ScopeParallelChildren,
		suiteNode("a", types.ScopeParallelChildren, withAffinity("a1", "ui"), withAffinity("a2", "ui"), withAffinity("a3", "db")),
		suiteNode("b", types.ScopeParallelChildren, withAffinity("b1", "ui"), withAffinity("b2", "db"), testNode("b3", rec.leaf(5*time.Millisecond))),
	)

	result := execute(t, root, Options{MaxConcurrency: 8}).Result()
	assert.Equal(t, types.TestStatusPass, result.Status)
	assert.Equal(t, 1, rec.peakOf("ui"))
	assert.Equal(t, 1, rec.peakOf("db"))
}

func TestExecute_InheritedAffinitySerializesChildren(t *testing.T) {
	rec := newRecorder()
	suite := suiteNode("db-suite", types.ScopeParallelChildren,
		testNode("q1", rec.leaf(5*time.Millisecond, "db")),
		testNode("q2", rec.leaf(5*time.Millisecond, "db")),
		testNode("q3", rec.leaf(5*time.Millisecond, "db")),
	)
	suite.Policy.Affinity = "db"

	result := execute(t, suiteNode("root", types.ScopeDefault, suite), Options{MaxConcurrency: 4}).Result()
	assert.Equal(t, types.TestStatusPass, result.Status)
	assert.Equal(t, 1, rec.peakOf("db"))
}

func TestExecute_ParallelSelfSiblingsOverlap(t *testing.T) {
	b := &barrier{n: 2}
	first := testNode("first", b.leaf)
	first.Policy.Scope = types.ScopeParallelSelf
	second := testNode("second", b.leaf)
	second.Policy.Scope = types.ScopeParallelSelf

	result := execute(t, suiteNode("root", types.ScopeDefault, first, second), Options{MaxConcurrency: 4}).Result()
	assert.Equal(t, types.TestStatusPass, result.Status, result.Find("first").Message)
}

func TestExecute_ExplicitNotParallelParentSerializes(t *testing.T) {
	rec := newRecorder()
	var children []*types.Node
	for i := 0; i < 4; i++ {
		child := testNode(fmt.Sprintf("t%d", i), rec.leaf(5*time.Millisecond))
		child.Policy.Scope = types.ScopeParallelSelf
		children = append(children, child)
	}

	execute(t, suiteNode("root", types.ScopeNotParallel, children...), Options{MaxConcurrency: 4})
	assert.Equal(t, 1, rec.peakOf("all"))
	assert.Equal(t, []string{"t0", "t1", "t2", "t3"}, rec.invoked())
}

func TestExecute_NotParallelChildDrainsSiblings(t *testing.T) {
	rec := newRecorder()
	serial := testNode("serial", rec.leaf(5*time.Millisecond, "serial"))
	serial.Policy.Scope = types.ScopeNotParallel

	root := suiteNode("root", types.ScopeParallelChildren,
		testNode("p1", rec.leaf(20*time.Millisecond)),
		testNode("p2", rec.leaf(20*time.Millisecond)),
		serial,
		testNode("p3", rec.leaf(5*time.Millisecond)),
	)

	execute(t, root, Options{MaxConcurrency: 4})
	order := rec.invoked()
	require.Len(t, order, 4)
	assert.ElementsMatch(t, []string{"p1", "p2"}, order[:2])
	assert.Equal(t, "serial", order[2])
	assert.Equal(t, "p3", order[3])
	assert.Equal(t, 2, rec.peakOf("all"))
}

func TestExecute_FaultsAreCapturedPerLeaf(t *testing.T) {
	root := suiteNode("root", types.ScopeParallelChildren,
		testNode("panics", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
			panic("nil map write")
		}),
		testNode("errors", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
			return types.Outcome{}, errors.New("connection refused")
		}),
		testNode("inconclusive", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
			return types.Outcome{}, types.Inconclusive("no data")
		}),
		testNode("bogus", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
			return types.Outcome{Status: "maybe"}, nil
		}),
		testNode("fine", passing),
	)

	result := execute(t, root, Options{}).Result()

	panicked := result.Find("panics")
	assert.Equal(t, types.TestStatusError, panicked.Status)
	var fault *types.ExecutionFault
	require.ErrorAs(t, panicked.Error, &fault)
	assert.True(t, fault.IsPanic())
	assert.Equal(t, "nil map write", fault.Value)
	assert.NotEmpty(t, fault.Stack)

	errored := result.Find("errors")
	assert.Equal(t, types.TestStatusError, errored.Status)
	assert.Equal(t, "connection refused", errored.Message)
	require.ErrorAs(t, errored.Error, &fault)
	assert.False(t, fault.IsPanic())

	assert.Equal(t, types.TestStatusInconclusive, result.Find("inconclusive").Status)
	assert.Equal(t, types.TestStatusError, result.Find("bogus").Status)
	assert.Equal(t, types.TestStatusPass, result.Find("fine").Status)

	assert.Equal(t, types.TestStatusFail, result.Status)
	assert.Equal(t, "3 of 5 tests failed", result.Message)
}

func TestExecute_FailFast(t *testing.T) {
	rec := newRecorder()
	root := suiteNode("root", types.ScopeNotParallel,
		testNode("ok", rec.leaf(0)),
		testNode("broken", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
			return types.Outcome{}, types.Fail("broken")
		}),
		testNode("later", rec.leaf(0)),
		suiteNode("after", types.ScopeDefault, testNode("after1", rec.leaf(0))),
	)

	report := execute(t, root, Options{FailFast: true, Repeat: 3})
	require.Len(t, report.Iterations, 1, "repeats stop after a failing iteration")
	result := report.Result()

	assert.Equal(t, []string{"ok"}, rec.invoked())
	assert.Equal(t, types.TestStatusFail, result.Status)
	assert.Equal(t, types.CancelFailFast, result.Find("later").Cancel)
	assert.Equal(t, types.TestStatusCancelled, result.Find("after1").Status)
	assert.Equal(t, types.CancelFailFast, result.Find("after1").Cancel)
}

func TestExecute_SetupFailureCancelsChildren(t *testing.T) {
	rec := newRecorder()
	var tornDown atomic.Bool

	suite := suiteNode("db", types.ScopeParallelChildren, testNode("q1", rec.leaf(0)), testNode("q2", rec.leaf(0)))
	suite.Setup = types.InvokerFunc(func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		return types.Outcome{}, errors.New("database unreachable")
	})
	suite.Teardown = types.InvokerFunc(func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		tornDown.Store(true)
		return types.Outcome{}, nil
	})

	root := suiteNode("root", types.ScopeDefault, suite, testNode("other", rec.leaf(0)))
	result := execute(t, root, Options{}).Result()

	assert.Equal(t, []string{"other"}, rec.invoked())
	assert.True(t, tornDown.Load())
	for _, id := range []string{"q1", "q2"} {
		leaf := result.Find(id)
		assert.Equal(t, types.TestStatusFail, leaf.Status)
		assert.Equal(t, types.CancelFault, leaf.Cancel)
		assert.Contains(t, leaf.Message, "database unreachable")
	}
	assert.Equal(t, types.TestStatusFail, result.Find("db").Status)
	assert.Contains(t, result.Find("db").Message, "setup failed: database unreachable")
	assert.Equal(t, types.TestStatusPass, result.Find("other").Status)
}

func TestExecute_TeardownFailureIsNoted(t *testing.T) {
	suite := suiteNode("s", types.ScopeDefault, testNode("t", passing))
	suite.Teardown = types.InvokerFunc(func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		return types.Outcome{}, errors.New("cleanup failed")
	})

	result := execute(t, suite, Options{}).Result()
	assert.Equal(t, types.TestStatusPass, result.Status)
	assert.Contains(t, result.Message, "teardown failed: cleanup failed")
}

func TestExecute_SetupSkipSkipsChildren(t *testing.T) {
	var calls atomic.Int32
	suite := suiteNode("s", types.ScopeDefault, testNode("t", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		calls.Add(1)
		return types.Outcome{}, nil
	}))
	suite.Setup = types.InvokerFunc(func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		return types.Outcome{}, types.Skip("no GPU")
	})

	result := execute(t, suite, Options{}).Result()
	assert.Zero(t, calls.Load())
	assert.Equal(t, types.TestStatusSkip, result.Status)
	assert.Equal(t, "no GPU", result.Find("t").Message)
}

func TestExecute_SynthesizedStates(t *testing.T) {
	notRunnable := testNode("broken", nil)
	notRunnable.State = types.RunStateNotRunnable
	notRunnable.Reason = "no parameterless constructor"

	skippedSuite := suiteNode("skipped", types.ScopeDefault, testNode("s1", passing), testNode("s2", passing))
	skippedSuite.State = types.RunStateSkipped
	skippedSuite.Reason = "manual"

	empty := suiteNode("empty", types.ScopeDefault)

	root := suiteNode("root", types.ScopeDefault, notRunnable, skippedSuite, empty)
	result := execute(t, root, Options{}).Result()

	assert.Equal(t, types.TestStatusError, result.Find("broken").Status)
	assert.Equal(t, "no parameterless constructor", result.Find("broken").Message)
	assert.Equal(t, types.TestStatusSkip, result.Find("skipped").Status)
	assert.Equal(t, "manual", result.Find("s2").Message)
	assert.Equal(t, types.TestStatusInconclusive, result.Find("empty").Status)
	assert.Equal(t, types.TestStatusFail, result.Status)
	assert.Len(t, result.Leaves(), 3)
}

func TestExecute_FilterAndExplicit(t *testing.T) {
	build := func(rec *recorder) *types.Node {
		explicit := testNode("slow", rec.leaf(0))
		explicit.State = types.RunStateExplicit
		return suiteNode("root", types.ScopeDefault,
			suiteNode("unit", types.ScopeDefault, testNode("u1", rec.leaf(0)), testNode("u2", rec.leaf(0))),
			suiteNode("e2e", types.ScopeDefault, testNode("e1", rec.leaf(0)), explicit),
		)
	}

	t.Run("explicit nodes do not run by default", func(t *testing.T) {
		rec := newRecorder()
		root := build(rec)
		result := execute(t, root, Options{}).Result()
		assert.Equal(t, []string{"u1", "u2", "e1"}, rec.invoked())
		assert.Equal(t, types.TestStatusSkip, result.Find("slow").Status)
		assert.Equal(t, "explicit", result.Find("slow").Message)
	})

	t.Run("filter selects subtrees", func(t *testing.T) {
		rec := newRecorder()
		root := build(rec)
		result := execute(t, root, Options{Filter: func(n *types.Node) bool { return n.ID == "unit" }}).Result()
		assert.Equal(t, []string{"u1", "u2"}, rec.invoked())
		assert.Equal(t, "filtered out", result.Find("e1").Message)
		assert.Equal(t, types.TestStatusSkip, result.Find("e2e").Status)
		assert.Equal(t, types.TestStatusPass, result.Status)
	})

	t.Run("explicit nodes run when targeted", func(t *testing.T) {
		rec := newRecorder()
		root := build(rec)
		result := execute(t, root, Options{Filter: func(n *types.Node) bool { return n.ID == "slow" }}).Result()
		assert.Equal(t, []string{"slow"}, rec.invoked())
		assert.Equal(t, types.TestStatusPass, result.Find("slow").Status)
	})

	t.Run("explicit nodes are not run through an ancestor match", func(t *testing.T) {
		rec := newRecorder()
		root := build(rec)
		execute(t, root, Options{Filter: func(n *types.Node) bool { return n.ID == "e2e" }})
		assert.Equal(t, []string{"e1"}, rec.invoked())
	})
}

func TestExecute_SettingsAndSeeds(t *testing.T) {
	type observed struct {
		env  string
		seed int64
	}
	var seen = make(chan observed, 8)
	observe := func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		env, _ := tc.Setting("env")
		seen <- observed{env: env, seed: tc.Seed()}
		_, _ = fmt.Fprintf(tc.Output(), "running in %s\n", env)
		return types.Outcome{}, nil
	}

	prod := suiteNode("prod", types.ScopeDefault, testNode("p1", observe))
	prod.Settings = map[string]string{"env": "prod"}
	root := suiteNode("root", types.ScopeNotParallel, prod, testNode("d1", observe))

	listener := newEventListener()
	result := execute(t, root, Options{Seed: 42, Settings: map[string]string{"env": "dev"}, Listener: listener}).Result()
	first := []observed{<-seen, <-seen}

	assert.Equal(t, "prod", first[0].env)
	assert.Equal(t, "dev", first[1].env, "overrides never leak into siblings")
	assert.NotEqual(t, first[0].seed, first[1].seed)
	assert.Equal(t, "running in dev\n", result.Find("d1").Output)
	assert.Equal(t, "running in prod\n", listener.output["p1"])

	execute(t, root, Options{Seed: 42, Settings: map[string]string{"env": "dev"}})
	second := []observed{<-seen, <-seen}
	assert.Equal(t, first, second, "seeds are stable for a fixed run seed")
}

func TestExecute_Listener(t *testing.T) {
	listener := newEventListener()
	root := suiteNode("root", types.ScopeDefault, suiteNode("s", types.ScopeDefault, testNode("t", passing)))
	execute(t, root, Options{Listener: listener})

	assert.Equal(t, []string{"root", "s", "t"}, listener.started)
	assert.Len(t, listener.finished, 3)
	assert.Equal(t, types.TestStatusPass, listener.finished["root"].Status)
}

func TestExecute_RepeatReportsFlakyTests(t *testing.T) {
	var runs atomic.Int32
	flaky := testNode("flaky", func(ctx context.Context, tc types.TestContext) (types.Outcome, error) {
		if runs.Add(1)%2 == 0 {
			return types.Outcome{}, types.Fail("race")
		}
		return types.Outcome{}, nil
	})
	root := suiteNode("root", types.ScopeDefault, flaky, testNode("stable", passing))

	report := execute(t, root, Options{Repeat: 4})
	require.Len(t, report.Iterations, 4)
	assert.Equal(t, types.TestStatusFail, report.Status)

	stability := report.Stability()
	require.Len(t, stability, 2)
	assert.Equal(t, "flaky", stability[0].NodeID)
	assert.Equal(t, 4, stability[0].Runs)
	assert.Equal(t, 2, stability[0].Passes)
	assert.InDelta(t, 50.0, stability[0].PassRate, 0.001)

	flakyTests := report.Flaky()
	require.Len(t, flakyTests, 1)
	assert.Equal(t, "flaky", flakyTests[0].NodeID)
}

func TestExecute_Errors(t *testing.T) {
	t.Run("build defect", func(t *testing.T) {
		root := suiteNode("root", types.ScopeDefault, testNode("x", passing), testNode("x", passing))
		report, err := Execute(context.Background(), root, Options{Log: testLogger()})
		require.Error(t, err)
		assert.Nil(t, report)
		assert.True(t, types.IsBuildDefect(err))
	})

	t.Run("negative concurrency", func(t *testing.T) {
		report, err := Execute(context.Background(), testNode("x", passing), Options{MaxConcurrency: -1, Log: testLogger()})
		require.Error(t, err)
		assert.Nil(t, report)
		assert.True(t, IsInfrastructureError(err))
	})
}

func TestExecute_SingleLeafRoot(t *testing.T) {
	report := execute(t, testNode("only", passing), Options{})
	assert.Equal(t, types.TestStatusPass, report.Status)
	assert.Equal(t, 1, report.Result().Counts.Total)
	assert.NotEmpty(t, report.RunID)
}
