package activity_test

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/activity"
	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/util/testutil"
)

func TestAggregate_MostUrgentWins(t *testing.T) {
	assert.Equal(t, activity.Asking,
		activity.Aggregate(activity.Active, activity.Asking, activity.Idle))
	assert.Equal(t, activity.Idle,
		activity.Aggregate(activity.Active, activity.Idle))
	assert.Equal(t, activity.Active,
		activity.Aggregate(activity.Unknown, activity.Active))
	assert.Equal(t, activity.Unknown, activity.Aggregate())
}

func TestState_Valid(t *testing.T) {
	assert.True(t, activity.Asking.Valid())
	assert.False(t, activity.State("busy").Valid())
}

// fastLimits returns limits with tight windows so detector tests run in
// milliseconds instead of the production defaults.
func fastLimits(t *testing.T) *config.Limits {
	t.Helper()
	l := config.DefaultLimits()
	l.SetActivityDebounce(time.Millisecond)
	l.SetActiveWindow(30 * time.Millisecond)
	return l
}

type stateRecorder struct {
	mu     sync.Mutex
	states []activity.State
}

func (r *stateRecorder) record(s activity.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []activity.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]activity.State(nil), r.states...)
}

func (r *stateRecorder) last() activity.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return activity.Unknown
	}
	return r.states[len(r.states)-1]
}

func TestDetector_ActiveThenIdle(t *testing.T) {
	rec := &stateRecorder{}
	d := activity.NewDetector(fastLimits(t), nil, rec.record)

	d.Feed([]byte("building...\n"))

	testutil.RequireEventually(t, func() bool { return rec.last() == activity.Active },
		"output should promote to active")
	testutil.RequireEventually(t, func() bool { return rec.last() == activity.Idle },
		"silence should decay to idle")
}

func TestDetector_AskingPatternWins(t *testing.T) {
	rec := &stateRecorder{}
	patterns := []*regexp.Regexp{regexp.MustCompile(`Do you want to proceed\?`)}
	d := activity.NewDetector(fastLimits(t), patterns, rec.record)

	d.Feed([]byte("running tool...\n"))
	testutil.RequireEventually(t, func() bool { return rec.last() == activity.Active })

	d.Feed([]byte("Do you want to proceed? (y/n)"))
	testutil.RequireEventually(t, func() bool { return rec.last() == activity.Asking })
}

func TestDetector_AskingPatternSplitAcrossChunks(t *testing.T) {
	rec := &stateRecorder{}
	patterns := []*regexp.Regexp{regexp.MustCompile(`continue\?`)}
	d := activity.NewDetector(fastLimits(t), patterns, rec.record)

	d.Feed([]byte("Shall I cont"))
	d.Feed([]byte("inue?"))

	testutil.RequireEventually(t, func() bool { return rec.last() == activity.Asking })
}

func TestDetector_ControlSequencesInvisibleToPatterns(t *testing.T) {
	rec := &stateRecorder{}
	// The pattern must not match text that only appears inside an OSC
	// title sequence.
	patterns := []*regexp.Regexp{regexp.MustCompile(`proceed\?`)}
	d := activity.NewDetector(fastLimits(t), patterns, rec.record)

	d.Feed([]byte("\x1b]0;proceed?\x07plain output"))

	testutil.RequireEventually(t, func() bool { return rec.last() == activity.Active })
	testutil.RequireEventually(t, func() bool { return rec.last() == activity.Idle })
	for _, s := range rec.snapshot() {
		require.NotEqual(t, activity.Asking, s)
	}
}

func TestDetector_EdgeTriggered(t *testing.T) {
	rec := &stateRecorder{}
	d := activity.NewDetector(fastLimits(t), nil, rec.record)

	for i := 0; i < 5; i++ {
		d.Feed([]byte("chunk\n"))
		time.Sleep(3 * time.Millisecond)
	}

	testutil.RequireEventually(t, func() bool { return rec.last() == activity.Idle })

	states := rec.snapshot()
	for i := 1; i < len(states); i++ {
		assert.NotEqual(t, states[i-1], states[i], "consecutive emissions must differ")
	}
}

func TestDetector_NeverActiveStaysUnknown(t *testing.T) {
	rec := &stateRecorder{}
	d := activity.NewDetector(fastLimits(t), nil, rec.record)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, activity.Unknown, d.State())
	assert.Empty(t, rec.snapshot())
}

func TestDetector_SuspendStopsEvaluation(t *testing.T) {
	rec := &stateRecorder{}
	d := activity.NewDetector(fastLimits(t), nil, rec.record)

	d.Feed([]byte("output\n"))
	testutil.RequireEventually(t, func() bool { return rec.last() == activity.Active })

	d.Suspend()
	d.Feed([]byte("late output\n"))
	time.Sleep(50 * time.Millisecond)

	// No decay to idle after suspension; the last state stands.
	assert.Equal(t, activity.Active, d.State())
}

func TestDetector_ResetReturnsToUnknown(t *testing.T) {
	rec := &stateRecorder{}
	d := activity.NewDetector(fastLimits(t), nil, rec.record)

	d.Feed([]byte("output\n"))
	testutil.RequireEventually(t, func() bool { return rec.last() == activity.Active })

	d.Reset()
	assert.Equal(t, activity.Unknown, d.State())
	assert.Equal(t, activity.Unknown, rec.last())
}

func TestStripper_CarriageReturnCountsAsNewLine(t *testing.T) {
	rec := &stateRecorder{}
	patterns := []*regexp.Regexp{regexp.MustCompile(`(?m)^> $`)}
	d := activity.NewDetector(fastLimits(t), patterns, rec.record)

	// A prompt redrawn with \r should still be visible at line start.
	d.Feed([]byte("spinner...\r> "))

	testutil.RequireEventually(t, func() bool { return rec.last() == activity.Asking })
}
