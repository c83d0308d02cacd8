// Package testutil holds shared test helpers. Most termdeck tests wait
// on asynchronous worker or hub state, so the eventual assertions get a
// single house timeout instead of per-call tuning.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertEventually polls condition with the house timeout (10s) and
// interval (10ms), failing the test without stopping it.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Eventually(t, condition, 10*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// RequireEventually is AssertEventually's fatal counterpart: the test
// stops at the first condition that never turns true.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, 10*time.Second, 10*time.Millisecond, msgAndArgs...)
}
