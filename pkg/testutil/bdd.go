package testutil

import "testing"

// Given runs fn as a subtest named after the precondition it sets up.
func Given(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("given "+desc, fn)
}

// Then runs fn as a subtest named after the outcome it asserts.
func Then(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("then "+desc, fn)
}
