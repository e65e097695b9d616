// Package testutils contains helpers shared by the package tests.
package testutils

import (
	"go.uber.org/goleak"
)

// VerifyTestMain verifies that no goroutines leak from the tests in a package.
func VerifyTestMain(m goleak.TestingM) {
	goleak.VerifyTestMain(m)
}
