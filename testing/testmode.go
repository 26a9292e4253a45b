// Package testing puts costing binaries into test mode. Test packages import
// it for side effects so that LoadConfig reports TestMode and logs stay
// machine readable.
package testing

import "os"

func init() {
	if os.Getenv("COSTING_TEST_MODE") == "" {
		_ = os.Setenv("COSTING_TEST_MODE", "true")
	}
	if os.Getenv("LOG_FORMAT") == "" {
		_ = os.Setenv("LOG_FORMAT", "json")
	}
}
