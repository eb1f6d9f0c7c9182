// Package e2e holds the live scenarios run against a real node. They are
// built with the e2e tag and skipped unless WEBSOCKET is set:
//
//	go test -tags e2e ./internal/e2e/...
package e2e
