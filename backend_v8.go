//go:build v8

package runspace

import (
	"github.com/cryguy/runspace/internal/core"
	"github.com/cryguy/runspace/internal/v8engine"
)

const jsBackend = "v8"

func newJSRuntime(memoryLimitMB int) (core.JSRuntime, error) {
	return v8engine.New(memoryLimitMB)
}
