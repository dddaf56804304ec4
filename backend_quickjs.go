//go:build !v8

package runspace

import (
	"github.com/cryguy/runspace/internal/core"
	"github.com/cryguy/runspace/internal/quickjs"
)

// jsBackend is the JavaScript VM behind the javascript and typescript
// languages: QuickJS by default, V8 when built with -tags v8.
const jsBackend = "quickjs"

func newJSRuntime(memoryLimitMB int) (core.JSRuntime, error) {
	return quickjs.New(memoryLimitMB)
}
