//go:build nogpu

package native

import (
	"github.com/gogpu/semshare/backend"
	"github.com/gogpu/semshare/driver"
)

// init registers a failing factory so that backend.Select moves on to the
// next backend.
func init() {
	backend.Register(backend.BackendNative, func() (driver.Instance, error) {
		return nil, ErrUnavailable
	})
}
