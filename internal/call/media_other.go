//go:build !linux

package call

import (
	"fmt"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/storage"
)

// openLocalMedia has no capture drivers wired on this platform.
func openLocalMedia(callID string, ctype storage.CallType, cfg config.Call) (*localMedia, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrMediaAccessDenied)
}
