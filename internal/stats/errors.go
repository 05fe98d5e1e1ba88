package stats

import "errors"

// ErrLifecycle indicates a lifecycle transition that is not the next forward step.
var ErrLifecycle = errors.New("stats: invalid lifecycle transition")
