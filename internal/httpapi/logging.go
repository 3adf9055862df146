package httpapi

import (
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, encode failures are
// dropped silently.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }
