package skylens

import (
	"github.com/skylens-analytics/skylens/options"
)

// NewGoSession creates a session backed by the pure Go onnx runtime. It needs
// no shared libraries and is the default for the dashboard and CLI.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
