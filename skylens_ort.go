//go:build ORT || ALL

package skylens

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/skylens-analytics/skylens/options"
	"github.com/skylens-analytics/skylens/util/fileutil"
)

// NewORTSession creates a session backed by the onnxruntime shared library.
// Only one ORT session can be active in a process at one time.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another session is currently active, and only one session can be active at one time")
	}

	session, err := newSession("ORT", opts...)
	if err != nil {
		return nil, err
	}

	if err = session.initialiseORT(); err != nil {
		destroyErr := session.Destroy()
		envErr := ort.DestroyEnvironment()
		return nil, errors.Join(err, destroyErr, envErr)
	}
	session.environmentDestroy = func() error {
		return ort.DestroyEnvironment()
	}
	return session, nil
}

func (s *Session) initialiseORT() error {
	o := s.options.ORTOptions

	// Set pre-initialisation options
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return err
		}
		if !ortPathExists {
			return fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}

	if o.Telemetry != nil && *o.Telemetry {
		return ort.EnableTelemetry()
	}
	return ort.DisableTelemetry()
}
