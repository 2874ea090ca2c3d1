//go:build !ORT && !ALL

package skylens

import (
	"errors"

	"github.com/skylens-analytics/skylens/options"
)

func NewORTSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL`")
}
