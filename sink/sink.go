// Package sink holds the destinations completed blobs are handed to.
package sink

import (
	"errors"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("sink")

// Sink consumes a completed blob. It owns blob once called.
type Sink interface {
	OnBlobComplete(peer string, imageId uint32, blob []byte) error
}

type Func func(peer string, imageId uint32, blob []byte) error

func (f Func) OnBlobComplete(peer string, imageId uint32, blob []byte) error {
	return f(peer, imageId, blob)
}

// Multi hands every blob to each sink in turn. A failing sink does not stop the others.
type Multi []Sink

func (m Multi) OnBlobComplete(peer string, imageId uint32, blob []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.OnBlobComplete(peer, imageId, blob); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
