package qr

import (
	"fmt"
)

// Decoder finds QR codes in an encoded image and returns their contents.
type Decoder interface {
	Decode(image []byte) ([]string, error)
}

// Sink decodes every completed image and classifies the codes found in it.
type Sink struct {
	Decoder    Decoder
	Classifier *Classifier
	// OnDetection, when set, is called for every code found
	OnDetection func(peer string, imageId uint32, d Detection)
}

func (s *Sink) OnBlobComplete(peer string, imageId uint32, blob []byte) error {
	codes, err := s.Decoder.Decode(blob)
	if err != nil {
		return fmt.Errorf("decode image %d from %s: %w", imageId, peer, err)
	}
	if len(codes) == 0 {
		log.Debugf("no qr code in image %d from %s", imageId, peer)
		return nil
	}

	for _, code := range codes {
		d := s.Classifier.Observe(code)
		switch {
		case d.AllyTarget:
			log.Warningf("ALLY_TARGET: %s %q in image %d from %s", d.Entity, code, imageId, peer)
		case d.Entity == Unknown:
			log.Infof("unknown qr code %q in image %d from %s", code, imageId, peer)
		default:
			log.Infof("%s detected: %q in image %d from %s", d.Entity, code, imageId, peer)
		}
		if s.OnDetection != nil {
			s.OnDetection(peer, imageId, d)
		}
	}
	return nil
}
