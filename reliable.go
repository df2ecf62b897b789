package frag

import (
	"context"
	"fmt"
	"time"
)

// ReceivePacket feeds a datagram from the receiver side (an ACK or transfer complete
// message) to a Sender waiting in SendBlobReliable. Safe to call from a reader goroutine.
func (s *Sender) ReceivePacket(packetData []byte) error {
	c, err := ReadControl(packetData)
	if err != nil {
		log.Debugf("[%s] ignoring invalid control message: %v", s.Config.Name, err)
		return err
	}
	s.count(CounterNumControlsReceived)
	select {
	case s.acks <- c:
	default:
		log.Warningf("[%s] dropping %v for image %d, nobody is waiting", s.Config.Name, c.Kind, c.ImageId)
	}
	return nil
}

// SendBlobReliable sends blob one fragment at a time, waiting for each fragment's ACK before
// moving on. A fragment is sent up to Config.MaxRetries times, waiting Config.AckTimeout after each
// attempt; if no ACK arrives the transfer fails with ErrTransferFailed. Control messages must be
// delivered through ReceivePacket.
func (s *Sender) SendBlobReliable(ctx context.Context, blob []byte) (uint32, error) {
	if err := s.checkSize(blob); err != nil {
		return 0, err
	}
	s.drainAcks()

	imageId := s.NextImageId()
	totalFrags := NumFragments(len(blob), s.Config.FragmentSize)
	log.Debugf("[%s] sending image %d (%d bytes) as %d acknowledged fragments", s.Config.Name, imageId, len(blob), totalFrags)

	completed := false
	for seq := uint32(0); seq < totalFrags; seq++ {
		acked := false
		for attempt := 1; attempt <= s.Config.MaxRetries && !acked; attempt++ {
			if attempt > 1 {
				s.count(CounterNumFragmentsRetransmitted)
				log.Debugf("[%s] no ack for fragment %d of image %d, attempt %d/%d", s.Config.Name, seq, imageId, attempt, s.Config.MaxRetries)
			}
			if err := s.transmit(imageId, seq, totalFrags, blob); err != nil {
				log.Errorf("[%s] failed to send fragment %d of image %d: %v", s.Config.Name, seq, imageId, err)
			}
			var err error
			acked, completed, err = s.waitAck(ctx, imageId, seq, seq == totalFrags-1)
			if err != nil {
				return imageId, err
			}
		}
		if !acked {
			s.count(CounterNumTransfersFailed)
			log.Errorf("[%s] giving up on image %d, fragment %d not acknowledged after %d attempts", s.Config.Name, imageId, seq, s.Config.MaxRetries)
			return imageId, fmt.Errorf("%w: image %d fragment %d not acknowledged after %d attempts", ErrTransferFailed, imageId, seq, s.Config.MaxRetries)
		}
	}

	if !completed {
		completed, _ = s.waitComplete(ctx, imageId)
	}
	if !completed {
		// every fragment was acknowledged so the receiver has the image regardless
		log.Warningf("[%s] no transfer complete message for image %d", s.Config.Name, imageId)
	}

	s.count(CounterNumBlobsSent)
	log.Infof("[%s] sent image %d (%d bytes) reliably", s.Config.Name, imageId, len(blob))
	return imageId, nil
}

// waitAck waits up to AckTimeout for the ACK of seq. The receiver may answer the final fragment
// with the transfer complete message alone, which counts as its ACK.
func (s *Sender) waitAck(ctx context.Context, imageId, seq uint32, last bool) (acked, completed bool, err error) {
	timer := time.NewTimer(s.Config.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, false, ctx.Err()
		case <-timer.C:
			return false, completed, nil
		case c := <-s.acks:
			if c.ImageId != imageId {
				continue
			}
			switch c.Kind {
			case ControlAck:
				if c.Value == seq {
					return true, completed, nil
				}
			case ControlComplete:
				completed = true
				if last {
					return true, true, nil
				}
			}
		}
	}
}

func (s *Sender) waitComplete(ctx context.Context, imageId uint32) (bool, error) {
	timer := time.NewTimer(s.Config.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case c := <-s.acks:
			if c.ImageId == imageId && c.Kind == ControlComplete {
				return true, nil
			}
		}
	}
}

func (s *Sender) drainAcks() {
	for {
		select {
		case <-s.acks:
		default:
			return
		}
	}
}
