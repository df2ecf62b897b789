package frag

import (
	"fmt"
	"sync/atomic"
	"time"
)

type Sender struct {
	Config   *Config
	Counters [CounterMax]uint64

	imageId uint32
	acks    chan Control
	packet  []byte
}

func NewSender(config *Config) *Sender {
	return &Sender{
		Config: config,
		// seeded from the clock so a restarted sender does not reuse ids a receiver still remembers
		imageId: uint32(time.Now().UnixNano() / int64(time.Millisecond)),
		acks:    make(chan Control, 64),
		packet:  make([]byte, config.MaxDatagramSize()),
	}
}

// NextImageId reserves a new image id. Ids increase monotonically and wrap at 2^32.
func (s *Sender) NextImageId() uint32 {
	return atomic.AddUint32(&s.imageId, 1)
}

// SetImageId makes the next transfer use id+1.
func (s *Sender) SetImageId(id uint32) {
	atomic.StoreUint32(&s.imageId, id)
}

func (s *Sender) count(counter int) {
	atomic.AddUint64(&s.Counters[counter], 1)
}

func (s *Sender) Counter(counter int) uint64 {
	return atomic.LoadUint64(&s.Counters[counter])
}

// SendBlob fragments blob and hands every fragment to Config.TransmitPacketFunction, pausing
// Config.FragmentPacing between fragments. Delivery is best effort: transmit errors are logged
// and the remaining fragments are still sent. A Sender sends one blob at a time.
func (s *Sender) SendBlob(blob []byte) (uint32, error) {
	if err := s.checkSize(blob); err != nil {
		return 0, err
	}

	imageId := s.NextImageId()
	totalFrags := NumFragments(len(blob), s.Config.FragmentSize)
	log.Debugf("[%s] sending image %d (%d bytes) as %d fragments", s.Config.Name, imageId, len(blob), totalFrags)

	var failed int
	for seq := uint32(0); seq < totalFrags; seq++ {
		if seq > 0 && s.Config.FragmentPacing > 0 {
			time.Sleep(s.Config.FragmentPacing)
		}
		if err := s.transmit(imageId, seq, totalFrags, blob); err != nil {
			log.Errorf("[%s] failed to send fragment %d/%d of image %d: %v", s.Config.Name, seq+1, totalFrags, imageId, err)
			failed++
		}
	}

	s.count(CounterNumBlobsSent)
	if failed > 0 {
		log.Warningf("[%s] image %d sent with %d of %d fragments failing", s.Config.Name, imageId, failed, totalFrags)
	} else {
		log.Infof("[%s] sent image %d (%d bytes)", s.Config.Name, imageId, len(blob))
	}
	return imageId, nil
}

func (s *Sender) checkSize(blob []byte) error {
	if len(blob) > s.Config.MaxBlobSize {
		s.count(CounterNumBlobsTooLargeToSend)
		log.Errorf("[%s] blob too large to send. blob is %d bytes, maximum is %d", s.Config.Name, len(blob), s.Config.MaxBlobSize)
		return fmt.Errorf("%w: %d bytes, maximum is %d", ErrBlobTooLarge, len(blob), s.Config.MaxBlobSize)
	}
	return nil
}

// transmit builds fragment seq of blob in the shared packet buffer and sends it.
func (s *Sender) transmit(imageId, seq, totalFrags uint32, blob []byte) error {
	offset := FragmentOffset(seq, s.Config.FragmentSize)
	end := offset + s.Config.FragmentSize
	if end > len(blob) {
		end = len(blob)
	}

	header := FragmentHeader{
		ImageId:    imageId,
		Sequence:   seq,
		TotalFrags: totalFrags,
		FragSize:   uint32(end - offset),
		IsLast:     seq == totalFrags-1,
	}
	p := newBufferFromRef(s.packet)
	p.pos = WriteFragmentHeader(s.packet, &header)
	p.writeBytes(blob[offset:end])

	err := s.Config.TransmitPacketFunction(s.Config.Context, imageId, p.bytes())
	if err != nil {
		s.count(CounterNumFragmentsSendFailed)
		return err
	}
	s.count(CounterNumFragmentsSent)
	return nil
}
