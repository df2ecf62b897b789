package frag

import (
	"fmt"
	"time"
)

// Config holds endpoint configuration data
type Config struct {
	Name    string
	Context interface{}

	// FragmentSize is the maximum payload carried by one fragment. Sender and
	// receiver must agree on it since fragment offsets are derived from it.
	FragmentSize   int
	MaxBlobSize    int
	FragmentPacing time.Duration

	// TransferTimeout is in seconds of endpoint time (see Receiver.Update)
	TransferTimeout      float64
	MaxPeers             int
	PeerTimeout          float64
	RetiredIdsBufferSize int

	Reliable   bool
	AckTimeout time.Duration
	MaxRetries int

	// TransmitPacketFunction is called by the Sender for every fragment. packetData is only valid for the call.
	TransmitPacketFunction func(context interface{}, imageId uint32, packetData []byte) error
	// ProcessBlobFunction is called by the Receiver once a blob is fully reassembled. The callee owns blob.
	ProcessBlobFunction func(context interface{}, peer string, imageId uint32, blob []byte)
	// TransmitAckFunction is called by the Receiver in reliable mode to send control messages back to peer
	TransmitAckFunction func(context interface{}, peer string, packetData []byte) error
	// TransferErrorFunction, when set, is told about abandoned and timed out transfers
	TransferErrorFunction func(context interface{}, peer string, imageId uint32, err error)
}

// NewDefaultConfig creates a typical endpoint configuration
func NewDefaultConfig() *Config {
	return &Config{
		Name:                 "endpoint",
		FragmentSize:         8 * 1024,
		MaxBlobSize:          10 * 1024 * 1024,
		FragmentPacing:       10 * time.Millisecond,
		TransferTimeout:      10,
		MaxPeers:             10,
		PeerTimeout:          300,
		RetiredIdsBufferSize: 16,
		AckTimeout:           2 * time.Second,
		MaxRetries:           5,
	}
}

// MaxFragments is the largest fragment count a transfer of MaxBlobSize bytes can need.
func (c *Config) MaxFragments() uint32 {
	return NumFragments(c.MaxBlobSize, c.FragmentSize)
}

// MaxDatagramSize is the largest datagram the protocol produces with this config.
func (c *Config) MaxDatagramSize() int {
	return FragmentHeaderBytes + c.FragmentSize
}

func (c *Config) Validate() error {
	switch {
	case c.FragmentSize <= 0:
		return fmt.Errorf("[%s] fragment size must be positive, got %d", c.Name, c.FragmentSize)
	case c.MaxDatagramSize() > maxUDPPayload:
		return fmt.Errorf("[%s] fragment size %d does not fit in a datagram (max %d)", c.Name, c.FragmentSize, maxUDPPayload-FragmentHeaderBytes)
	case c.MaxBlobSize < 0:
		return fmt.Errorf("[%s] max blob size must not be negative, got %d", c.Name, c.MaxBlobSize)
	case c.TransferTimeout <= 0:
		return fmt.Errorf("[%s] transfer timeout must be positive", c.Name)
	case c.MaxPeers <= 0:
		return fmt.Errorf("[%s] max peers must be positive", c.Name)
	case c.Reliable && c.MaxRetries <= 0:
		return fmt.Errorf("[%s] reliable mode needs at least one attempt per fragment", c.Name)
	}
	return nil
}

// IPv4 UDP: 65535 - 20 byte IP header - 8 byte UDP header
const maxUDPPayload = 65507
