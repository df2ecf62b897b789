// Package frag splits large blobs such as camera frames into bounded datagrams and
// reassembles them on the other side of an unreliable channel.
//
// A Sender tags every fragment with a FragmentHeader. A Receiver groups fragments by
// peer and image id, tracks arrivals in a bitmap, hands complete blobs to
// Config.ProcessBlobFunction and drops transfers that stall for longer than
// Config.TransferTimeout. Neither does any I/O itself; see Listener and the transport
// package for the socket side.
package frag

import (
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("frag")

const (
	CounterNumBlobsSent = iota
	CounterNumBlobsTooLargeToSend
	CounterNumFragmentsSent
	CounterNumFragmentsSendFailed
	CounterNumFragmentsRetransmitted
	CounterNumTransfersFailed
	CounterNumControlsReceived
	CounterNumFragmentsReceived
	CounterNumFragmentsInvalid
	CounterNumFragmentsDuplicate
	CounterNumFragmentsOutOfRange
	CounterNumFragmentsStale
	CounterNumTransfersAbandoned
	CounterNumTransfersTimedOut
	CounterNumBlobsReceived
	CounterNumAcksSent
	CounterNumPeersEvicted
	CounterMax
)

var counterNames = [CounterMax]string{
	"blobs sent",
	"blobs too large to send",
	"fragments sent",
	"fragments send failed",
	"fragments retransmitted",
	"transfers failed",
	"controls received",
	"fragments received",
	"fragments invalid",
	"fragments duplicate",
	"fragments out of range",
	"fragments stale",
	"transfers abandoned",
	"transfers timed out",
	"blobs received",
	"acks sent",
	"peers evicted",
}

// CounterName returns a human readable name for a counter index.
func CounterName(counter int) string {
	if counter < 0 || counter >= CounterMax {
		return "unknown"
	}
	return counterNames[counter]
}
