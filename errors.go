package frag

import "errors"

var (
	// ErrMalformedPacket is returned for datagrams that cannot be a valid fragment.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrBlobTooLarge is returned by the Sender for blobs over Config.MaxBlobSize.
	ErrBlobTooLarge = errors.New("blob too large")
	// ErrOffsetOutOfRange is returned when a fragment would write past Config.MaxBlobSize.
	ErrOffsetOutOfRange = errors.New("fragment offset out of range")
	// ErrStaleFragment is returned for fragments of an image the peer has already finished with.
	ErrStaleFragment = errors.New("stale fragment")
	// ErrTransferTimedOut is reported when a partial transfer sees no fragments for Config.TransferTimeout.
	ErrTransferTimedOut = errors.New("transfer timed out")
	// ErrTransferAbandoned is reported when a new image from the same peer replaces a partial one.
	ErrTransferAbandoned = errors.New("transfer abandoned")
	// ErrTransferFailed is returned by reliable sends once a fragment runs out of retries.
	ErrTransferFailed = errors.New("transfer failed")
)
