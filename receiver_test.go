package frag

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/op/go-logging"
)

func init() {
	logging.SetLevel(logging.CRITICAL, "frag")
}

const (
	testFragmentSize = 1024
	testMaxBlobSize  = 64 * 1024
)

type testBlob struct {
	peer    string
	imageId uint32
	data    []byte
}

type testContext struct {
	drop     func(seq int) bool
	packets  [][]byte
	blobs    []testBlob
	failures []error
}

func testTransmitPacketFunction(context interface{}, _ uint32, packetData []byte) error {
	ctx := context.(*testContext)
	if ctx.drop != nil && ctx.drop(len(ctx.packets)) {
		ctx.packets = append(ctx.packets, nil)
		return nil
	}
	ctx.packets = append(ctx.packets, append([]byte(nil), packetData...))
	return nil
}

func testProcessBlobFunction(context interface{}, peer string, imageId uint32, blob []byte) {
	ctx := context.(*testContext)
	ctx.blobs = append(ctx.blobs, testBlob{peer: peer, imageId: imageId, data: blob})
}

func testTransferErrorFunction(context interface{}, _ string, _ uint32, err error) {
	ctx := context.(*testContext)
	ctx.failures = append(ctx.failures, err)
}

func newTestConfig(ctx *testContext) *Config {
	config := NewDefaultConfig()
	config.Name = "test"
	config.Context = ctx
	config.FragmentSize = testFragmentSize
	config.MaxBlobSize = testMaxBlobSize
	config.FragmentPacing = 0
	config.TransmitPacketFunction = testTransmitPacketFunction
	config.ProcessBlobFunction = testProcessBlobFunction
	config.TransferErrorFunction = testTransferErrorFunction
	return config
}

func testBlobData(size int, seed int64) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

// fragmentBlob runs blob through a Sender and returns the datagrams it produced.
func fragmentBlob(t *testing.T, config *Config, blob []byte) ([][]byte, uint32) {
	t.Helper()
	ctx := config.Context.(*testContext)
	ctx.packets = nil
	imageId, err := NewSender(config).SendBlob(blob)
	if err != nil {
		t.Fatal(err)
	}
	packets := ctx.packets
	ctx.packets = nil
	return packets, imageId
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, testFragmentSize - 1, testFragmentSize, testFragmentSize + 1, 10 * testFragmentSize, testMaxBlobSize}

	for i, size := range sizes {
		ctx := &testContext{}
		config := newTestConfig(ctx)
		receiver := NewReceiver(config, 100)

		blob := testBlobData(size, int64(i))
		packets, imageId := fragmentBlob(t, config, blob)
		if len(packets) != int(NumFragments(size, testFragmentSize)) {
			t.Error("size", size, "produced", len(packets), "fragments")
		}

		for _, p := range packets {
			if err := receiver.ReceivePacket("peer", p); err != nil {
				t.Fatal("size", size, err)
			}
		}

		if len(ctx.blobs) != 1 {
			t.Fatal("size", size, "expected 1 blob, got", len(ctx.blobs))
		}
		got := ctx.blobs[0]
		if got.imageId != imageId || got.peer != "peer" || !bytes.Equal(got.data, blob) {
			t.Error("size", size, "reassembled blob differs", got.imageId, imageId, len(got.data), len(blob))
		}
		if receiver.Pending() != 0 {
			t.Error("size", size, "state should be destroyed after completion")
		}
	}
}

func TestRoundTripDefaultConfig(t *testing.T) {
	ctx := &testContext{}
	config := NewDefaultConfig()
	config.Context = ctx
	config.FragmentPacing = 0
	config.TransmitPacketFunction = testTransmitPacketFunction
	config.ProcessBlobFunction = testProcessBlobFunction
	receiver := NewReceiver(config, 100)

	blob := testBlobData(config.MaxBlobSize, 99)
	packets, _ := fragmentBlob(t, config, blob)
	if len(packets) != 1280 {
		t.Error("10 MiB should take 1280 fragments, took", len(packets))
	}
	for _, p := range packets {
		if len(p) > config.MaxDatagramSize() {
			t.Fatal("datagram of", len(p), "bytes is too large")
		}
		receiver.ReceivePacket("peer", p)
	}
	if len(ctx.blobs) != 1 || !bytes.Equal(ctx.blobs[0].data, blob) {
		t.Error("10 MiB blob did not survive")
	}
}

func TestOutOfOrder(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	blob := testBlobData(10*testFragmentSize+17, 1)
	packets, _ := fragmentBlob(t, config, blob)

	rnd := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		ctx.blobs = nil
		receiver := NewReceiver(config, 100)
		for _, i := range rnd.Perm(len(packets)) {
			receiver.ReceivePacket("peer", packets[i])
		}
		if len(ctx.blobs) != 1 || !bytes.Equal(ctx.blobs[0].data, blob) {
			t.Fatal("round", round, "permuted delivery did not reassemble the blob")
		}
	}
}

func TestDuplicates(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	receiver := NewReceiver(config, 100)
	blob := testBlobData(5*testFragmentSize, 2)
	packets, _ := fragmentBlob(t, config, blob)

	receiver.ReceivePacket("peer", packets[0])
	receiver.ReceivePacket("peer", packets[1])
	before := receiver.ReceivedBytes("peer")
	_, received, _, _ := receiver.Progress("peer")

	// same fragment again, and a corrupted copy of it that must not be copied in
	receiver.ReceivePacket("peer", packets[1])
	corrupt := append([]byte(nil), packets[0]...)
	for i := FragmentHeaderBytes; i < len(corrupt); i++ {
		corrupt[i] ^= 0xFF
	}
	if err := receiver.ReceivePacket("peer", corrupt); err != nil {
		t.Error("duplicates are not errors:", err)
	}

	_, receivedAfter, _, _ := receiver.Progress("peer")
	if receiver.ReceivedBytes("peer") != before || receivedAfter != received {
		t.Error("duplicate changed state", before, receiver.ReceivedBytes("peer"), received, receivedAfter)
	}
	if receiver.Counters[CounterNumFragmentsDuplicate] != 2 {
		t.Error("expected 2 duplicates, got", receiver.Counters[CounterNumFragmentsDuplicate])
	}

	for _, p := range packets[2:] {
		receiver.ReceivePacket("peer", p)
	}
	if len(ctx.blobs) != 1 || !bytes.Equal(ctx.blobs[0].data, blob) {
		t.Error("duplicates corrupted the output")
	}
}

func TestLossAndTimeout(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	receiver := NewReceiver(config, 100)
	packets, imageId := fragmentBlob(t, config, testBlobData(4*testFragmentSize, 3))

	for i, p := range packets {
		if i == 2 {
			continue
		}
		receiver.ReceivePacket("peer", p)
	}
	if receiver.Pending() != 1 {
		t.Fatal("transfer should be pending")
	}

	receiver.Update(100 + config.TransferTimeout)
	if receiver.Pending() != 1 {
		t.Fatal("transfer evicted before the timeout passed")
	}

	receiver.Update(100 + config.TransferTimeout + 0.5)
	if receiver.Pending() != 0 {
		t.Error("transfer should have timed out")
	}
	if len(ctx.blobs) != 0 {
		t.Error("timed out transfer must not complete")
	}
	if receiver.Counters[CounterNumTransfersTimedOut] != 1 {
		t.Error("timeout not counted")
	}
	if len(ctx.failures) != 1 || !errors.Is(ctx.failures[0], ErrTransferTimedOut) {
		t.Error("expected a timeout report, got", ctx.failures)
	}

	// the missing fragment showing up late must not resurrect the transfer
	if err := receiver.ReceivePacket("peer", packets[2]); !errors.Is(err, ErrStaleFragment) {
		t.Error("late fragment of timed out image", imageId, "should be stale, got", err)
	}
	if receiver.Pending() != 0 || len(ctx.blobs) != 0 {
		t.Error("late fragment created state")
	}
}

func TestActivityDefersTimeout(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	receiver := NewReceiver(config, 100)
	packets, _ := fragmentBlob(t, config, testBlobData(3*testFragmentSize, 4))

	receiver.ReceivePacket("peer", packets[0])
	receiver.Update(108)
	receiver.ReceivePacket("peer", packets[1])
	receiver.Update(116)
	if receiver.Pending() != 1 {
		t.Fatal("transfer with recent activity timed out")
	}
	receiver.ReceivePacket("peer", packets[2])
	if len(ctx.blobs) != 1 {
		t.Error("transfer should have completed")
	}
}

func TestMalformed(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	receiver := NewReceiver(config, 100)
	packets, _ := fragmentBlob(t, config, testBlobData(3*testFragmentSize, 5))
	receiver.ReceivePacket("peer", packets[0])
	imageId, received, total, _ := receiver.Progress("peer")

	header := func(h FragmentHeader, payload int) []byte {
		return append(EncodeFragmentHeader(&h), make([]byte, payload)...)
	}
	bad := [][]byte{
		nil,
		{1, 2, 3},
		packets[1][:FragmentHeaderBytes-1],
		header(FragmentHeader{ImageId: 9, Sequence: 0, TotalFrags: 0, IsLast: true}, 0),
		header(FragmentHeader{ImageId: 9, Sequence: 3, TotalFrags: 3, FragSize: 1, IsLast: false}, 1),
		header(FragmentHeader{ImageId: 9, Sequence: 0, TotalFrags: 2, FragSize: testFragmentSize + 1}, testFragmentSize+1),
		header(FragmentHeader{ImageId: 9, Sequence: 0, TotalFrags: 2, FragSize: 100}, 99),
		header(FragmentHeader{ImageId: 9, Sequence: 0, TotalFrags: 2, FragSize: 1, IsLast: true}, 1),
		header(FragmentHeader{ImageId: 9, Sequence: 1, TotalFrags: 2, FragSize: 1, IsLast: false}, 1),
		header(FragmentHeader{ImageId: 9, Sequence: 0, TotalFrags: config.MaxFragments() + 1, FragSize: 1}, 1),
		// right image, wrong fragment count
		header(FragmentHeader{ImageId: imageId, Sequence: 1, TotalFrags: 4, FragSize: testFragmentSize}, testFragmentSize),
	}
	for i, p := range bad {
		if err := receiver.ReceivePacket("peer", p); !errors.Is(err, ErrMalformedPacket) {
			t.Error(i, "expected malformed packet, got", err)
		}
	}

	id, r, tot, ok := receiver.Progress("peer")
	if !ok || id != imageId || r != received || tot != total {
		t.Error("malformed input changed reassembly state", id, r, tot, ok)
	}
	if receiver.Counters[CounterNumFragmentsInvalid] != uint64(len(bad)) {
		t.Error("invalid fragments not counted", receiver.Counters[CounterNumFragmentsInvalid])
	}

	// a new peer sending garbage gets no state at all
	receiver.ReceivePacket("other", []byte{0})
	if _, _, _, ok := receiver.Progress("other"); ok {
		t.Error("garbage created state")
	}
}

func TestOffsetOutOfRange(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	// not a multiple of the fragment size, so the last allowed fragment index can overflow
	config.MaxBlobSize = 2*testFragmentSize + 10
	receiver := NewReceiver(config, 100)

	h := FragmentHeader{ImageId: 3, Sequence: 2, TotalFrags: 3, FragSize: 11, IsLast: true}
	p := append(EncodeFragmentHeader(&h), make([]byte, 11)...)
	if err := receiver.ReceivePacket("peer", p); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatal("expected offset out of range, got", err)
	}
	// the transfer itself carries on
	if receiver.Pending() != 1 {
		t.Error("out of range fragment should not abort the transfer")
	}

	h.FragSize = 10
	p = append(EncodeFragmentHeader(&h), make([]byte, 10)...)
	if err := receiver.ReceivePacket("peer", p); err != nil {
		t.Error("fragment that fits should be accepted:", err)
	}
}

func TestNewImageSupersedes(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	receiver := NewReceiver(config, 100)
	sender := NewSender(config)

	first := testBlobData(4*testFragmentSize, 10)
	second := testBlobData(3*testFragmentSize+5, 11)

	ctx.packets = nil
	firstId, _ := sender.SendBlob(first)
	firstPackets := ctx.packets
	ctx.packets = nil
	secondId, _ := sender.SendBlob(second)
	secondPackets := ctx.packets

	if firstId == secondId {
		t.Fatal("consecutive transfers share an image id")
	}

	receiver.ReceivePacket("peer", firstPackets[0])
	receiver.ReceivePacket("peer", firstPackets[1])
	receiver.ReceivePacket("peer", secondPackets[0])

	if id, received, _, _ := receiver.Progress("peer"); id != secondId || received != 1 {
		t.Error("old state was not discarded", id, received)
	}
	if receiver.Counters[CounterNumTransfersAbandoned] != 1 {
		t.Error("abandon not counted")
	}
	if len(ctx.failures) != 1 || !errors.Is(ctx.failures[0], ErrTransferAbandoned) {
		t.Error("expected an abandon report, got", ctx.failures)
	}

	// late fragments of the first image are rejected and leave the second alone
	for _, p := range firstPackets[2:] {
		if err := receiver.ReceivePacket("peer", p); !errors.Is(err, ErrStaleFragment) {
			t.Error("late fragment should be stale, got", err)
		}
	}
	for _, p := range secondPackets[1:] {
		receiver.ReceivePacket("peer", p)
	}
	if len(ctx.blobs) != 1 || ctx.blobs[0].imageId != secondId || !bytes.Equal(ctx.blobs[0].data, second) {
		t.Error("second image did not complete cleanly")
	}

	// a late duplicate of the completed image must not start a new transfer
	receiver.ReceivePacket("peer", secondPackets[0])
	if receiver.Pending() != 0 {
		t.Error("duplicate of a completed image started a transfer")
	}
}

func TestMultiplePeers(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	receiver := NewReceiver(config, 100)

	a := testBlobData(6*testFragmentSize, 20)
	b := testBlobData(2*testFragmentSize+1, 21)
	packetsA, idA := fragmentBlob(t, config, a)
	packetsB, idB := fragmentBlob(t, config, b)

	// interleave two peers, which may even use the same image id
	for i := 0; i < len(packetsA) || i < len(packetsB); i++ {
		if i < len(packetsA) {
			receiver.ReceivePacket("10.0.0.1:5000", packetsA[i])
		}
		if i < len(packetsB) {
			receiver.ReceivePacket("10.0.0.2:5000", packetsB[i])
		}
	}

	if len(ctx.blobs) != 2 {
		t.Fatal("expected 2 blobs, got", len(ctx.blobs))
	}
	for _, got := range ctx.blobs {
		switch got.peer {
		case "10.0.0.1:5000":
			if got.imageId != idA || !bytes.Equal(got.data, a) {
				t.Error("peer a blob wrong")
			}
		case "10.0.0.2:5000":
			if got.imageId != idB || !bytes.Equal(got.data, b) {
				t.Error("peer b blob wrong")
			}
		default:
			t.Error("unexpected peer", got.peer)
		}
	}
}

func TestPeerEviction(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	config.MaxPeers = 2
	receiver := NewReceiver(config, 100)
	packets, _ := fragmentBlob(t, config, testBlobData(2*testFragmentSize, 30))

	receiver.ReceivePacket("a", packets[0])
	receiver.Update(101)
	receiver.ReceivePacket("b", packets[0])
	receiver.Update(102)
	receiver.ReceivePacket("c", packets[0])

	if _, _, _, ok := receiver.Progress("a"); ok {
		t.Error("oldest peer should have been evicted")
	}
	for _, peer := range []string{"b", "c"} {
		if _, _, _, ok := receiver.Progress(peer); !ok {
			t.Error("peer", peer, "should still be receiving")
		}
	}
	if receiver.Counters[CounterNumPeersEvicted] != 1 {
		t.Error("eviction not counted")
	}
}

func TestIdlePeersForgotten(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	receiver := NewReceiver(config, 100)
	packets, _ := fragmentBlob(t, config, testBlobData(10, 31))

	receiver.ReceivePacket("peer", packets[0])
	if len(receiver.peers) != 1 {
		t.Fatal("peer not tracked")
	}
	receiver.Update(100 + config.PeerTimeout + 1)
	if len(receiver.peers) != 0 {
		t.Error("idle peer not forgotten")
	}
}

func TestBoundary(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	packets, imageId := fragmentBlob(t, config, testBlobData(4*testFragmentSize, 40))

	if len(packets) != 4 {
		t.Fatal("expected 4 fragments, got", len(packets))
	}
	for i, p := range packets {
		h, err := ReadFragmentHeader(p)
		if err != nil {
			t.Fatal(err)
		}
		if h.ImageId != imageId || h.Sequence != uint32(i) || h.TotalFrags != 4 {
			t.Error("fragment", i, "has wrong header", h)
		}
		if h.FragSize != testFragmentSize || len(p) != FragmentHeaderBytes+testFragmentSize {
			t.Error("fragment", i, "should be full sized, is", h.FragSize)
		}
		if h.IsLast != (i == 3) {
			t.Error("fragment", i, "has is_last", h.IsLast)
		}
	}
}

func TestRandomLossSoak(t *testing.T) {
	ctx := &testContext{}
	config := newTestConfig(ctx)
	receiver := NewReceiver(config, 100)
	sender := NewSender(config)
	rnd := rand.New(rand.NewSource(50))

	time := 100.0
	var complete, incomplete int
	for i := 0; i < 200; i++ {
		blob := testBlobData(rnd.Intn(testMaxBlobSize+1), int64(i))
		ctx.drop = func(int) bool { return rnd.Intn(100) < 2 }
		ctx.packets = nil
		ctx.blobs = nil
		sender.SendBlob(blob)

		lost := false
		for _, p := range ctx.packets {
			if p == nil {
				lost = true
				continue
			}
			receiver.ReceivePacket("peer", p)
		}
		time += 1
		receiver.Update(time)

		if lost {
			incomplete++
			if len(ctx.blobs) != 0 {
				t.Fatal("transfer", i, "completed despite loss")
			}
			continue
		}
		complete++
		if len(ctx.blobs) != 1 || !bytes.Equal(ctx.blobs[0].data, blob) {
			t.Fatal("transfer", i, "without loss did not complete")
		}
	}
	if complete == 0 || incomplete == 0 {
		t.Log("loss pattern exercised only one path", complete, incomplete)
	}
}
