//go:build test

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/jakecoffman/frag"
	"github.com/op/go-logging"
)

// stats prints how many transfers complete as fragment loss grows, for unacknowledged and
// acknowledged delivery.

const blobBytes = 200 * 1024

var transfers = flag.Int("transfers", 50, "transfers per loss rate")

type testContext struct {
	loss     int
	sender   *frag.Sender
	receiver *frag.Receiver
	complete int
}

func main() {
	flag.Parse()
	logging.SetLevel(logging.CRITICAL, "frag")

	fmt.Println("loss% | complete | complete (reliable) | retransmits")
	for _, loss := range []int{0, 1, 2, 5, 10, 20} {
		plain := run(loss, false)
		reliable := run(loss, true)
		fmt.Printf("%5d | %7d%% | %18d%% | %d\n",
			loss,
			plain.complete*100 / *transfers,
			reliable.complete*100 / *transfers,
			reliable.sender.Counter(frag.CounterNumFragmentsRetransmitted),
		)
	}
}

func run(loss int, reliable bool) *testContext {
	ctx := &testContext{loss: loss}

	config := frag.NewDefaultConfig()
	config.Context = ctx
	config.FragmentSize = 1024
	config.FragmentPacing = 0
	config.Reliable = reliable
	config.AckTimeout = time.Millisecond
	config.MaxRetries = 20
	config.TransmitPacketFunction = testTransmitPacketFunction
	config.TransmitAckFunction = testTransmitAckFunction
	config.ProcessBlobFunction = testProcessBlobFunction

	ctx.sender = frag.NewSender(config)
	ctx.receiver = frag.NewReceiver(config, 100)

	blob := make([]byte, blobBytes)
	for i := 0; i < *transfers; i++ {
		rand.Read(blob)
		if reliable {
			ctx.sender.SendBlobReliable(context.Background(), blob)
		} else {
			ctx.sender.SendBlob(blob)
		}
		ctx.receiver.Update(100 + float64(i))
	}
	return ctx
}

func testTransmitPacketFunction(context interface{}, _ uint32, packetData []byte) error {
	ctx := context.(*testContext)
	if rand.Intn(100) < ctx.loss {
		return nil
	}
	ctx.receiver.ReceivePacket("client", packetData)
	return nil
}

func testTransmitAckFunction(context interface{}, _ string, packetData []byte) error {
	ctx := context.(*testContext)
	if rand.Intn(100) < ctx.loss {
		return nil
	}
	return ctx.sender.ReceivePacket(packetData)
}

func testProcessBlobFunction(context interface{}, _ string, _ uint32, _ []byte) {
	context.(*testContext).complete++
}
