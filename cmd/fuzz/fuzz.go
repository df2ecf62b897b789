package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jakecoffman/frag"
	"github.com/op/go-logging"
)

var globalTime float64 = 100

var receiver *frag.Receiver
var maxFragments uint32

func main() {
	logging.SetLevel(logging.CRITICAL, "frag")

	numIterations := -1

	if len(os.Args) > 1 {
		var err error
		numIterations, err = strconv.Atoi(os.Args[1])
		if err != nil {
			panic("argument 2 must be an integer")
		}
	}

	initialize()

	var quit bool

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT)

	go func() {
		<-signals
		quit = true
		close(signals)
	}()

	deltaTime := .1

	if numIterations > 0 {
		for i := 0; i < numIterations; i++ {
			if quit {
				break
			}

			iteration(globalTime)
			globalTime += deltaTime
		}
	} else {
		for i := 0; !quit; i++ {
			iteration(globalTime)
			globalTime += deltaTime
		}
	}

	fmt.Println()
	for c, v := range receiver.Counters {
		fmt.Printf("%-28s %d\n", frag.CounterName(c), v)
	}
}

func initialize() {
	config := frag.NewDefaultConfig()
	config.FragmentSize = 1024
	config.MaxBlobSize = 64 * 1024
	config.MaxPeers = 4
	config.ProcessBlobFunction = testProcessBlobFunction

	receiver = frag.NewReceiver(config, globalTime)
	maxFragments = config.MaxFragments()
}

// iteration feeds one datagram into the receiver: either pure noise or a header that is mostly
// plausible so validation past the first checks gets exercised.
func iteration(time float64) {
	fmt.Print(".")

	var packetData []byte
	if rand.Intn(2) == 0 {
		packetData = make([]byte, rand.Intn(testMaxPacketBytes-1)+1)
		rand.Read(packetData)
	} else {
		total := uint32(rand.Intn(int(maxFragments)+2)) + 1
		seq := uint32(rand.Intn(int(total) + 1))
		h := frag.FragmentHeader{
			ImageId:    uint32(rand.Intn(8)),
			Sequence:   seq,
			TotalFrags: total,
			FragSize:   uint32(rand.Intn(1100)),
			IsLast:     rand.Intn(4) != 0 && seq == total-1,
		}
		packetData = append(frag.EncodeFragmentHeader(&h), make([]byte, rand.Intn(1100))...)
	}

	peer := fmt.Sprintf("10.0.0.%d:5000", rand.Intn(6))
	receiver.ReceivePacket(peer, packetData)
	receiver.Update(time)
}

const testMaxPacketBytes = 16 * 1024

func testProcessBlobFunction(_ interface{}, _ string, _ uint32, blob []byte) {
	if len(blob) > 64*1024 {
		panic("completed a blob past the size limit")
	}
}
