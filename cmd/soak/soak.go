//go:build test

package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/jakecoffman/frag"
	"github.com/op/go-logging"
)

var globalTime float64 = 100

type testContext struct {
	sender   *frag.Sender
	receiver *frag.Receiver
	expected map[uint32][]byte
	complete int
}

var globalContext = testContext{expected: map[uint32][]byte{}}

// to profile, run `./soak -cpuprofile=prof -iterations=8000`, then run `go tool pprof soak profile`
var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")
var iterations = flag.Int("iterations", -1, "number of iterations to run")
var loglevel = flag.Int("loglevel", int(logging.ERROR), "log level (5 for debug)")
var loss = flag.Int("loss", 1, "percent of fragments dropped")

func main() {
	flag.Parse()

	logging.SetLevel(logging.Level(*loglevel), "frag")

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
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

	i := 0
	for ; (*iterations <= 0 || i < *iterations) && !quit; i++ {
		iteration(globalTime)
		globalTime += deltaTime
	}

	log.Printf("%d images sent, %d complete", i, globalContext.complete)
	for c, v := range globalContext.receiver.Counters {
		log.Printf("%-28s %d", frag.CounterName(c), v)
	}
}

func initialize() {
	config := frag.NewDefaultConfig()
	config.Name = "soak"
	config.Context = &globalContext
	config.FragmentSize = 1024
	config.MaxBlobSize = 256 * 1024
	config.FragmentPacing = 0
	config.TransmitPacketFunction = testTransmitPacketFunction
	config.ProcessBlobFunction = testProcessBlobFunction

	globalContext.sender = frag.NewSender(config)
	globalContext.receiver = frag.NewReceiver(config, globalTime)
}

func testTransmitPacketFunction(context interface{}, _ uint32, packetData []byte) error {
	ctx := context.(*testContext)

	if rand.Intn(100) < *loss {
		return nil
	}
	ctx.receiver.ReceivePacket("client", packetData)
	return nil
}

func testProcessBlobFunction(context interface{}, _ string, imageId uint32, blob []byte) {
	ctx := context.(*testContext)

	expected, ok := ctx.expected[imageId]
	if !ok {
		log.Fatal("completed an image that was never sent: ", imageId)
	}
	if len(blob) != len(expected) {
		log.Fatal("Size not right, expected ", len(expected), " got ", len(blob))
	}
	for i := range blob {
		if blob[i] != expected[i] {
			log.Fatal("Wrong blob data at index ", i, " got ", blob[i], " expected ", expected[i])
		}
	}
	delete(ctx.expected, imageId)
	ctx.complete++
}

func generateBlob(imageId uint32) []byte {
	size := (int(imageId) * 4099) % (256*1024 + 1)
	blob := make([]byte, size)
	for i := range blob {
		blob[i] = byte((i + int(imageId)) % 256)
	}
	return blob
}

func iteration(time float64) {
	// the id SendBlob will pick
	imageId := globalContext.sender.NextImageId()
	globalContext.sender.SetImageId(imageId - 1)

	blob := generateBlob(imageId)
	globalContext.expected[imageId] = blob
	if _, err := globalContext.sender.SendBlob(blob); err != nil {
		log.Fatal(err)
	}
	// superseded images never complete
	for id := range globalContext.expected {
		if id != imageId {
			delete(globalContext.expected, id)
		}
	}

	globalContext.receiver.Update(time)
}
