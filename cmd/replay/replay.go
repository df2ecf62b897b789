// Command replay feeds fragments recorded in a pcap or pcapng capture into a receiver, as if they
// had arrived live, and writes out the images that complete.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/jakecoffman/frag"
	"github.com/jakecoffman/frag/sink"
	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("replay")

var input = flag.String("r", "", "capture file to read")
var port = flag.Int("port", 8987, "udp destination port the fragments were sent to")
var dir = flag.String("dir", "replayed_images", "directory completed images are written to")
var fragmentSize = flag.Int("fragsize", 8*1024, "payload bytes per fragment the sender used")
var loglevel = flag.Int("loglevel", int(logging.INFO), "log level (5 for debug)")

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	flag.Parse()
	logging.SetBackend(logging.NewBackendFormatter(
		logging.NewLogBackend(os.Stderr, "", 0),
		logging.MustStringFormatter(`%{time:15:04:05.000} %{module:-9s} %{level:.4s} %{message}`),
	))
	logging.SetLevel(logging.Level(*loglevel), "")

	if *input == "" {
		log.Fatal("-r is required")
	}
	f, err := os.Open(*input)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	out, err := sink.NewFile(*dir)
	if err != nil {
		log.Fatal(err)
	}

	config := frag.NewDefaultConfig()
	config.Name = "replay"
	config.FragmentSize = *fragmentSize
	config.ProcessBlobFunction = func(_ interface{}, peer string, imageId uint32, blob []byte) {
		if err := out.OnBlobComplete(peer, imageId, blob); err != nil {
			logger.Error(err)
		}
	}
	if err := config.Validate(); err != nil {
		log.Fatal(err)
	}

	source, err := openCapture(f)
	if err != nil {
		log.Fatal(err)
	}
	receiver := frag.NewReceiver(config, 0)
	n, err := replay(source, uint16(*port), receiver)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%d fragments replayed\n", n)
	for c, v := range receiver.Counters {
		if v > 0 {
			fmt.Printf("%-28s %d\n", frag.CounterName(c), v)
		}
	}
}

// openCapture accepts both capture formats, telling them apart by the magic number.
func openCapture(r io.Reader) (*gopacket.PacketSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	// pcapng files start with a section header block
	if magic[0] == 0x0A && magic[1] == 0x0D && magic[2] == 0x0D && magic[3] == 0x0A {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, err
		}
		return gopacket.NewPacketSource(ng, ng.LinkType()), nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, err
	}
	return gopacket.NewPacketSource(pr, pr.LinkType()), nil
}

// replay hands every UDP datagram sent to port to receiver, using capture timestamps as receiver
// time so transfer timeouts behave as they would have live. IPv4 fragments are reassembled first.
func replay(source *gopacket.PacketSource, port uint16, receiver *frag.Receiver) (int, error) {
	defrag := ip4defrag.NewIPv4Defragmenter()
	var n int
	for {
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}

		ip4, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			continue
		}
		whole, err := defrag.DefragIPv4(ip4)
		if err != nil {
			logger.Warningf("bad ip fragment from %s: %v", ip4.SrcIP, err)
			continue
		}
		if whole == nil || whole.Protocol != layers.IPProtocolUDP {
			continue
		}

		var udp layers.UDP
		if err := udp.DecodeFromBytes(whole.Payload, gopacket.NilDecodeFeedback); err != nil {
			logger.Warningf("bad udp datagram from %s: %v", whole.SrcIP, err)
			continue
		}
		if uint16(udp.DstPort) != port {
			continue
		}

		ts := packet.Metadata().Timestamp
		receiver.Update(float64(ts.UnixNano()) / 1e9)
		peer := fmt.Sprintf("%s:%d", whole.SrcIP, udp.SrcPort)
		receiver.ReceivePacket(peer, udp.Payload)
		n++
	}
}
