package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jakecoffman/frag"
	"github.com/jakecoffman/frag/qr"
	"github.com/jakecoffman/frag/qr/cv"
	"github.com/jakecoffman/frag/sink"
	"github.com/jakecoffman/frag/transport"
	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("example")

var name = flag.String("name", "server", "server or client")
var addr = flag.String("addr", "0.0.0.0:8987", "host and port of connection")
var kind = flag.String("transport", "udp", "udp or tcp")
var reliable = flag.Bool("reliable", false, "acknowledge every fragment and retransmit on loss")
var fragmentSize = flag.Int("fragsize", 8*1024, "payload bytes per fragment")
var loglevel = flag.Int("loglevel", int(logging.INFO), "log level (5 for debug)")

var reuseAddr = flag.Bool("reuseaddr", false, "set SO_REUSEADDR")
var broadcast = flag.Bool("broadcast", false, "allow sending to a broadcast address")
var group = flag.String("multicast", "", "multicast group to join (server) or send to with -ttl (client)")
var ttl = flag.Int("ttl", 1, "multicast ttl")
var iface = flag.String("iface", "", "interface for multicast")

// server
var dir = flag.String("dir", "received_images", "directory completed images are written to, empty to skip")
var levelDB = flag.String("leveldb", "", "leveldb path to index completed images in")
var redisAddr = flag.String("redis", "", "redis address to publish completed images to")
var allies = flag.String("allies", "", "file of ally ids; enables qr recognition")
var enemies = flag.String("enemies", "", "file of enemy ids; enables qr recognition")
var workers = flag.Int("workers", 4, "sink workers")

// client
var file = flag.String("file", "", "image to send, random data when empty")
var camera = flag.Int("camera", -1, "send frames from this video device instead of a file")
var count = flag.Int("count", 1, "number of images to send, 0 to send until interrupted")
var interval = flag.Duration("interval", time.Second, "pause between images")

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	flag.Parse()
	setupLogging(*loglevel)

	transportKind, err := transport.ParseKind(*kind)
	if err != nil {
		log.Fatal(err)
	}
	opts := transport.Options{
		ReuseAddr:      *reuseAddr,
		Broadcast:      *broadcast,
		MulticastGroup: *group,
		MulticastTTL:   *ttl,
		Interface:      *iface,
	}

	config := frag.NewDefaultConfig()
	config.Name = *name
	config.FragmentSize = *fragmentSize
	config.Reliable = *reliable
	config.TransferErrorFunction = transferError
	if err := config.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Name == "server" {
		serve(ctx, config, transportKind, opts)
	} else {
		send(ctx, config, transportKind, opts)
	}
}

func setupLogging(level int) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	format := logging.MustStringFormatter(`%{time:15:04:05.000} %{module:-9s} %{level:.4s} %{message}`)
	logging.SetBackend(logging.NewBackendFormatter(backend, format))
	logging.SetLevel(logging.Level(level), "")
}

func transferError(_ interface{}, peer string, imageId uint32, err error) {
	logger.Warningf("image %d from %s lost: %v", imageId, peer, err)
}

func serve(ctx context.Context, config *frag.Config, kind transport.Kind, opts transport.Options) {
	conn, err := transport.Listen(ctx, kind, *addr, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	sinks, closeSinks := buildSinks()
	defer closeSinks()
	pool := sink.NewPool(config.Name, sinks, *workers, 16)
	defer pool.Close()

	peers := frag.NewPeerTable(config.MaxPeers, config.PeerTimeout)
	receiver := frag.NewReceiver(config, frag.Now())
	listener := frag.NewListener(conn, receiver, peers)
	config.ProcessBlobFunction = pool.ProcessBlob
	config.TransmitAckFunction = listener.TransmitAck

	go console(ctx, listener)

	logger.Infof("server ready on %s %s", kind, conn.LocalAddr())
	if err := listener.Run(ctx); err != nil {
		log.Fatal(err)
	}
	printCounters(receiver.Counters[:])
}

func buildSinks() (sink.Multi, func()) {
	var sinks sink.Multi
	var closers []func() error

	if *dir != "" {
		f, err := sink.NewFile(*dir)
		if err != nil {
			log.Fatal(err)
		}
		sinks = append(sinks, f)
	}
	if *levelDB != "" {
		db, err := sink.OpenLevelDB(*levelDB)
		if err != nil {
			log.Fatal(err)
		}
		sinks = append(sinks, db)
		closers = append(closers, db.Close)
	}
	if *redisAddr != "" {
		r := sink.NewRedis(*redisAddr)
		sinks = append(sinks, r)
		closers = append(closers, r.Close)
	}
	if *allies != "" || *enemies != "" {
		allyIds := loadList(*allies)
		enemyIds := loadList(*enemies)
		decoder := cv.NewDecoder()
		sinks = append(sinks, &qr.Sink{Decoder: decoder, Classifier: qr.NewClassifier(allyIds, enemyIds)})
		closers = append(closers, decoder.Close)
	}

	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Errorf("close: %v", err)
			}
		}
	}
}

func loadList(path string) []string {
	if path == "" {
		return nil
	}
	ids, err := qr.LoadList(path)
	if err != nil {
		log.Fatal(err)
	}
	return ids
}

// console reads operator commands from stdin:
//
//	list                 show known peers
//	send <n> <file>      send a file to peer n of the list
//	broadcast <file>     send a file to every peer
func console(ctx context.Context, listener *frag.Listener) {
	pushes := newPusher(listener)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() && ctx.Err() == nil {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		peers := listener.Peers.Peers()
		switch {
		case fields[0] == "list":
			for i, p := range peers {
				fmt.Printf("%d: %s (seen %.0fs ago)\n", i, p.Id, frag.Now()-p.LastSeen)
			}
		case fields[0] == "send" && len(fields) == 3:
			i, err := strconv.Atoi(fields[1])
			if err != nil || i < 0 || i >= len(peers) {
				fmt.Println("no such peer", fields[1])
				continue
			}
			pushes.push(peers[i].Addr, fields[2])
		case fields[0] == "broadcast" && len(fields) == 2:
			for _, p := range peers {
				pushes.push(p.Addr, fields[1])
			}
		default:
			fmt.Println("commands: list | send <n> <file> | broadcast <file>")
		}
	}
}

// pusher sends files back to peers over the listening connection. Pushes are best effort since
// acknowledgements only flow towards the server. One sender serves every push so image ids
// never repeat.
type pusher struct {
	listener *frag.Listener
	sender   *frag.Sender
	to       net.Addr
}

func newPusher(listener *frag.Listener) *pusher {
	p := &pusher{listener: listener}
	config := *listener.Receiver.Config
	config.Name = "push"
	config.Reliable = false
	config.TransmitPacketFunction = func(_ interface{}, imageId uint32, packetData []byte) error {
		return listener.SendTo(p.to)(nil, imageId, packetData)
	}
	p.sender = frag.NewSender(&config)
	return p
}

func (p *pusher) push(to net.Addr, path string) (uint32, error) {
	blob, err := frag.ReadBlob(path, p.sender.Config.MaxBlobSize)
	if err != nil {
		logger.Errorf("push to %s: %v", to, err)
		return 0, err
	}
	p.to = to
	imageId, err := p.sender.SendBlob(blob)
	if err != nil {
		logger.Errorf("push to %s: %v", to, err)
	}
	return imageId, err
}

func send(ctx context.Context, config *frag.Config, kind transport.Kind, opts transport.Options) {
	conn, err := transport.Dial(ctx, kind, *addr, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	config.TransmitPacketFunction = func(_ interface{}, _ uint32, packetData []byte) error {
		_, err := conn.Write(packetData)
		return err
	}
	sender := frag.NewSender(config)

	// images pushed by the server are received on the same connection
	received := *config
	received.Reliable = false
	if *dir != "" {
		f, err := sink.NewFile(*dir)
		if err != nil {
			log.Fatal(err)
		}
		received.ProcessBlobFunction = func(_ interface{}, peer string, imageId uint32, blob []byte) {
			if err := f.OnBlobComplete(peer, imageId, blob); err != nil {
				logger.Error(err)
			}
		}
	}
	in := &inbox{
		peer:     conn.RemoteAddr().String(),
		sender:   sender,
		receiver: frag.NewReceiver(&received, frag.Now()),
	}
	go in.expire(ctx, time.Second, frag.Now)
	go read(conn, in)

	next, closeSource := source(config.MaxBlobSize)
	defer closeSource()

	logger.Infof("client ready, sending to %s %s", kind, conn.RemoteAddr())
	for i := 0; *count == 0 || i < *count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(*interval):
			}
		}
		if ctx.Err() != nil {
			break
		}

		blob, err := next()
		if err != nil {
			logger.Error(err)
			continue
		}
		if config.Reliable {
			_, err = sender.SendBlobReliable(ctx, blob)
		} else {
			_, err = sender.SendBlob(blob)
		}
		if err != nil {
			logger.Error(err)
		}
	}
	printCounters(sender.Counters[:])
}

// inbox owns the client's receiver. The read loop and the timeout sweep both go through it.
type inbox struct {
	mu       sync.Mutex
	peer     string
	sender   *frag.Sender
	receiver *frag.Receiver
}

// deliver dispatches a datagram from the server: control messages to the sender and fragments to
// the receiver. Control messages are shorter than any fragment.
func (in *inbox) deliver(now float64, packetData []byte) {
	if len(packetData) == frag.ControlBytes {
		in.sender.ReceivePacket(packetData)
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.receiver.Update(now)
	in.receiver.ReceivePacket(in.peer, packetData)
}

func (in *inbox) sweep(now float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.receiver.Update(now)
}

// expire times out stalled pushes even when the server has gone quiet.
func (in *inbox) expire(ctx context.Context, every time.Duration, now func() float64) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.sweep(now())
		}
	}
}

func read(conn net.Conn, in *inbox) {
	buf := make([]byte, in.receiver.Config.MaxDatagramSize())
	for {
		n, err := conn.Read(buf)
		if err != nil {
			logger.Debugf("read: %v", err)
			return
		}
		in.deliver(frag.Now(), buf[:n])
	}
}

func source(maxBlobSize int) (func() ([]byte, error), func()) {
	switch {
	case *camera >= 0:
		cam, err := cv.OpenCamera(*camera, 640, 480)
		if err != nil {
			log.Fatal(err)
		}
		return cam.CaptureJPEG, func() { cam.Close() }
	case *file != "":
		return func() ([]byte, error) {
			return frag.ReadBlob(*file, maxBlobSize)
		}, func() {}
	}
	return func() ([]byte, error) {
		blob := make([]byte, rand.Intn(256*1024)+1)
		rand.Read(blob)
		return blob, nil
	}, func() {}
}

func printCounters(counters []uint64) {
	for i, v := range counters {
		if v > 0 {
			fmt.Printf("%-28s %d\n", frag.CounterName(i), v)
		}
	}
}
