package main

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jakecoffman/frag"
	"github.com/op/go-logging"
)

func init() {
	logging.SetLevel(logging.CRITICAL, "")
}

func TestPushesGetDistinctImageIds(t *testing.T) {
	server, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()
	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	config := frag.NewDefaultConfig()
	config.FragmentSize = 1024
	config.FragmentPacing = 0
	listener := frag.NewListener(server, frag.NewReceiver(config, 0), frag.NewPeerTable(config.MaxPeers, config.PeerTimeout))

	path := filepath.Join(t.TempDir(), "image.jpg")
	if err := os.WriteFile(path, []byte("small image"), 0o644); err != nil {
		t.Fatal(err)
	}

	pushes := newPusher(listener)
	var sent []uint32
	for i := 0; i < 2; i++ {
		imageId, err := pushes.push(client.LocalAddr(), path)
		if err != nil {
			t.Fatal(err)
		}
		sent = append(sent, imageId)
	}
	if sent[0] == sent[1] {
		t.Fatal("back to back pushes reused image id", sent[0])
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, config.MaxDatagramSize())
	for i := 0; i < 2; i++ {
		n, _, err := client.ReadFrom(buf)
		if err != nil {
			t.Fatal(err)
		}
		h, err := frag.ReadFragmentHeader(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if h.ImageId != sent[i] {
			t.Error("fragment", i, "has image id", h.ImageId, "expected", sent[i])
		}
	}
}

func TestInboxExpiresStalledPush(t *testing.T) {
	lost := make(chan error, 1)
	config := frag.NewDefaultConfig()
	config.FragmentSize = 1024
	config.TransferErrorFunction = func(_ interface{}, _ string, _ uint32, err error) {
		lost <- err
	}

	in := &inbox{
		peer:     "server",
		sender:   frag.NewSender(config),
		receiver: frag.NewReceiver(config, 100),
	}
	h := frag.FragmentHeader{ImageId: 9, Sequence: 0, TotalFrags: 2, FragSize: 1024}
	in.deliver(100, append(frag.EncodeFragmentHeader(&h), make([]byte, 1024)...))
	if in.receiver.Pending() != 1 {
		t.Fatal("push should be in progress")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.expire(ctx, time.Millisecond, func() float64 { return 100 + config.TransferTimeout + 1 })

	select {
	case err := <-lost:
		if !errors.Is(err, frag.ErrTransferTimedOut) {
			t.Error("expected a timeout, got", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stalled push never timed out without traffic")
	}
}
