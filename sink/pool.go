package sink

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull  = errors.New("sink queue full")
	ErrPoolClosed = errors.New("sink pool closed")
)

const (
	CounterBlobsProcessed = iota
	CounterBlobsFailed
	CounterBlobsDropped
	CounterMax
)

type job struct {
	peer    string
	imageId uint32
	blob    []byte
}

// Pool runs a Sink on a fixed number of workers so slow sinks never stall the receive loop.
// When every worker is busy and the queue is full, blobs are dropped rather than waited for.
type Pool struct {
	Name     string
	Sink     Sink
	Counters [CounterMax]uint64

	jobs   chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewPool(name string, sink Sink, workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		Name: name,
		Sink: sink,
		jobs: make(chan job, queue),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		if err := p.Sink.OnBlobComplete(j.peer, j.imageId, j.blob); err != nil {
			atomic.AddUint64(&p.Counters[CounterBlobsFailed], 1)
			log.Errorf("[%s] sink failed for image %d from %s: %v", p.Name, j.imageId, j.peer, err)
			continue
		}
		atomic.AddUint64(&p.Counters[CounterBlobsProcessed], 1)
	}
}

// Submit queues a blob without blocking.
func (p *Pool) Submit(peer string, imageId uint32, blob []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job{peer: peer, imageId: imageId, blob: blob}:
		return nil
	default:
		atomic.AddUint64(&p.Counters[CounterBlobsDropped], 1)
		return fmt.Errorf("%w: dropping image %d from %s", ErrQueueFull, imageId, peer)
	}
}

// ProcessBlob submits blob and logs a refusal. It matches frag.Config.ProcessBlobFunction.
func (p *Pool) ProcessBlob(_ interface{}, peer string, imageId uint32, blob []byte) {
	if err := p.Submit(peer, imageId, blob); err != nil {
		log.Warningf("[%s] %v", p.Name, err)
	}
}

func (p *Pool) Counter(counter int) uint64 {
	return atomic.LoadUint64(&p.Counters[counter])
}

// Close stops accepting blobs and waits for the queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
