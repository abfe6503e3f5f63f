package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/verso/protocol"
)

var WriteBatchBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "verso",
	Subsystem: "network",
	Name:      "write_batch_bytes",
	Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
})

var ReadBufferBytes = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "verso",
	Subsystem: "network",
	Name:      "read_buffer_bytes",
})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{WriteBatchBytes, ReadBufferBytes}
}

var ErrRecordTooBig = errors.New("verso: record does not fit the read buffer")

// Peer moves bytes between one connection and its Link: a read loop
// splits the stream into records, a write loop sends what the Link feeds.
type Peer struct {
	closed atomic.Bool
	wg     sync.WaitGroup
	once   sync.Once

	conn          net.Conn
	link          Link
	bufferMaxSize int
	writeTimeout  time.Duration
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	for !p.closed.Load() {
		if buf.Available() < TYPICAL_MTU {
			buf.Grow(TYPICAL_MTU)
		}
		idle := buf.AvailableBuffer()[:buf.Available()]
		n, err := p.conn.Read(idle)
		if n > 0 {
			buf.Write(idle[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		ReadBufferBytes.Set(float64(buf.Len()))
		recs, err := protocol.Split(&buf)
		if err != nil {
			return err
		}
		if buf.Len() >= p.bufferMaxSize {
			return ErrRecordTooBig
		}
		if len(recs) == 0 {
			continue
		}
		if err := p.link.Drain(ctx, recs); err != nil {
			return err
		}
	}
	return nil
}

// keepWrite sends every batch the Link feeds with one vectored write.
func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() && ctx.Err() == nil {
		recs, err := p.link.Feed(ctx)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			continue
		}
		WriteBatchBytes.Observe(float64(recs.TotalLen()))
		if p.writeTimeout != 0 {
			p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		b := net.Buffers(recs)
		if _, err = b.WriteTo(p.conn); err != nil {
			return err
		}
	}
	return nil
}

// Keep runs both loops until either ends. The connection is closed once
// writing stops, which ends the read loop too.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(1)
	defer p.wg.Done()
	if p.closed.Load() {
		return nil, nil, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				rerr = nil
			}
			// stop the writer blocked in Feed
			cancel()
		case werr = <-writeErrCh:
			if errors.Is(werr, context.Canceled) {
				werr = nil
			}
			cerr = p.conn.Close()
		}
		p.closed.Store(true)
	}
	return
}

func (p *Peer) Close() {
	p.closed.Store(true)
	_ = p.conn.Close()
	p.wg.Wait()
	p.once.Do(func() { _ = p.link.Close() })
}
