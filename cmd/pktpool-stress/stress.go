package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/irctrakz/pktpool/pkg/buffer"
	"github.com/irctrakz/pktpool/pkg/logging"
	"github.com/irctrakz/pktpool/pkg/manager"
)

type options struct {
	workers int
	perWork int
	size    int
	ports   int
	node    int
	retries int
}

type result struct {
	sent      uint64
	delivered uint64
	dropped   uint64
	corrupt   uint64
	duration  time.Duration
	pools     []buffer.Stats
}

// leaked reports pools whose free list did not return to its initial size.
func (r result) leaked() []buffer.Stats {
	var out []buffer.Stats
	for _, s := range r.pools {
		if s.Free != s.InitialCount || s.AllocCount != s.DeallocCount {
			out = append(out, s)
		}
	}
	return out
}

// egressPort holds shared references waiting to be "transmitted".
type egressPort struct {
	mu      sync.Mutex
	pending *queue.Queue
}

func (p *egressPort) push(b *buffer.PacketBuffer) {
	p.mu.Lock()
	p.pending.Add(b)
	p.mu.Unlock()
}

func (p *egressPort) pop() *buffer.PacketBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending.Length() == 0 {
		return nil
	}
	return p.pending.Remove().(*buffer.PacketBuffer)
}

// echoHeaderLen is the ICMP echo header carried in the data window.
const echoHeaderLen = 8

var (
	srcIP = net.IPv4(10, 0, 0, 1)
	dstIP = net.IPv4(10, 0, 0, 2)
)

// checksum is the RFC 1071 internet checksum.
func checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	if len(data)%2 == 1 {
		sum += uint32(uint16(data[len(data)-1]) << 8)
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// buildPacket writes an ICMP echo into the buffer's data window, then
// prepends an IPv4 header into the headroom without moving the payload.
func buildPacket(b *buffer.PacketBuffer, id, seq int, data []byte) error {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: data},
	}
	body, err := msg.Marshal(nil)
	if err != nil {
		return err
	}
	if b.SetDataLen(len(body)) != len(body) {
		return fmt.Errorf("payload of %d bytes does not fit", len(body))
	}
	copy(b.Data(), body)

	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(body),
		ID:       seq & 0xffff,
		TTL:      64,
		Protocol: 1,
		Src:      srcIP,
		Dst:      dstIP,
	}
	raw, err := h.Marshal()
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(raw[10:12], checksum(raw))

	hdr := b.ReserveHeadroom(len(raw))
	if hdr == nil {
		return fmt.Errorf("headroom %d too small for a %d byte header", b.Headroom(), len(raw))
	}
	copy(hdr, raw)
	return nil
}

// verifyPacket checks what an egress port would put on the wire.
func verifyPacket(b *buffer.PacketBuffer) error {
	pkt := b.Data()
	h, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return err
	}
	if checksum(pkt[:h.Len]) != 0 {
		return fmt.Errorf("bad header checksum")
	}
	if h.TotalLen != len(pkt) {
		return fmt.Errorf("total length %d, window %d", h.TotalLen, len(pkt))
	}
	msg, err := icmp.ParseMessage(1, pkt[h.Len:])
	if err != nil {
		return err
	}
	if msg.Type != ipv4.ICMPTypeEcho {
		return fmt.Errorf("unexpected icmp type %v", msg.Type)
	}
	return nil
}

func run(m *manager.Manager, opts options) result {
	log := logging.Component("stress")
	ports := make([]*egressPort, opts.ports)
	for i := range ports {
		ports[i] = &egressPort{pending: queue.New()}
	}

	var res result
	var sent, delivered, dropped, corrupt atomic.Uint64
	data := make([]byte, opts.size)
	for i := range data {
		data[i] = byte(i)
	}

	var producers, drainers sync.WaitGroup
	var done atomic.Bool
	start := time.Now()

	for i, port := range ports {
		drainers.Add(1)
		go func(i int, port *egressPort) {
			defer drainers.Done()
			for {
				b := port.pop()
				if b == nil {
					if done.Load() {
						// Producers are finished; one last pass empties the queue.
						if b = port.pop(); b == nil {
							return
						}
					} else {
						runtime.Gosched()
						continue
					}
				}
				if err := verifyPacket(b); err != nil {
					corrupt.Add(1)
					log.WithField("port", i).WithError(err).Warn("corrupt packet")
				} else {
					delivered.Add(1)
				}
				m.Deallocate(b)
			}
		}(i, port)
	}

	for w := 0; w < opts.workers; w++ {
		producers.Add(1)
		go func(w int) {
			defer producers.Done()
			for seq := 0; seq < opts.perWork; seq++ {
				var b *buffer.PacketBuffer
				for attempt := 0; attempt <= opts.retries; attempt++ {
					if b = m.Allocate(opts.size+echoHeaderLen, opts.node); b != nil {
						break
					}
					runtime.Gosched()
				}
				if b == nil {
					dropped.Add(1)
					continue
				}
				md := b.Metadata()
				md.SetIngressPort(uint16(w))
				md.SetVLANID(uint16(seq % 4096))
				md.SetRxTimestamp(time.Now())

				if err := buildPacket(b, w, seq, data); err != nil {
					log.WithError(err).Error("build failed")
					dropped.Add(1)
					b.Release()
					continue
				}
				for _, port := range ports {
					port.push(b.AddRef())
				}
				b.Release()
				sent.Add(1)
			}
		}(w)
	}

	producers.Wait()
	done.Store(true)
	drainers.Wait()

	res.duration = time.Since(start)
	res.sent = sent.Load()
	res.delivered = delivered.Load()
	res.dropped = dropped.Load()
	res.corrupt = corrupt.Load()
	res.pools = m.Snapshot()
	return res
}
