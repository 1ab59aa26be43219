// Package reliability implements reliable delivery mechanisms for Quantum protocol
package reliability

import (
	"sync"
	"time"

	"github.com/aetherflow/quantumpacer/internal/quantum/protocol"
	"github.com/aetherflow/quantumpacer/internal/quantum/rttstats"
	"github.com/aetherflow/quantumpacer/internal/quantum/transport"
)

const (
	// FastRetransmitThreshold is the number of duplicate ACKs to trigger fast retransmit
	FastRetransmitThreshold = 3

	// DefaultRTO is not consulted by SendBuffer: a fresh buffer's RTO is
	// derived from the seeded RTTStats estimate (see currentRTO).
	DefaultRTO = 1 * time.Second

	// MinRTO is the minimum retransmission timeout
	MinRTO = 200 * time.Millisecond

	// MaxRTO is the maximum retransmission timeout
	MaxRTO = 60 * time.Second
)

// SentPacket represents a packet that has been sent but not yet acknowledged
type SentPacket struct {
	Packet       *transport.Packet
	SeqNum       uint32
	SendTime     time.Time
	RetransCount int
	Timeout      time.Time
	Acked        bool
	DupAckCount  int // For fast retransmit
}

// SendBuffer manages sent but unacknowledged packets
type SendBuffer struct {
	mu sync.RWMutex

	// Sent packets keyed by sequence number
	packets map[uint32]*SentPacket

	// Send window parameters
	nextSeqNum uint32 // Next sequence number to use
	sendBase   uint32 // Oldest unacknowledged sequence number
	sendWindow uint32 // Maximum number of unacknowledged packets

	// RTT estimation, shared with the congestion controller and pacer
	rtt *rttstats.RTTStats

	// Statistics
	totalSent      uint64
	totalRetrans   uint64
	fastRetrans    uint64
	timeoutRetrans uint64
}

// NewSendBuffer creates a new send buffer
func NewSendBuffer(windowSize uint32) *SendBuffer {
	return &SendBuffer{
		packets:    make(map[uint32]*SentPacket),
		nextSeqNum: 1, // Start from 1, 0 is reserved
		sendBase:   1,
		sendWindow: windowSize,
		rtt:        rttstats.New(),
	}
}

// NextSeqNum returns the next sequence number to use
func (sb *SendBuffer) NextSeqNum() uint32 {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.nextSeqNum
}

// WindowAvailable returns the number of packets that can be sent
func (sb *SendBuffer) WindowAvailable() uint32 {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	inFlight := sb.nextSeqNum - sb.sendBase
	if inFlight >= sb.sendWindow {
		return 0
	}
	return sb.sendWindow - inFlight
}

// CanSend checks if a packet can be sent (window not full)
func (sb *SendBuffer) CanSend() bool {
	return sb.WindowAvailable() > 0
}

// AddPacket adds a packet to the send buffer
func (sb *SendBuffer) AddPacket(packet *transport.Packet) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	seqNum := sb.nextSeqNum
	
	sentPkt := &SentPacket{
		Packet:       packet,
		SeqNum:       seqNum,
		SendTime:     time.Now(),
		RetransCount: 0,
		Timeout:      time.Now().Add(sb.currentRTO()),
		Acked:        false,
		DupAckCount:  0,
	}

	sb.packets[seqNum] = sentPkt
	sb.nextSeqNum++
	sb.totalSent++

	return nil
}

// HandleACK processes an acknowledgment
func (sb *SendBuffer) HandleACK(ackNum uint32, sackBlocks []protocol.SACKBlock) []uint32 {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	var ackedSeqNums []uint32

	// Process cumulative ACK
	for seq := sb.sendBase; seq < ackNum && seq < sb.nextSeqNum; seq++ {
		if pkt, exists := sb.packets[seq]; exists && !pkt.Acked {
			pkt.Acked = true
			ackedSeqNums = append(ackedSeqNums, seq)
			
			// Update RTT estimation
			sb.rtt.Update(time.Since(pkt.SendTime))
		}
	}

	// Process SACK blocks
	for _, block := range sackBlocks {
		for seq := block.Start; seq <= block.End && seq < sb.nextSeqNum; seq++ {
			if pkt, exists := sb.packets[seq]; exists && !pkt.Acked {
				pkt.Acked = true
				ackedSeqNums = append(ackedSeqNums, seq)
				
				// Update RTT estimation
				sb.rtt.Update(time.Since(pkt.SendTime))
			}
		}
	}

	// Update send base to the smallest unacknowledged sequence number
	for seq := sb.sendBase; seq < sb.nextSeqNum; seq++ {
		if pkt, exists := sb.packets[seq]; exists && !pkt.Acked {
			sb.sendBase = seq
			break
		}
		// Clean up acknowledged packets
		delete(sb.packets, seq)
		sb.sendBase = seq + 1
	}

	return ackedSeqNums
}

// DetectLostPackets detects packets that should be retransmitted
// Returns packets for fast retransmit and timeout retransmit
func (sb *SendBuffer) DetectLostPackets() (fastRetrans, timeoutRetrans []*transport.Packet) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	now := time.Now()
	highestAcked := sb.findHighestAcked()

	for seq := sb.sendBase; seq < sb.nextSeqNum; seq++ {
		pkt, exists := sb.packets[seq]
		if !exists || pkt.Acked {
			continue
		}

		// Fast retransmit: packet is likely lost if packets after it have been acked
		if seq < highestAcked && (highestAcked-seq) >= FastRetransmitThreshold {
			fastRetrans = append(fastRetrans, pkt.Packet)
			pkt.RetransCount++
			pkt.SendTime = now
			pkt.Timeout = now.Add(sb.currentRTO())
			sb.totalRetrans++
			sb.fastRetrans++
			continue
		}

		// Timeout retransmit: packet has exceeded RTO
		if now.After(pkt.Timeout) {
			timeoutRetrans = append(timeoutRetrans, pkt.Packet)
			pkt.RetransCount++
			pkt.SendTime = now
			// Exponential backoff for timeout
			pkt.Timeout = now.Add(sb.currentRTO() * time.Duration(1<<minInt(pkt.RetransCount, 5)))
			sb.totalRetrans++
			sb.timeoutRetrans++
		}
	}

	return fastRetrans, timeoutRetrans
}

// findHighestAcked finds the highest acknowledged sequence number
func (sb *SendBuffer) findHighestAcked() uint32 {
	highest := sb.sendBase
	for seq := sb.sendBase; seq < sb.nextSeqNum; seq++ {
		if pkt, exists := sb.packets[seq]; exists && pkt.Acked {
			highest = seq
		}
	}
	return highest
}

// currentRTO derives the retransmission timeout from the shared RTT
// estimate (RFC 6298's SRTT + 4*RTTVAR), clamped to [MinRTO, MaxRTO]. Must
// be called with sb.mu held.
func (sb *SendBuffer) currentRTO() time.Duration {
	rto := sb.rtt.PTO()
	if rto < MinRTO {
		return MinRTO
	}
	if rto > MaxRTO {
		return MaxRTO
	}
	return rto
}

// RTO returns the current retransmission timeout
func (sb *SendBuffer) RTO() time.Duration {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.currentRTO()
}

// SRTT returns the current smoothed RTT
func (sb *SendBuffer) SRTT() time.Duration {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.rtt.SmoothedRTT()
}

// RTTStats exposes the shared RTT estimate so the congestion controller and
// pacer can consume it directly instead of re-deriving it from SRTT/RTO.
func (sb *SendBuffer) RTTStats() *rttstats.RTTStats {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.rtt
}

// UpdateWindow updates the send window size
func (sb *SendBuffer) UpdateWindow(size uint32) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.sendWindow = size
}

// GetWindow returns the current send window size
func (sb *SendBuffer) GetWindow() uint32 {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.sendWindow
}

// Statistics returns send buffer statistics
func (sb *SendBuffer) Statistics() map[string]uint64 {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	
	return map[string]uint64{
		"total_sent":        sb.totalSent,
		"total_retrans":     sb.totalRetrans,
		"fast_retrans":      sb.fastRetrans,
		"timeout_retrans":   sb.timeoutRetrans,
		"in_flight":         uint64(len(sb.packets)),
		"window_size":       uint64(sb.sendWindow),
	}
}

// Reset resets the send buffer
func (sb *SendBuffer) Reset() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	
	sb.packets = make(map[uint32]*SentPacket)
	sb.nextSeqNum = 1
	sb.sendBase = 1
	sb.rtt = rttstats.New()
}

// Helper function for min
func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

