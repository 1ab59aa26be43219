package reliability

import (
	"testing"
	"time"

	guuid "github.com/google/uuid"
	"github.com/aetherflow/quantumpacer/internal/quantum/protocol"
	"github.com/aetherflow/quantumpacer/internal/quantum/transport"
)

func newTestPacket(seq uint32) *transport.Packet {
	guid, _ := guuid.NewV7()
	return &transport.Packet{
		Header:  protocol.NewHeader(guid, seq, 0, 0),
		Payload: []byte{byte(seq)},
	}
}

func TestSendBufferRTOStartsAtSeededEstimate(t *testing.T) {
	sb := NewSendBuffer(256)

	// A fresh RTTStats seeds SRTT=100ms, RTTVAR=50ms, so PTO = SRTT+4*RTTVAR
	// = 300ms before any real sample arrives.
	want := 300 * time.Millisecond
	if rto := sb.RTO(); rto != want {
		t.Errorf("fresh send buffer RTO = %v, want %v (seeded estimate)", rto, want)
	}
}

func TestHandleACKUpdatesRTTStats(t *testing.T) {
	sb := NewSendBuffer(256)

	if err := sb.AddPacket(newTestPacket(1)); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	sb.HandleACK(2, nil)

	if sb.SRTT() <= 0 {
		t.Errorf("SRTT should be positive after an ACK, got %v", sb.SRTT())
	}
	if sb.RTTStats().SmoothedRTT() != sb.SRTT() {
		t.Error("SRTT() and RTTStats().SmoothedRTT() should agree")
	}
}

func TestHandleACKViaSACKUpdatesRTTStats(t *testing.T) {
	sb := NewSendBuffer(256)

	for seq := uint32(1); seq <= 3; seq++ {
		if err := sb.AddPacket(newTestPacket(seq)); err != nil {
			t.Fatalf("AddPacket(%d): %v", seq, err)
		}
	}

	time.Sleep(5 * time.Millisecond)
	acked := sb.HandleACK(1, []protocol.SACKBlock{{Start: 2, End: 3}})

	if len(acked) != 2 {
		t.Fatalf("expected 2 SACKed packets, got %d", len(acked))
	}
	if sb.SRTT() <= 0 {
		t.Errorf("SRTT should be positive after a SACK, got %v", sb.SRTT())
	}
}

func TestRTOClampedToMaxRTO(t *testing.T) {
	sb := NewSendBuffer(256)

	if err := sb.AddPacket(newTestPacket(1)); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}

	sb.rtt.Update(10 * time.Minute)

	if rto := sb.RTO(); rto != MaxRTO {
		t.Errorf("RTO = %v, want clamped to %v", rto, MaxRTO)
	}
}

func TestDetectLostPacketsTimesOutAfterRTO(t *testing.T) {
	sb := NewSendBuffer(256)

	if err := sb.AddPacket(newTestPacket(1)); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}

	sb.mu.Lock()
	sb.packets[1].Timeout = time.Now().Add(-time.Millisecond)
	sb.mu.Unlock()

	_, timeoutRetrans := sb.DetectLostPackets()
	if len(timeoutRetrans) != 1 {
		t.Fatalf("expected 1 timed-out packet, got %d", len(timeoutRetrans))
	}
}

func TestResetClearsRTTStats(t *testing.T) {
	sb := NewSendBuffer(256)

	if err := sb.AddPacket(newTestPacket(1)); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	sb.HandleACK(2, nil)

	sb.Reset()

	want := 300 * time.Millisecond // the seeded RTTStats estimate, see TestSendBufferRTOStartsAtSeededEstimate
	if rto := sb.RTO(); rto != want {
		t.Errorf("RTO after Reset = %v, want %v", rto, want)
	}
	if stats := sb.Statistics(); stats["total_sent"] != 0 {
		t.Errorf("total_sent after Reset = %d, want 0", stats["total_sent"])
	}
}
