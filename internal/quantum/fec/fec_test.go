package fec

import (
	"bytes"
	"testing"

	"github.com/aetherflow/quantumpacer/internal/quantum/pacing"
)

func TestGroupHeaderRoundTrip(t *testing.T) {
	h := GroupHeader{GroupID: 42, ParityShards: 3, ShardIndex: 7, IsParity: true}

	encoded := EncodeGroupHeader(h)
	if len(encoded) != GroupHeaderSize {
		t.Fatalf("encoded header should be %d bytes, got %d", GroupHeaderSize, len(encoded))
	}

	payload := append(encoded, []byte("shard-bytes")...)

	decoded, rest, err := DecodeGroupHeader(payload)
	if err != nil {
		t.Fatalf("DecodeGroupHeader failed: %v", err)
	}
	if decoded != h {
		t.Errorf("decoded header %+v does not match original %+v", decoded, h)
	}
	if string(rest) != "shard-bytes" {
		t.Errorf("remaining bytes = %q, want %q", rest, "shard-bytes")
	}
}

func TestDecodeGroupHeaderTooShort(t *testing.T) {
	if _, _, err := DecodeGroupHeader([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeGroupHeader should reject a payload shorter than GroupHeaderSize")
	}
}

func TestEncoderDecoderRecoversLostShards(t *testing.T) {
	config := &Config{DataShards: 4, ParityShards: 2}

	encoder, err := NewEncoder(config)
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}

	decoder, err := NewDecoder(config)
	if err != nil {
		t.Fatalf("Failed to create decoder: %v", err)
	}

	testData := [][]byte{
		[]byte("packet1"),
		[]byte("packet2"),
		[]byte("packet3"),
		[]byte("packet4"),
	}

	var groupID uint64
	var parityCount int
	var parityShards [][]byte
	shardIndex := make([]int, len(testData))
	for i, data := range testData {
		gid, idx, pc, parity, err := encoder.AddData(data)
		if err != nil {
			t.Fatalf("Failed to add data: %v", err)
		}
		shardIndex[i] = idx
		parityCount = pc
		if parity != nil {
			groupID = gid
			parityShards = parity
		}
	}

	if parityShards == nil {
		t.Fatal("Should have generated parity shards")
	}
	if len(parityShards) != config.ParityShards {
		t.Errorf("Expected %d parity shards, got %d", config.ParityShards, len(parityShards))
	}

	// Simulate packet loss: lose shard 1 and shard 3, recover from the rest.
	for _, i := range []int{0, 2} {
		h := GroupHeader{GroupID: groupID, ParityShards: uint8(parityCount), ShardIndex: uint8(shardIndex[i]), IsParity: false}
		if _, err := decoder.AddShard(h, testData[i]); err != nil {
			t.Fatalf("AddShard(data %d) failed: %v", i, err)
		}
	}

	var recovered [][]byte
	for i, parity := range parityShards {
		h := GroupHeader{GroupID: groupID, ParityShards: uint8(parityCount), ShardIndex: uint8(i), IsParity: true}
		rec, err := decoder.AddShard(h, parity)
		if err != nil {
			t.Fatalf("Failed to add parity shard: %v", err)
		}
		if rec != nil {
			recovered = rec
		}
	}

	if recovered == nil {
		t.Fatal("Should have recovered data")
	}
	if len(recovered) != config.DataShards {
		t.Errorf("Expected %d recovered shards, got %d", config.DataShards, len(recovered))
	}

	for i, original := range testData {
		if !bytes.HasPrefix(recovered[i], original) {
			t.Errorf("Recovered data %d does not match original", i)
		}
	}
}

func TestEncoderSingleGroup(t *testing.T) {
	encoder, err := NewEncoder(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}

	dataCount := DefaultDataShards
	for i := 0; i < dataCount-1; i++ {
		_, _, _, parity, err := encoder.AddData([]byte("test data"))
		if err != nil {
			t.Fatalf("Failed to add data %d: %v", i, err)
		}
		if parity != nil {
			t.Errorf("Should not generate parity until group is complete (at %d)", i)
		}
	}

	gid, _, parityCount, parity, err := encoder.AddData([]byte("test data"))
	if err != nil {
		t.Fatalf("Failed to add last data: %v", err)
	}
	if parity == nil {
		t.Error("Should generate parity when group is complete")
	}
	if gid == 0 {
		t.Error("Should return non-zero group ID when complete")
	}
	if len(parity) != DefaultParityShards {
		t.Errorf("Expected %d parity shards, got %d", DefaultParityShards, len(parity))
	}
	if parityCount != DefaultParityShards {
		t.Errorf("parityCount = %d, want %d", parityCount, DefaultParityShards)
	}
}

func TestAdaptRedundancyLowBandwidthClampsToMin(t *testing.T) {
	encoder, err := NewEncoder(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}

	lowBandwidth := pacing.BandwidthFromKBitsPerSecond(100)
	encoder.AdaptRedundancy(lowBandwidth, 0)

	if _, parityShards := encoder.GetConfig(); parityShards != MinParityShards {
		t.Errorf("low-bandwidth redundancy = %d, want %d", parityShards, MinParityShards)
	}
}

func TestAdaptRedundancyHighLossClampsToMax(t *testing.T) {
	encoder, err := NewEncoder(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}

	plentifulBandwidth := pacing.BandwidthFromKBitsPerSecond(100_000)
	encoder.AdaptRedundancy(plentifulBandwidth, HighLossRateThreshold+0.01)

	if _, parityShards := encoder.GetConfig(); parityShards != MaxParityShards {
		t.Errorf("high-loss redundancy = %d, want %d", parityShards, MaxParityShards)
	}
}

func TestAdaptRedundancyResetsInFlightGroup(t *testing.T) {
	encoder, err := NewEncoder(&Config{DataShards: 4, ParityShards: 2})
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}

	if _, _, _, _, err := encoder.AddData([]byte("partial shard")); err != nil {
		t.Fatalf("AddData failed: %v", err)
	}

	encoder.AdaptRedundancy(pacing.BandwidthFromKBitsPerSecond(100), 0)

	// The next AddData call must start a fresh group at shard index 0,
	// not continue the group that was in flight under the old redundancy.
	_, shardIndex, _, _, err := encoder.AddData([]byte("first shard of new group"))
	if err != nil {
		t.Fatalf("AddData after adapt failed: %v", err)
	}
	if shardIndex != 0 {
		t.Errorf("shard index after AdaptRedundancy = %d, want 0 (fresh group)", shardIndex)
	}
}

func TestDecoderHandlesDifferentRedundancyAcrossGroups(t *testing.T) {
	decoder, err := NewDecoder(&Config{DataShards: 2, ParityShards: 1})
	if err != nil {
		t.Fatalf("Failed to create decoder: %v", err)
	}

	// Group 1 announces 1 parity shard; group 2 announces 3.
	h1 := GroupHeader{GroupID: 1, ParityShards: 1, ShardIndex: 0, IsParity: false}
	if _, err := decoder.AddShard(h1, []byte("a")); err != nil {
		t.Fatalf("AddShard group 1 failed: %v", err)
	}

	h2 := GroupHeader{GroupID: 2, ParityShards: 3, ShardIndex: 0, IsParity: false}
	if _, err := decoder.AddShard(h2, []byte("b")); err != nil {
		t.Fatalf("AddShard group 2 failed: %v", err)
	}

	stats := decoder.Statistics()
	if stats["active_groups"] != 2 {
		t.Errorf("expected 2 active groups, got %d", stats["active_groups"])
	}
}

func TestDecoderCleanup(t *testing.T) {
	decoder, err := NewDecoder(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create decoder: %v", err)
	}

	for groupID := uint64(1); groupID <= 10; groupID++ {
		h := GroupHeader{GroupID: groupID, ParityShards: uint8(DefaultParityShards), ShardIndex: 0, IsParity: false}
		decoder.AddShard(h, []byte("test"))
	}

	stats := decoder.Statistics()
	if stats["active_groups"] != 10 {
		t.Errorf("Expected 10 active groups, got %d", stats["active_groups"])
	}

	decoder.CleanupOldGroups(5)

	stats = decoder.Statistics()
	if stats["active_groups"] != 5 {
		t.Errorf("After cleanup, expected 5 active groups, got %d", stats["active_groups"])
	}
}

func TestCalculateOverhead(t *testing.T) {
	tests := []struct {
		data   int
		parity int
		want   float64
	}{
		{10, 3, 0.3},
		{4, 2, 0.5},
		{10, 0, 0.0},
	}

	for _, tt := range tests {
		got := CalculateOverhead(tt.data, tt.parity)
		if got != tt.want {
			t.Errorf("CalculateOverhead(%d, %d) = %f, want %f", tt.data, tt.parity, got, tt.want)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	_, err := NewEncoder(&Config{DataShards: 0, ParityShards: 2})
	if err == nil {
		t.Error("Should reject 0 data shards")
	}

	_, err = NewEncoder(&Config{DataShards: 300, ParityShards: 2})
	if err == nil {
		t.Error("Should reject too many data shards")
	}

	_, err = NewEncoder(&Config{DataShards: 10, ParityShards: -1})
	if err == nil {
		t.Error("Should reject negative parity shards")
	}
}
