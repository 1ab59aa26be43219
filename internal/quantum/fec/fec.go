// Package fec implements Forward Error Correction using Reed-Solomon
// encoding. Unlike a fixed-redundancy FEC layer, the parity-shard count
// here is adapted from the pacer's bandwidth estimate and the observed
// loss rate: a congested or bandwidth-starved link can't afford parity
// traffic competing with application data, while a lossy one recovers
// better with more of it. The current redundancy level travels on the
// wire per group (see GroupHeader) so a decoder never needs to be told
// out of band that the sender changed its mind.
package fec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/aetherflow/quantumpacer/internal/quantum/pacing"
	"github.com/klauspost/reedsolomon"
)

const (
	// DefaultDataShards is the default number of data shards per group
	DefaultDataShards = 10

	// DefaultParityShards is the starting redundancy level before any
	// AdaptRedundancy call has run
	DefaultParityShards = 3

	// MaxShardSize is the maximum size of a single shard
	MaxShardSize = 1400

	// MinParityShards is the floor AdaptRedundancy will not go below,
	// chosen to still recover a single lost shard on a starved link.
	MinParityShards = 1

	// MaxParityShards is the ceiling AdaptRedundancy will not exceed,
	// regardless of loss rate.
	MaxParityShards = 8

	// LowBandwidthThresholdKbps mirrors pacing.LumpyPacingMinBandwidthKbps:
	// below this estimated bottleneck bandwidth, parity shards compete
	// directly with application data for a scarce link, so redundancy is
	// trimmed to MinParityShards.
	LowBandwidthThresholdKbps = 1200

	// HighLossRateThreshold is the loss rate above which AdaptRedundancy
	// raises the parity count toward MaxParityShards instead of
	// DefaultParityShards.
	HighLossRateThreshold = 0.05
)

// GroupHeader is prefixed onto every FEC-tagged packet's payload so a
// decoder can size a group's reconstruction state without needing to be
// told out of band what redundancy level the sender is currently using.
type GroupHeader struct {
	GroupID      uint64
	ParityShards uint8
	ShardIndex   uint8
	IsParity     bool
}

// GroupHeaderSize is the encoded size of a GroupHeader.
const GroupHeaderSize = 11

// EncodeGroupHeader serializes h onto the front of an FEC packet payload.
func EncodeGroupHeader(h GroupHeader) []byte {
	buf := make([]byte, GroupHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], h.GroupID)
	buf[8] = h.ParityShards
	buf[9] = h.ShardIndex
	if h.IsParity {
		buf[10] = 1
	}
	return buf
}

// DecodeGroupHeader parses a GroupHeader off the front of data, returning
// the remaining shard bytes.
func DecodeGroupHeader(data []byte) (GroupHeader, []byte, error) {
	if len(data) < GroupHeaderSize {
		return GroupHeader{}, nil, fmt.Errorf("fec: payload too short for group header: %d bytes", len(data))
	}
	h := GroupHeader{
		GroupID:      binary.BigEndian.Uint64(data[0:8]),
		ParityShards: data[8],
		ShardIndex:   data[9],
		IsParity:     data[10] != 0,
	}
	return h, data[GroupHeaderSize:], nil
}

// Encoder handles FEC encoding for outgoing packets
type Encoder struct {
	mu sync.Mutex

	dataShards   int
	parityShards int // current redundancy level; adapted by AdaptRedundancy
	encoder      reedsolomon.Encoder

	// Current encoding group
	currentGroup *EncodingGroup
	groupID      uint64
}

// Decoder handles FEC decoding for incoming packets. Unlike Encoder, it
// does not carry a single fixed parityShards value: the redundancy level
// for each group arrives in that group's GroupHeader, so the decoder
// keeps a small cache of Reed-Solomon instances keyed by parity count.
type Decoder struct {
	mu sync.RWMutex

	dataShards int

	rsCache map[int]reedsolomon.Encoder

	// Active decoding groups
	groups map[uint64]*DecodingGroup

	// Statistics
	totalRecovered uint64
	failedRecovery uint64
}

// EncodingGroup represents a group of packets being encoded
type EncodingGroup struct {
	GroupID      uint64
	DataShards   [][]byte
	ParityShards [][]byte
	ParityCount  int // redundancy level this group was created with
	Count        int
	Complete     bool
}

// DecodingGroup represents a group of packets being decoded
type DecodingGroup struct {
	GroupID       uint64
	DataShards    [][]byte
	ParityShards  [][]byte
	ParityCount   int // redundancy level announced by the group's shards
	ReceivedMask  []bool
	ReceivedCount int
	Complete      bool
}

// Config contains configuration for FEC
type Config struct {
	DataShards   int
	ParityShards int
}

// DefaultConfig returns default FEC configuration
func DefaultConfig() *Config {
	return &Config{
		DataShards:   DefaultDataShards,
		ParityShards: DefaultParityShards,
	}
}

// NewEncoder creates a new FEC encoder
func NewEncoder(config *Config) (*Encoder, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if config.DataShards < 1 || config.DataShards > 256 {
		return nil, fmt.Errorf("invalid data shards: %d (must be 1-256)", config.DataShards)
	}

	if config.ParityShards < 0 || config.ParityShards > 256 {
		return nil, fmt.Errorf("invalid parity shards: %d (must be 0-256)", config.ParityShards)
	}

	enc, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}

	return &Encoder{
		dataShards:   config.DataShards,
		parityShards: config.ParityShards,
		encoder:      enc,
		groupID:      1,
	}, nil
}

// AddData adds a data packet to the current encoding group. It always
// returns the group ID and shard index assigned to data, along with the
// redundancy level (ParityCount) the caller must embed in every shard of
// this group. parityShards is populated only once the group fills up.
func (e *Encoder) AddData(data []byte) (groupID uint64, shardIndex int, parityCount int, parityShards [][]byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Initialize new group if needed
	if e.currentGroup == nil || e.currentGroup.Complete {
		e.currentGroup = &EncodingGroup{
			GroupID:     e.groupID,
			DataShards:  make([][]byte, e.dataShards),
			ParityCount: e.parityShards,
			Count:       0,
			Complete:    false,
		}
		e.groupID++
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	idx := e.currentGroup.Count
	e.currentGroup.DataShards[idx] = dataCopy
	e.currentGroup.Count++

	groupID = e.currentGroup.GroupID
	shardIndex = idx
	parityCount = e.currentGroup.ParityCount

	if e.currentGroup.Count == e.dataShards {
		if err := e.encodeGroup(); err != nil {
			return groupID, shardIndex, parityCount, nil, fmt.Errorf("failed to encode group: %w", err)
		}

		e.currentGroup.Complete = true
		return groupID, shardIndex, parityCount, e.currentGroup.ParityShards, nil
	}

	return groupID, shardIndex, parityCount, nil, nil
}

// encodeGroup generates parity shards for the current group using the
// encoder's current Reed-Solomon instance. Safe because currentGroup is
// always rebuilt fresh right after AdaptRedundancy changes e.encoder (see
// AdaptRedundancy), so a group's ParityCount never drifts from what
// e.encoder was built for during the group's lifetime.
func (e *Encoder) encodeGroup() error {
	maxLen := 0
	for _, shard := range e.currentGroup.DataShards {
		if len(shard) > maxLen {
			maxLen = len(shard)
		}
	}

	for i := range e.currentGroup.DataShards {
		if len(e.currentGroup.DataShards[i]) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, e.currentGroup.DataShards[i])
			e.currentGroup.DataShards[i] = padded
		}
	}

	e.currentGroup.ParityShards = make([][]byte, e.currentGroup.ParityCount)
	for i := range e.currentGroup.ParityShards {
		e.currentGroup.ParityShards[i] = make([]byte, maxLen)
	}

	allShards := append(e.currentGroup.DataShards, e.currentGroup.ParityShards...)

	if err := e.encoder.Encode(allShards); err != nil {
		return fmt.Errorf("Reed-Solomon encoding failed: %w", err)
	}

	e.currentGroup.ParityShards = allShards[e.dataShards:]

	return nil
}

// AdaptRedundancy recomputes the parity-shard count used for the next
// encoding group. When the count changes, the current in-flight group, if
// any, is discarded rather than resized mid-flight, since a group's shard
// count must stay fixed for the Reed-Solomon math to reconstruct it later;
// the data shards already added to it never get parity shards.
func (e *Encoder) AdaptRedundancy(btlBw pacing.Bandwidth, lossRate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	target := DefaultParityShards
	switch {
	case btlBw < pacing.BandwidthFromKBitsPerSecond(LowBandwidthThresholdKbps):
		target = MinParityShards
	case lossRate > HighLossRateThreshold:
		target = MaxParityShards
	}
	if target > e.dataShards {
		target = e.dataShards
	}
	if target < MinParityShards {
		target = MinParityShards
	}
	if target == e.parityShards {
		return
	}

	enc, err := reedsolomon.New(e.dataShards, target)
	if err != nil {
		return // keep the previous, known-good configuration
	}
	e.encoder = enc
	e.parityShards = target
	e.currentGroup = nil
}

// Reset resets the encoder state
func (e *Encoder) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentGroup = nil
}

// GetConfig returns the encoder configuration
func (e *Encoder) GetConfig() (dataShards, parityShards int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dataShards, e.parityShards
}

// NewDecoder creates a new FEC decoder
func NewDecoder(config *Config) (*Decoder, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if config.DataShards < 1 || config.DataShards > 256 {
		return nil, fmt.Errorf("invalid data shards: %d (must be 1-256)", config.DataShards)
	}

	if config.ParityShards < 0 || config.ParityShards > 256 {
		return nil, fmt.Errorf("invalid parity shards: %d (must be 0-256)", config.ParityShards)
	}

	// Pre-warm the cache with the configured default; AddShard lazily
	// builds others as groups announce different redundancy levels.
	enc, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}

	return &Decoder{
		dataShards: config.DataShards,
		rsCache:    map[int]reedsolomon.Encoder{config.ParityShards: enc},
		groups:     make(map[uint64]*DecodingGroup),
	}, nil
}

// rsEncoderFor returns (creating and caching if needed) the Reed-Solomon
// instance for a given parity-shard count. Must be called with d.mu held.
func (d *Decoder) rsEncoderFor(parityShards int) (reedsolomon.Encoder, error) {
	if enc, ok := d.rsCache[parityShards]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(d.dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon decoder for %d parity shards: %w", parityShards, err)
	}
	d.rsCache[parityShards] = enc
	return enc, nil
}

// AddShard adds a data or parity shard, identified by h, to its decoding
// group. Once enough shards have arrived it returns all of the group's
// data shards (those received plus any reconstructed), or nil if more
// shards are needed.
func (d *Decoder) AddShard(h GroupHeader, data []byte) (recovered [][]byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	group, exists := d.groups[h.GroupID]
	if !exists {
		group = &DecodingGroup{
			GroupID:      h.GroupID,
			ParityCount:  int(h.ParityShards),
			DataShards:   make([][]byte, d.dataShards),
			ParityShards: make([][]byte, h.ParityShards),
			ReceivedMask: make([]bool, d.dataShards+int(h.ParityShards)),
		}
		d.groups[h.GroupID] = group
	}

	if group.Complete {
		return nil, nil
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	var maskIndex int
	if h.IsParity {
		idx := int(h.ShardIndex)
		if idx < 0 || idx >= group.ParityCount {
			return nil, fmt.Errorf("invalid parity shard index: %d", idx)
		}
		group.ParityShards[idx] = dataCopy
		maskIndex = d.dataShards + idx
	} else {
		idx := int(h.ShardIndex)
		if idx < 0 || idx >= d.dataShards {
			return nil, fmt.Errorf("invalid data shard index: %d", idx)
		}
		group.DataShards[idx] = dataCopy
		maskIndex = idx
	}

	if !group.ReceivedMask[maskIndex] {
		group.ReceivedMask[maskIndex] = true
		group.ReceivedCount++
	}

	if group.ReceivedCount >= d.dataShards {
		enc, err := d.rsEncoderFor(group.ParityCount)
		if err != nil {
			d.failedRecovery++
			return nil, err
		}
		if err := d.reconstructGroup(group, enc); err != nil {
			d.failedRecovery++
			return nil, fmt.Errorf("failed to reconstruct group: %w", err)
		}

		group.Complete = true
		d.totalRecovered += uint64(d.dataShards - group.countReceivedData())

		return group.DataShards, nil
	}

	return nil, nil
}

// reconstructGroup attempts to reconstruct missing shards using enc, the
// Reed-Solomon instance matching this group's announced redundancy level.
func (d *Decoder) reconstructGroup(group *DecodingGroup, enc reedsolomon.Encoder) error {
	allShards := make([][]byte, d.dataShards+group.ParityCount)
	copy(allShards[:d.dataShards], group.DataShards)
	copy(allShards[d.dataShards:], group.ParityShards)

	if err := enc.Reconstruct(allShards); err != nil {
		return fmt.Errorf("Reed-Solomon reconstruction failed: %w", err)
	}

	ok, err := enc.Verify(allShards)
	if err != nil {
		return fmt.Errorf("failed to verify reconstruction: %w", err)
	}
	if !ok {
		return fmt.Errorf("reconstruction verification failed")
	}

	for i := 0; i < d.dataShards; i++ {
		if group.DataShards[i] == nil {
			group.DataShards[i] = allShards[i]
		}
	}

	return nil
}

// countReceivedData counts how many data shards were received (not reconstructed)
func (group *DecodingGroup) countReceivedData() int {
	count := 0
	for i := 0; i < len(group.DataShards); i++ {
		if group.ReceivedMask[i] {
			count++
		}
	}
	return count
}

// CleanupOldGroups removes old decoding groups to prevent memory leaks
func (d *Decoder) CleanupOldGroups(keepLatest int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.groups) <= keepLatest {
		return
	}

	groupIDs := make([]uint64, 0, len(d.groups))
	for id := range d.groups {
		groupIDs = append(groupIDs, id)
	}

	for i := 0; i < len(groupIDs)-1; i++ {
		for j := i + 1; j < len(groupIDs); j++ {
			if groupIDs[i] > groupIDs[j] {
				groupIDs[i], groupIDs[j] = groupIDs[j], groupIDs[i]
			}
		}
	}

	toRemove := len(groupIDs) - keepLatest
	for i := 0; i < toRemove; i++ {
		delete(d.groups, groupIDs[i])
	}
}

// Statistics returns decoder statistics
func (d *Decoder) Statistics() map[string]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return map[string]uint64{
		"total_recovered": d.totalRecovered,
		"failed_recovery": d.failedRecovery,
		"active_groups":   uint64(len(d.groups)),
	}
}

// GetConfig returns the decoder's fixed data-shard count. Unlike the
// encoder, the decoder has no single parity-shard count: it reads the
// redundancy level for each group off that group's shards.
func (d *Decoder) GetConfig() (dataShards int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dataShards
}

// Reset resets the decoder state
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = make(map[uint64]*DecodingGroup)
}

// CalculateOverhead calculates the FEC overhead ratio
func CalculateOverhead(dataShards, parityShards int) float64 {
	if dataShards == 0 {
		return 0
	}
	return float64(parityShards) / float64(dataShards)
}

// CalculateRequiredShards calculates minimum shards needed for reconstruction
func CalculateRequiredShards(dataShards, parityShards int) int {
	return dataShards
}
