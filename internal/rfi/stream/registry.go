// Package stream resolves chime stream identifiers into frequency bins.
//
// Every chime datagram names the stream (crate/slot/link) that produced it.
// The first datagram of a stream is validated against the configuration;
// valid streams are registered for the life of the process, invalid ones are
// remembered as rejected so their later datagrams are dropped quietly.
package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/rfi.receiver/internal/rfi/protocol"
)

// ErrStreamRejected is returned for datagrams from a stream whose first
// header failed validation.
var ErrStreamRejected = errors.New("stream rejected")

// Identity is the decoded addressing of one chime stream.
type Identity struct {
	EncodedID uint16
	LinkID    uint8
	SlotID    uint8
	Crate     uint8
	Unused    uint8

	// Bins holds the waterfall row for each local frequency, Freqs the
	// matching sky frequency in MHz.
	Bins  []int
	Freqs []float64
}

// NewIdentity splits an encoded stream ID into its four nibbles, lowest
// first: link, slot, crate, unused.
//
// All local frequencies of a stream map to the same bin: the local index
// does not take part in the bin formula. Downstream plots rely on this
// mapping, so it is kept as the correlator defines it.
func NewIdentity(encodedID uint16, numLocalFreq int) *Identity {
	id := &Identity{
		EncodedID: encodedID,
		LinkID:    uint8(encodedID & 0x000F),
		SlotID:    uint8((encodedID & 0x00F0) >> 4),
		Crate:     uint8((encodedID & 0x0F00) >> 8),
		Unused:    uint8((encodedID & 0xF000) >> 12),
	}

	bin := int(id.Crate)*16 + int(id.SlotID) + int(id.LinkID)*32 + int(id.Unused)*256
	id.Bins = make([]int, numLocalFreq)
	id.Freqs = make([]float64, numLocalFreq)
	for i := range id.Bins {
		id.Bins[i] = bin
		id.Freqs[i] = BinFrequency(bin)
	}
	return id
}

// BinFrequency converts a frequency bin to MHz across the 400-800 MHz band.
func BinFrequency(bin int) float64 {
	return 800.0 - float64(bin)*400.0/1024.0
}

func (id *Identity) String() string {
	return fmt.Sprintf("stream 0x%04x (slot %d, link %d, crate %d, unused %d)",
		id.EncodedID, id.SlotID, id.LinkID, id.Crate, id.Unused)
}

// Rejection records why a stream was refused.
type Rejection struct {
	EncodedID uint16
	Err       error
}

// Registry maps encoded stream IDs to identities. It is safe for
// concurrent use by several receivers.
type Registry struct {
	params protocol.Params

	mu       sync.RWMutex
	streams  map[uint16]*Identity
	rejected map[uint16]error
}

// NewRegistry creates an empty registry validating against p.
func NewRegistry(p protocol.Params) *Registry {
	return &Registry{
		params:   p,
		streams:  make(map[uint16]*Identity),
		rejected: make(map[uint16]error),
	}
}

// Resolve returns the identity for the stream named in h.
//
// On first sight of a stream the header is validated; a valid stream is
// registered and returned with created set. An invalid stream yields the
// *protocol.HeaderMismatchError once and ErrStreamRejected on every later
// call. Known streams are returned without re-validation.
func (r *Registry) Resolve(h protocol.ChimeHeader) (id *Identity, created bool, err error) {
	key := h.EncodedStreamID

	r.mu.RLock()
	id, ok := r.streams[key]
	_, bad := r.rejected[key]
	r.mu.RUnlock()
	if ok {
		return id, false, nil
	}
	if bad {
		return nil, false, fmt.Errorf("%w: 0x%04x", ErrStreamRejected, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another receiver may have resolved the stream meanwhile.
	if id, ok := r.streams[key]; ok {
		return id, false, nil
	}
	if _, bad := r.rejected[key]; bad {
		return nil, false, fmt.Errorf("%w: 0x%04x", ErrStreamRejected, key)
	}

	if err := protocol.ValidateChimeHeader(h, r.params); err != nil {
		r.rejected[key] = err
		return nil, false, err
	}

	id = NewIdentity(key, r.params.NumLocalFreq)
	r.streams[key] = id
	return id, true, nil
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Streams returns the registered identities ordered by encoded ID.
func (r *Registry) Streams() []*Identity {
	r.mu.RLock()
	out := make([]*Identity, 0, len(r.streams))
	for _, id := range r.streams {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EncodedID < out[j].EncodedID })
	return out
}

// Rejected returns the refused streams ordered by encoded ID.
func (r *Registry) Rejected() []Rejection {
	r.mu.RLock()
	out := make([]Rejection, 0, len(r.rejected))
	for key, err := range r.rejected {
		out = append(out, Rejection{EncodedID: key, Err: err})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EncodedID < out[j].EncodedID })
	return out
}
