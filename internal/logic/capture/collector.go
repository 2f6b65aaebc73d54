package capture

import (
	"time"

	"github.com/rs/zerolog"
)

// NoIndex marks a frame that carries no usable ordinal (untagged image).
const NoIndex = -1

// counterSentinel is the SequenceCounter value of a collector with no
// accepted frames.
const counterSentinel = 0

// Slot is one frame of a completed burst, at its capture position.
type Slot struct {
	Index    int
	Data     []byte
	Exposure time.Duration
}

// Collector reassembles the frames of one burst in capture order.
//
// A frame whose raw index names a free slot goes there. A frame without a
// usable index goes to the slot given by the sequence counter (the number of
// frames accepted before it), or the lowest free slot when that one is taken.
// Not safe for concurrent use.
type Collector struct {
	log     zerolog.Logger
	slots   []Slot
	filled  []bool
	nfilled int
	counter int
	closed  bool
}

// NewCollector expects len(exposures) frames; exposures[i] is the planned
// exposure of slot i.
func NewCollector(exposures []time.Duration, log zerolog.Logger) *Collector {
	c := &Collector{
		log:    log,
		slots:  make([]Slot, len(exposures)),
		filled: make([]bool, len(exposures)),
	}
	for i, d := range exposures {
		c.slots[i] = Slot{Index: i, Exposure: d}
	}
	return c
}

// Count is the number of frames the burst expects.
func (c *Collector) Count() int { return len(c.slots) }

// Counter returns the sequence counter.
func (c *Collector) Counter() int { return c.counter }

// Done reports whether the collector completed or was aborted.
func (c *Collector) Done() bool { return c.closed }

// SetExposure replaces the planned exposure of slot i with a device-reported one.
func (c *Collector) SetExposure(i int, d time.Duration) {
	if i >= 0 && i < len(c.slots) && d > 0 {
		c.slots[i].Exposure = d
	}
}

// OnFrameReady slots one frame. It returns the ordered frames and true exactly
// once, when every slot is filled. Frames after completion or abort, and
// duplicates of a filled index, are logged and ignored.
func (c *Collector) OnFrameReady(rawIndex int, payload []byte) ([]Slot, bool) {
	if c.closed {
		c.log.Debug().Int("index", rawIndex).Msg("frame after sequence end ignored")
		return nil, false
	}

	idx := rawIndex
	if idx >= 0 && idx < len(c.slots) {
		if c.filled[idx] {
			c.log.Debug().Int("index", idx).Msg("duplicate frame ignored")
			return nil, false
		}
	} else {
		idx = c.counter
		if idx >= len(c.slots) || c.filled[idx] {
			idx = c.lowestFree()
		}
	}

	c.counter++
	c.filled[idx] = true
	c.slots[idx].Data = payload
	c.nfilled++
	c.log.Trace().Int("raw", rawIndex).Int("index", idx).Int("counter", c.counter).Msg("frame slotted")

	if c.nfilled < len(c.slots) {
		return nil, false
	}
	c.closed = true
	c.counter = counterSentinel
	out := make([]Slot, len(c.slots))
	copy(out, c.slots)
	return out, true
}

func (c *Collector) lowestFree() int {
	for i, f := range c.filled {
		if !f {
			return i
		}
	}
	// Unreachable while nfilled < len(slots).
	return 0
}

// Abort drops the partial burst; later frames are ignored.
func (c *Collector) Abort() {
	c.closed = true
	c.counter = counterSentinel
}
