package framenet

// Frame is one complete application message taken off the wire.
type Frame struct {
	Protocol uint64
	Payload  []byte
}

// Reassembler converts a raw byte stream delivered in arbitrary-sized chunks
// into discrete frames. It owns a single pending buffer and alternates
// between waiting for a full header and waiting for the declared body.
// A Reassembler belongs to exactly one connection's read loop and is not
// safe for concurrent use.
type Reassembler struct {
	layout   HeaderLayout
	buf      []byte
	inBody   bool
	protocol uint64
	bodyLen  int
}

// NewReassembler returns a reassembler for the given header layout.
func NewReassembler(layout HeaderLayout) (*Reassembler, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Reassembler{layout: layout}, nil
}

// Feed appends p to the pending buffer and returns every frame completed by
// it, in arrival order. Bytes beyond the last complete frame are retained
// for the next call. A declared body length above MaxFramePayload fails with
// ErrFrameTooLarge; frames completed before the oversized header are still
// returned.
func (r *Reassembler) Feed(p []byte) ([]Frame, error) {
	r.buf = append(r.buf, p...)
	var frames []Frame
	for {
		if !r.inBody {
			if len(r.buf) < r.layout.HeaderLen {
				return frames, nil
			}
			protocol, bodyLen, err := ParseHeader(r.buf, r.layout)
			if err != nil {
				return frames, err
			}
			r.buf = r.buf[r.layout.HeaderLen:]
			r.protocol, r.bodyLen, r.inBody = protocol, bodyLen, true
		}
		if len(r.buf) < r.bodyLen {
			return frames, nil
		}
		payload := make([]byte, r.bodyLen)
		copy(payload, r.buf[:r.bodyLen])
		r.buf = r.buf[r.bodyLen:]
		r.inBody = false
		frames = append(frames, Frame{Protocol: r.protocol, Payload: payload})
	}
}

// Pending reports the number of buffered bytes not yet part of a complete
// frame, counting the header of a partially received body.
func (r *Reassembler) Pending() int {
	n := len(r.buf)
	if r.inBody {
		n += r.layout.HeaderLen
	}
	return n
}

// Close discards any partially buffered frame and reports how many bytes
// were dropped. A truncated trailing message is never delivered.
func (r *Reassembler) Close() int {
	n := r.Pending()
	r.buf = nil
	r.inBody = false
	return n
}
