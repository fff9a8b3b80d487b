package capnp

import (
	"encoding/binary"
	"io"

	"capnproto.org/go/capnp/v3/exc"
	"capnproto.org/go/capnp/v3/internal/str"
	"capnproto.org/go/capnp/v3/packed"
)

// streamHeaderSize returns the number of bytes occupied by a stream
// frame's header: the segment count word followed by one size word
// per segment, padded to a whole number of words.
func streamHeaderSize(maxSegID SegmentID) uint64 {
	nsegs := uint64(maxSegID) + 1
	return (nsegs/2 + 1) * 8
}

// An Encoder writes the standard Cap'n Proto stream framing (a
// segment count, a size per segment, then the segments themselves,
// all little-endian and word-aligned) to an underlying writer.
type Encoder struct {
	w      io.Writer
	hdrBuf []byte

	packed bool
}

// NewEncoder creates an encoder that writes unpacked messages to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// NewPackedEncoder creates an encoder that writes packed messages to
// w.
func NewPackedEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, packed: true}
}

// Encode writes m to the underlying writer.
func (e *Encoder) Encode(m *Message) error {
	nsegs := m.NumSegments()
	if nsegs == 0 {
		return exc.Errorf("encode: message has no segments")
	}
	if nsegs > maxStreamSegments {
		return exc.New(exc.Failed, exc.SegmentCountLimitExceed, "encode: too many segments (%d)", nsegs)
	}

	hdrSize := streamHeaderSize(SegmentID(nsegs - 1))
	e.hdrBuf = append(e.hdrBuf[:0], make([]byte, hdrSize)...)
	binary.LittleEndian.PutUint32(e.hdrBuf, uint32(nsegs-1))
	segs := make([]*Segment, nsegs)
	for i := int64(0); i < nsegs; i++ {
		s, err := m.Segment(SegmentID(i))
		if err != nil {
			return exc.WrapError("encode", err)
		}
		if len(s.data)%int(wordSize) != 0 {
			return exc.New(exc.Failed, exc.ProtocolViolation, "encode: segment %s not word-aligned", str.Itod(i))
		}
		binary.LittleEndian.PutUint32(e.hdrBuf[4+i*4:], uint32(len(s.data)/int(wordSize)))
		segs[i] = s
	}

	if !e.packed {
		frame := e.hdrBuf
		for _, s := range segs {
			frame = append(frame, s.data...)
		}
		e.hdrBuf = frame[:0]
		if _, err := e.w.Write(frame); err != nil {
			return exc.WrapError("encode", err)
		}
		return nil
	}

	pw := packed.NewWriter(e.w)
	if _, err := pw.Write(e.hdrBuf); err != nil {
		return exc.WrapError("encode packed", err)
	}
	for _, s := range segs {
		if _, err := pw.Write(s.data); err != nil {
			return exc.WrapError("encode packed", err)
		}
	}
	return nil
}

// A Decoder reads framed Cap'n Proto messages from a stream.
type Decoder struct {
	r io.Reader

	packed     bool
	maxSegs    int64
	decodeLimit uint64
}

// NewDecoder creates a decoder that reads unpacked messages from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, maxSegs: maxStreamSegments, decodeLimit: defaultDecodeLimit}
}

// NewPackedDecoder creates a decoder that reads packed messages from
// r.
func NewPackedDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, packed: true, maxSegs: maxStreamSegments, decodeLimit: defaultDecodeLimit}
}

// SetMaxSegments overrides the maximum number of segments a single
// frame may declare.
func (d *Decoder) SetMaxSegments(n int64) { d.maxSegs = n }

// SetMaxMessageSize overrides the maximum total number of bytes a
// single frame's segments may occupy.
func (d *Decoder) SetMaxMessageSize(n uint64) { d.decodeLimit = n }

// Decode reads one framed message from the stream.
func (d *Decoder) Decode() (*Message, error) {
	var br io.Reader = d.r
	if d.packed {
		br = packed.NewReader(d.r)
	}

	var first [4]byte
	if _, err := io.ReadFull(br, first[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, exc.New(exc.Failed, exc.TruncatedMessage, "decode: read segment count: %v", err)
	}
	segMax := int64(binary.LittleEndian.Uint32(first[:]))
	if segMax < 0 || segMax+1 > d.maxSegs {
		return nil, exc.New(exc.Failed, exc.SegmentCountLimitExceed, "decode: too many segments (%d)", segMax+1)
	}
	nsegs := segMax + 1

	sizeBuf := make([]byte, 4*nsegs)
	if _, err := io.ReadFull(br, sizeBuf); err != nil {
		return nil, exc.New(exc.Failed, exc.TruncatedMessage, "decode: read segment sizes: %v", err)
	}
	if nsegs%2 == 0 {
		// Header is padded to a whole number of words; consume the pad
		// word.
		var pad [4]byte
		if _, err := io.ReadFull(br, pad[:]); err != nil {
			return nil, exc.New(exc.Failed, exc.TruncatedMessage, "decode: read header pad: %v", err)
		}
	}

	sizes := make([]uint32, nsegs)
	var total uint64
	for i := int64(0); i < nsegs; i++ {
		words := binary.LittleEndian.Uint32(sizeBuf[4*i:])
		sizes[i] = words
		bytes, ok := checkedWordsToBytes(words)
		if !ok {
			return nil, exc.New(exc.Failed, exc.ArithmeticOverflow, "decode: segment %s size overflows", str.Itod(i))
		}
		sum := total + bytes
		if sum < total {
			return nil, exc.New(exc.Failed, exc.ArithmeticOverflow, "decode: total message size overflows")
		}
		total = sum
	}
	if total > d.decodeLimit {
		return nil, exc.New(exc.Failed, exc.FrameTooLarge, "decode: message size %d exceeds limit %d", total, d.decodeLimit)
	}

	data := make([][]byte, nsegs)
	for i := int64(0); i < nsegs; i++ {
		buf := make([]byte, uint64(sizes[i])*uint64(wordSize))
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, exc.New(exc.Failed, exc.TruncatedMessage, "decode: read segment %s: %v", str.Itod(i), err)
		}
		data[i] = buf
	}

	return &Message{Arena: fixedArena(data), TraverseLimit: d.decodeLimit}, nil
}

// checkedWordsToBytes converts a word count to a byte count, reporting
// overflow.
func checkedWordsToBytes(words uint32) (uint64, bool) {
	bytes := uint64(words) * uint64(wordSize)
	return bytes, bytes/uint64(wordSize) == uint64(words)
}
