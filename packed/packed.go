// Package packed implements Cap'n Proto's packed encoding: a simple
// byte-oriented compression scheme tuned for word-aligned messages
// that are mostly zero bytes (unset fields) interspersed with short
// runs of non-zero data.
//
// https://capnproto.org/encoding.html#packing
package packed

import (
	"errors"
	"io"
)

var (
	// ErrTruncated is returned when the packed stream ends in the
	// middle of a tag's payload or a run-length count.
	ErrTruncated = errors.New("packed: truncated input")
	// ErrOverflow is returned when a run-length count's word count
	// would overflow an output buffer size computation.
	ErrOverflow = errors.New("packed: size overflow")
)

const wordSize = 8

// Pack appends the packed encoding of unpacked (which must be a
// multiple of 8 bytes) to buf and returns the extended buffer.
//
// Pack never reads or writes beyond len(unpacked).
func Pack(buf []byte, unpacked []byte) []byte {
	for len(unpacked) >= wordSize {
		word := unpacked[:wordSize]
		unpacked = unpacked[wordSize:]

		var tag byte
		for i, b := range word {
			if b != 0 {
				tag |= 1 << uint(i)
			}
		}
		buf = append(buf, tag)

		switch tag {
		case 0x00:
			// All-zero word: count how many consecutive all-zero
			// words follow, up to 255, and emit the count.
			n := 0
			for n < 0xff && len(unpacked) >= wordSize && isZeroWord(unpacked[:wordSize]) {
				unpacked = unpacked[wordSize:]
				n++
			}
			buf = append(buf, byte(n))
		case 0xff:
			// All-literal word: emit the word, then count how many
			// consecutive all-literal (i.e. not worth tagging)
			// words follow and emit them raw too.
			buf = append(buf, word...)
			buf = append(buf, 0) // count byte, filled in below
			n := 0
			lit := unpacked
			for n < 0xff && len(lit) >= wordSize && !isPackable(lit[:wordSize]) {
				lit = lit[wordSize:]
				n++
			}
			buf = append(buf, unpacked[:n*wordSize]...)
			unpacked = unpacked[n*wordSize:]
			buf[len(buf)-n*wordSize-1] = byte(n)
		default:
			for _, b := range word {
				if b != 0 {
					buf = append(buf, b)
				}
			}
		}
	}
	return buf
}

// isPackable reports whether a word has enough zero bytes that tag
// compression is worthwhile, i.e. it is not an all-literal word.
func isPackable(word []byte) bool {
	nz := 0
	for _, b := range word {
		if b != 0 {
			nz++
		}
	}
	return nz < wordSize
}

func isZeroWord(word []byte) bool {
	for _, b := range word {
		if b != 0 {
			return false
		}
	}
	return true
}

// Unpack appends the unpacked form of packed to buf and returns the
// extended buffer. Unpack never writes beyond the implied unpacked
// length and returns ErrTruncated if packed ends mid-word or
// mid-run.
func Unpack(buf []byte, packedData []byte) ([]byte, error) {
	for len(packedData) > 0 {
		tag := packedData[0]
		packedData = packedData[1:]

		switch tag {
		case 0x00:
			if len(packedData) < 1 {
				return buf, ErrTruncated
			}
			n := int(packedData[0])
			packedData = packedData[1:]
			buf = appendZeroWords(buf, n+1)
		case 0xff:
			if len(packedData) < wordSize {
				return buf, ErrTruncated
			}
			buf = append(buf, packedData[:wordSize]...)
			packedData = packedData[wordSize:]
			if len(packedData) < 1 {
				return buf, ErrTruncated
			}
			n := int(packedData[0])
			packedData = packedData[1:]
			if len(packedData) < n*wordSize {
				return buf, ErrTruncated
			}
			buf = append(buf, packedData[:n*wordSize]...)
			packedData = packedData[n*wordSize:]
		default:
			var word [wordSize]byte
			for i := 0; i < wordSize; i++ {
				if tag&(1<<uint(i)) != 0 {
					if len(packedData) < 1 {
						return buf, ErrTruncated
					}
					word[i] = packedData[0]
					packedData = packedData[1:]
				}
			}
			buf = append(buf, word[:]...)
		}
	}
	return buf, nil
}

func appendZeroWords(buf []byte, n int) []byte {
	for i := 0; i < n; i++ {
		buf = append(buf, 0, 0, 0, 0, 0, 0, 0, 0)
	}
	return buf
}

// EstimateUnpackedSize returns an upper bound, in bytes, on the size
// of the unpacked form of packedData, without fully unpacking it.
// Truncated input that cannot even be scanned for an estimate returns
// ErrTruncated.
func EstimateUnpackedSize(packedData []byte) (int64, error) {
	var total int64
	for len(packedData) > 0 {
		tag := packedData[0]
		packedData = packedData[1:]
		switch tag {
		case 0x00:
			if len(packedData) < 1 {
				return 0, ErrTruncated
			}
			n := int64(packedData[0])
			packedData = packedData[1:]
			total += (n + 1) * wordSize
		case 0xff:
			if len(packedData) < wordSize+1 {
				return 0, ErrTruncated
			}
			packedData = packedData[wordSize:]
			n := int64(packedData[0])
			packedData = packedData[1:]
			total += wordSize + n*wordSize
			skip := int(n) * wordSize
			if len(packedData) < skip {
				return 0, ErrTruncated
			}
			packedData = packedData[skip:]
		default:
			nbits := 0
			for i := 0; i < wordSize; i++ {
				if tag&(1<<uint(i)) != 0 {
					nbits++
				}
			}
			if len(packedData) < nbits {
				return 0, ErrTruncated
			}
			packedData = packedData[nbits:]
			total += wordSize
		}
	}
	return total, nil
}

// NewReader wraps r so that reads from the returned reader yield the
// unpacked byte stream.
func NewReader(r io.Reader) io.Reader {
	return &packedReader{r: r}
}

type packedReader struct {
	r       io.Reader
	pending []byte // unpacked bytes not yet consumed by Read
}

func (pr *packedReader) Read(p []byte) (int, error) {
	for len(pr.pending) == 0 {
		var tagBuf [1]byte
		if _, err := io.ReadFull(pr.r, tagBuf[:]); err != nil {
			return 0, err
		}
		tag := tagBuf[0]
		switch tag {
		case 0x00:
			var nBuf [1]byte
			if _, err := io.ReadFull(pr.r, nBuf[:]); err != nil {
				return 0, unexpectedEOF(err)
			}
			pr.pending = appendZeroWords(nil, int(nBuf[0])+1)
		case 0xff:
			word := make([]byte, wordSize)
			if _, err := io.ReadFull(pr.r, word); err != nil {
				return 0, unexpectedEOF(err)
			}
			var nBuf [1]byte
			if _, err := io.ReadFull(pr.r, nBuf[:]); err != nil {
				return 0, unexpectedEOF(err)
			}
			lit := make([]byte, int(nBuf[0])*wordSize)
			if _, err := io.ReadFull(pr.r, lit); err != nil {
				return 0, unexpectedEOF(err)
			}
			pr.pending = append(word, lit...)
		default:
			var word [wordSize]byte
			for i := 0; i < wordSize; i++ {
				if tag&(1<<uint(i)) != 0 {
					var b [1]byte
					if _, err := io.ReadFull(pr.r, b[:]); err != nil {
						return 0, unexpectedEOF(err)
					}
					word[i] = b[0]
				}
			}
			pr.pending = append(pr.pending, word[:]...)
		}
	}
	n := copy(p, pr.pending)
	pr.pending = pr.pending[n:]
	return n, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// NewWriter wraps w so that writes of unpacked bytes are packed
// before being written to w. Each Write is packed on its own, so a
// trailing partial word in a Write is not emitted; the packed Encoder
// only ever writes whole words.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Writer packs bytes written to it before forwarding them to the
// underlying io.Writer.
type Writer struct {
	w   io.Writer
	buf []byte
}

func (pw *Writer) Write(p []byte) (int, error) {
	pw.buf = Pack(pw.buf[:0], p)
	_, err := pw.w.Write(pw.buf)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
