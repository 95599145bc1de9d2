package mjpeg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	RTPVersion         = 2
	RTPPayloadTypeJPEG = 26
	RTPHeaderSize      = 12
	JPEGHeaderSize     = 8
	QuantHeaderSize    = 4

	DefaultMTU   = 1400
	RTPClockRate = 90000

	// Width and height travel as 8-pixel blocks in one byte each
	maxDimension = 255 * 8
)

// ErrUnsupportedJPEG is returned for images RFC 2435 cannot carry
var ErrUnsupportedJPEG = errors.New("unsupported JPEG")

// jpegFrame is the part of a baseline JPEG that goes on the wire
type jpegFrame struct {
	Width   int
	Height  int
	Type    uint8 // 0 for 4:2:2, 1 for 4:2:0
	QTables []byte
	Scan    []byte
}

// parseJPEG walks the marker segments up to the start of scan and returns
// the dimensions, quantization tables and entropy coded data.
func parseJPEG(data []byte) (*jpegFrame, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("%w: missing SOI marker", ErrUnsupportedJPEG)
	}

	f := &jpegFrame{}
	var tables [4][]byte

	for i := 2; i+4 <= len(data); {
		if data[i] != 0xFF {
			return nil, fmt.Errorf("%w: expected marker at offset %d", ErrUnsupportedJPEG, i)
		}
		marker := data[i+1]
		if marker == 0xFF {
			i++
			continue
		}

		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if segLen < 2 || i+2+segLen > len(data) {
			return nil, fmt.Errorf("%w: truncated segment 0x%02X", ErrUnsupportedJPEG, marker)
		}
		seg := data[i+4 : i+2+segLen]

		switch marker {
		case 0xDB: // DQT
			for len(seg) > 0 {
				if seg[0]>>4 != 0 {
					return nil, fmt.Errorf("%w: 16-bit quantization table", ErrUnsupportedJPEG)
				}
				if len(seg) < 65 {
					return nil, fmt.Errorf("%w: short quantization table", ErrUnsupportedJPEG)
				}
				tables[seg[0]&0x03] = seg[1:65]
				seg = seg[65:]
			}

		case 0xC0, 0xC1: // SOF0, SOF1
			if len(seg) < 15 || seg[5] != 3 {
				return nil, fmt.Errorf("%w: expected three components", ErrUnsupportedJPEG)
			}
			f.Height = int(binary.BigEndian.Uint16(seg[1:3]))
			f.Width = int(binary.BigEndian.Uint16(seg[3:5]))
			switch seg[7] {
			case 0x22:
				f.Type = 1
			case 0x21:
				f.Type = 0
			default:
				return nil, fmt.Errorf("%w: luma sampling 0x%02X", ErrUnsupportedJPEG, seg[7])
			}

		case 0xC2, 0xC3, 0xC5, 0xC6, 0xC7, 0xC9, 0xCA, 0xCB, 0xCD, 0xCE, 0xCF:
			return nil, fmt.Errorf("%w: not baseline", ErrUnsupportedJPEG)

		case 0xDD: // DRI
			return nil, fmt.Errorf("%w: restart markers", ErrUnsupportedJPEG)

		case 0xDA: // SOS
			if f.Width == 0 {
				return nil, fmt.Errorf("%w: missing SOF", ErrUnsupportedJPEG)
			}
			end := len(data)
			if data[end-2] == 0xFF && data[end-1] == 0xD9 {
				end -= 2
			}
			f.Scan = data[i+2+segLen : end]
			for _, t := range tables {
				f.QTables = append(f.QTables, t...)
			}
			if len(f.QTables) == 0 {
				return nil, fmt.Errorf("%w: missing quantization tables", ErrUnsupportedJPEG)
			}
			return f, nil
		}

		i += 2 + segLen
	}

	return nil, fmt.Errorf("%w: missing SOS marker", ErrUnsupportedJPEG)
}

// JPEGDimensions returns the frame size declared by a baseline JPEG
func JPEGDimensions(data []byte) (width, height int, err error) {
	f, err := parseJPEG(data)
	if err != nil {
		return 0, 0, err
	}
	return f.Width, f.Height, nil
}

// RTPPacketizer splits JPEG frames into RTP packets as described by
// RFC 2435. Tables travel in-band (Q=255) on the first packet of a frame.
// Packetize must be called from a single goroutine; stats are safe to read
// concurrently.
type RTPPacketizer struct {
	payloadType uint8
	ssrc        uint32
	mtu         int
	clockRate   uint32

	sequenceNumber uint32

	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
	framesSent  atomic.Uint64
	lastSeq     atomic.Uint32
	lastTS      atomic.Uint32
}

// NewRTPPacketizer creates a packetizer for one RTP stream
func NewRTPPacketizer(ssrc uint32, mtu int) *RTPPacketizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	return &RTPPacketizer{
		payloadType: RTPPayloadTypeJPEG,
		ssrc:        ssrc,
		mtu:         mtu,
		clockRate:   RTPClockRate,
	}
}

// PacketizeJPEG splits one JPEG into packets ready to send over UDP
func (p *RTPPacketizer) PacketizeJPEG(jpegData []byte, timestamp uint32) ([][]byte, error) {
	if len(jpegData) == 0 {
		return nil, fmt.Errorf("empty JPEG data")
	}

	f, err := parseJPEG(jpegData)
	if err != nil {
		return nil, err
	}
	if f.Width > maxDimension || f.Height > maxDimension {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d", ErrUnsupportedJPEG, f.Width, f.Height, maxDimension)
	}

	quant := make([]byte, QuantHeaderSize+len(f.QTables))
	binary.BigEndian.PutUint16(quant[2:4], uint16(len(f.QTables)))
	copy(quant[QuantHeaderSize:], f.QTables)

	if p.mtu-RTPHeaderSize-JPEGHeaderSize-len(quant) <= 0 {
		return nil, fmt.Errorf("MTU %d too small for quantization tables", p.mtu)
	}

	var packets [][]byte
	offset := 0
	for offset < len(f.Scan) || offset == 0 {
		extra := 0
		if offset == 0 {
			extra = len(quant)
		}

		size := p.mtu - RTPHeaderSize - JPEGHeaderSize - extra
		if offset+size > len(f.Scan) {
			size = len(f.Scan) - offset
		}
		last := offset+size >= len(f.Scan)

		pkt := make([]byte, RTPHeaderSize+JPEGHeaderSize+extra+size)
		p.writeHeaders(pkt, f, timestamp, uint32(offset), last)
		n := RTPHeaderSize + JPEGHeaderSize
		if extra > 0 {
			n += copy(pkt[n:], quant)
		}
		copy(pkt[n:], f.Scan[offset:offset+size])

		packets = append(packets, pkt)
		p.sequenceNumber = (p.sequenceNumber + 1) & 0xFFFF
		offset += size

		if last {
			break
		}
	}

	p.packetsSent.Add(uint64(len(packets)))
	p.bytesSent.Add(uint64(len(jpegData)))
	p.framesSent.Add(1)
	p.lastSeq.Store(p.sequenceNumber)
	p.lastTS.Store(timestamp)

	return packets, nil
}

// writeHeaders fills the RTP header (RFC 3550 5.1) and the JPEG main
// header (RFC 2435 3.1) at the start of pkt
func (p *RTPPacketizer) writeHeaders(pkt []byte, f *jpegFrame, timestamp, fragmentOffset uint32, marker bool) {
	pkt[0] = RTPVersion << 6
	pkt[1] = p.payloadType
	if marker {
		pkt[1] |= 0x80
	}
	binary.BigEndian.PutUint16(pkt[2:4], uint16(p.sequenceNumber))
	binary.BigEndian.PutUint32(pkt[4:8], timestamp)
	binary.BigEndian.PutUint32(pkt[8:12], p.ssrc)

	h := pkt[RTPHeaderSize:]
	h[0] = 0 // type-specific
	h[1] = uint8(fragmentOffset >> 16)
	h[2] = uint8(fragmentOffset >> 8)
	h[3] = uint8(fragmentOffset)
	h[4] = f.Type
	h[5] = 255 // tables in-band
	h[6] = uint8((f.Width + 7) / 8)
	h[7] = uint8((f.Height + 7) / 8)
}

// GetStats returns packetizer statistics
func (p *RTPPacketizer) GetStats() PacketizerStats {
	return PacketizerStats{
		PacketsSent: p.packetsSent.Load(),
		BytesSent:   p.bytesSent.Load(),
		FramesSent:  p.framesSent.Load(),
		CurrentSeq:  p.lastSeq.Load(),
		CurrentTS:   p.lastTS.Load(),
	}
}

// PacketizerStats holds statistics about RTP packetization
type PacketizerStats struct {
	PacketsSent uint64
	BytesSent   uint64
	FramesSent  uint64
	CurrentSeq  uint32
	CurrentTS   uint32
}

// TimestampGenerator maps capture times onto the 90 kHz RTP clock
type TimestampGenerator struct {
	base      time.Time
	clockRate uint32
}

// NewTimestampGenerator creates a generator whose clock starts at base
func NewTimestampGenerator(base time.Time) *TimestampGenerator {
	return &TimestampGenerator{base: base, clockRate: RTPClockRate}
}

// At returns the RTP timestamp for t
func (tg *TimestampGenerator) At(t time.Time) uint32 {
	return uint32(t.Sub(tg.base).Seconds() * float64(tg.clockRate))
}
