// Package codec implements the binary encoding of sample buffers used by
// the WAL and by the worker transport.
//
// Buffer encoding (binary, little-endian):
//   - Sample count (4 bytes)
//   - Per sample:
//   - Action length (2 bytes) + float32s
//   - Variant tag (1 byte)
//   - Scalars length (2 bytes) + float32s
//   - Frame values length (4 bytes) + float32s
//   - Frame pixels length (4 bytes) + zstd-compressed pixels
//   - Frame width, height (2 bytes each, at most 65535)
//   - Reward (4 bytes, float32)
//   - Done (1 byte, bool)
//   - Info length (4 bytes) + protobuf google.protobuf.Struct
//   - Episode count (4 bytes)
//   - Per episode: return (8 bytes, float64), steps (4 bytes), test (1 byte)
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashwin2k/tmrl-rnn/config"
	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Codec encodes and decodes buffers. It is safe for concurrent use.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

type options struct {
	maxFrameSize int
}

// Option configures a Codec.
type Option func(*options)

// WithMaxFrameSize bounds the decoded size of one frame's pixels.
// Non-positive values keep the default.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

// New creates a codec compressing image pixels at the given zstd level
// (1-4).
func New(level int, opts ...Option) (*Codec, error) {
	o := options{maxFrameSize: config.DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(&o)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(o.maxFrameSize)))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Close releases the zstd resources.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}

// Encode encodes a buffer.
func (c *Codec) Encode(buf types.Buffer) ([]byte, error) {
	// ~64 bytes per sample before frames
	out := make([]byte, 0, 8+len(buf.Samples)*64)

	out = binary.LittleEndian.AppendUint32(out, uint32(len(buf.Samples)))
	for i, s := range buf.Samples {
		if s.Obs == nil {
			return nil, fmt.Errorf("sample %d: %w", i, errors.ErrMissingField)
		}
		var err error
		out, err = c.appendSample(out, s)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
	}

	out = binary.LittleEndian.AppendUint32(out, uint32(len(buf.Episodes)))
	for _, ep := range buf.Episodes {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(ep.Return))
		out = binary.LittleEndian.AppendUint32(out, uint32(ep.Steps))
		out = appendBool(out, ep.Test)
	}

	return out, nil
}

func (c *Codec) appendSample(out []byte, s types.Sample) ([]byte, error) {
	out = appendFloats16(out, s.PriorAction)
	out = append(out, byte(s.Obs.Variant()))
	out = appendFloats16(out, s.Obs.Scalars())

	frame := s.Obs.Frame()
	if frame.Width < 0 || frame.Width > math.MaxUint16 || frame.Height < 0 || frame.Height > math.MaxUint16 {
		return nil, fmt.Errorf("frame %dx%d exceeds %d per side: %w",
			frame.Width, frame.Height, math.MaxUint16, errors.ErrInvalidValue)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(frame.Values)))
	for _, v := range frame.Values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	if len(frame.Pixels) > 0 {
		out = appendBytes(out, c.enc.EncodeAll(frame.Pixels, nil))
	} else {
		out = appendBytes(out, nil)
	}
	out = binary.LittleEndian.AppendUint16(out, uint16(frame.Width))
	out = binary.LittleEndian.AppendUint16(out, uint16(frame.Height))

	out = binary.LittleEndian.AppendUint32(out, math.Float32bits(s.Reward))
	out = appendBool(out, s.Done)

	info, err := marshalInfo(s.Info)
	if err != nil {
		return nil, err
	}
	return appendBytes(out, info), nil
}

// Decode decodes a buffer. Malformed input yields errors.ErrCorruptRecord.
func (c *Codec) Decode(data []byte) (types.Buffer, error) {
	r := reader{data: data}

	count := int(r.uint32())
	if r.err != nil {
		return types.Buffer{}, r.fail("sample count")
	}

	buf := types.Buffer{Samples: make([]types.Sample, 0, min(count, len(data)/16+1))}
	for i := range count {
		s, err := c.readSample(&r)
		if err != nil {
			return types.Buffer{}, fmt.Errorf("sample %d: %w", i, err)
		}
		buf.Samples = append(buf.Samples, s)
	}

	episodes := int(r.uint32())
	for range episodes {
		ep := types.EpisodeStat{
			Return: math.Float64frombits(r.uint64()),
			Steps:  int(r.uint32()),
			Test:   r.byte() == 1,
		}
		if r.err != nil {
			break
		}
		buf.Episodes = append(buf.Episodes, ep)
	}
	if r.err != nil {
		return types.Buffer{}, r.fail("episodes")
	}

	return buf, nil
}

func (c *Codec) readSample(r *reader) (types.Sample, error) {
	var s types.Sample

	s.PriorAction = r.floats(int(r.uint16()))
	variant := types.Variant(r.byte())
	scalars := r.floats(int(r.uint16()))

	var frame types.Frame
	if n := int(r.uint32()); n > 0 {
		frame.Values = r.floats(n)
	}
	if packed := r.bytes(int(r.uint32())); len(packed) > 0 {
		pixels, err := c.dec.DecodeAll(packed, nil)
		if err != nil {
			return s, fmt.Errorf("frame pixels: %w", errors.ErrCorruptRecord)
		}
		frame.Pixels = pixels
	}
	frame.Width = int(r.uint16())
	frame.Height = int(r.uint16())
	if r.err == nil && len(frame.Pixels) > 0 {
		if err := checkPixels(frame); err != nil {
			return s, err
		}
	}

	s.Reward = math.Float32frombits(r.uint32())
	s.Done = r.byte() == 1
	rawInfo := r.bytes(int(r.uint32()))
	if r.err != nil {
		return s, r.fail("fields")
	}

	obs, err := types.NewObservation(variant, scalars, frame)
	if err != nil {
		return s, fmt.Errorf("%v: %w", err, errors.ErrCorruptRecord)
	}
	s.Obs = obs

	s.Info, err = unmarshalInfo(rawInfo)
	if err != nil {
		return s, err
	}
	return s, nil
}

// checkPixels requires the pixel count to match the frame dimensions
// with 1, 3 or 4 channels.
func checkPixels(f types.Frame) error {
	area := f.Width * f.Height
	if area == 0 {
		return fmt.Errorf("frame has %d pixels but size %dx%d: %w",
			len(f.Pixels), f.Width, f.Height, errors.ErrCorruptRecord)
	}
	switch len(f.Pixels) {
	case area, 3 * area, 4 * area:
		return nil
	}
	return fmt.Errorf("frame has %d pixels, %dx%d needs 1, 3 or 4 channels: %w",
		len(f.Pixels), f.Width, f.Height, errors.ErrCorruptRecord)
}

func marshalInfo(info types.Info) ([]byte, error) {
	if len(info) == 0 {
		return nil, nil
	}
	st, err := structpb.NewStruct(info)
	if err != nil {
		return nil, fmt.Errorf("info: %v: %w", err, errors.ErrInvalidValue)
	}
	return proto.Marshal(st)
}

// unmarshalInfo decodes an info map. Numbers come back as float64.
func unmarshalInfo(data []byte) (types.Info, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("info: %w", errors.ErrCorruptRecord)
	}
	return st.AsMap(), nil
}

func appendBool(out []byte, b bool) []byte {
	if b {
		return append(out, 1)
	}
	return append(out, 0)
}

func appendFloats16(out []byte, vals []float32) []byte {
	out = binary.LittleEndian.AppendUint16(out, uint16(len(vals)))
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

func appendBytes(out, b []byte) []byte {
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b)))
	return append(out, b...)
}

// reader consumes a byte slice and remembers the first short read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("data too short at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) floats(n int) []float32 {
	b := r.take(4 * n)
	if b == nil {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

// bytes returns a copy so decoded buffers never alias the input.
func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) fail(what string) error {
	return fmt.Errorf("%s: %v: %w", what, r.err, errors.ErrCorruptRecord)
}
