package transport

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/types"
)

// Envelope type URLs.
const (
	TypeHello   = "type.tmrl/hello"
	TypeBuffer  = "type.tmrl/buffer"
	TypeWeights = "type.tmrl/weights"
)

// Reader reads length-delimited envelopes from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	mu      sync.Mutex
	maxSize int
}

// NewReader creates a Reader that rejects messages above maxSize bytes.
func NewReader(r io.Reader, maxSize int) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// Read reads and unmarshals the next envelope.
func (r *Reader) Read() (*anypb.Any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	env := &anypb.Any{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: int64(r.maxSize),
	}
	if err := opts.UnmarshalFrom(r.r, env); err != nil {
		var sizeErr *protodelim.SizeTooLargeError
		if errors.As(err, &sizeErr) {
			return nil, fmt.Errorf("read envelope: %v: %w", err, errors.ErrMessageTooLarge)
		}
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return env, nil
}

// Writer writes length-delimited envelopes to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes an envelope with its length prefix.
func (w *Writer) Write(env *anypb.Any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter, maxSize int) *Conn {
	return &Conn{
		Reader: NewReader(rw, maxSize),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Envelope helpers
// =============================================================================

// Hello is the first message of every worker connection.
type Hello struct {
	WorkerID string
	Variant  types.Variant
}

// NewHello builds a hello envelope.
func NewHello(h Hello) (*anypb.Any, error) {
	st, err := structpb.NewStruct(map[string]any{
		"worker_id": h.WorkerID,
		"variant":   h.Variant.String(),
	})
	if err != nil {
		return nil, err
	}
	value, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	return &anypb.Any{TypeUrl: TypeHello, Value: value}, nil
}

// ParseHello decodes a hello envelope.
func ParseHello(env *anypb.Any) (Hello, error) {
	if env.GetTypeUrl() != TypeHello {
		return Hello{}, fmt.Errorf("expected %s, got %q: %w", TypeHello, env.GetTypeUrl(), errors.ErrUnknownMessage)
	}

	var st structpb.Struct
	if err := proto.Unmarshal(env.GetValue(), &st); err != nil {
		return Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	fields := st.GetFields()

	variant, err := types.ParseVariant(fields["variant"].GetStringValue())
	if err != nil {
		return Hello{}, fmt.Errorf("hello: %w", err)
	}
	return Hello{
		WorkerID: fields["worker_id"].GetStringValue(),
		Variant:  variant,
	}, nil
}

// NewBufferEnvelope wraps an encoded sample buffer.
func NewBufferEnvelope(payload []byte) *anypb.Any {
	return &anypb.Any{TypeUrl: TypeBuffer, Value: payload}
}

// NewWeightsEnvelope wraps serialized model weights.
func NewWeightsEnvelope(weights []byte) *anypb.Any {
	return &anypb.Any{TypeUrl: TypeWeights, Value: weights}
}

// messageType is the metrics label of an envelope.
func messageType(env *anypb.Any) string {
	switch env.GetTypeUrl() {
	case TypeHello:
		return "hello"
	case TypeBuffer:
		return "buffer"
	case TypeWeights:
		return "weights"
	default:
		return "unknown"
	}
}
