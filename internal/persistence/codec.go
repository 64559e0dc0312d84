package persistence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4"

	"github.com/petrijr/fluxoml/pkg/api"
)

// Encoded values start with a one-byte format tag.
const (
	formatGob byte = 'g'
	formatLZ4 byte = 'z'
)

// compressThreshold is the gob payload size above which values are
// lz4-compressed. Trained models dominate payload sizes.
const compressThreshold = 1 << 10

// ErrUnknownFormat is returned by DecodeValue for payloads it did not write.
var ErrUnknownFormat = errors.New("persistence: unknown value format")

// EncodeValue serializes an arbitrary Go value using encoding/gob, encoded as
// an interface so it decodes back into its dynamic type. Concrete types must
// be registered with gob.Register. A nil value encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	iv := v
	if err := enc.Encode(&iv); err != nil {
		return nil, fmt.Errorf("persistence: encode %T: %w", v, err)
	}

	if buf.Len() < compressThreshold {
		return append([]byte{formatGob}, buf.Bytes()...), nil
	}

	var out bytes.Buffer
	out.WriteByte(formatLZ4)
	zw := lz4.NewWriter(&out)
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("persistence: compress %T: %w", v, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("persistence: compress %T: %w", v, err)
	}
	return out.Bytes(), nil
}

// DecodeValue reverses EncodeValue.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var r io.Reader
	switch data[0] {
	case formatGob:
		r = bytes.NewReader(data[1:])
	case formatLZ4:
		r = lz4.NewReader(bytes.NewReader(data[1:]))
	default:
		return nil, ErrUnknownFormat
	}

	var iv any
	if err := gob.NewDecoder(r).Decode(&iv); err != nil {
		return nil, fmt.Errorf("persistence: decode: %w", err)
	}
	return iv, nil
}

// instanceRecord is the flattened, storage-friendly form of an instance
// shared by the SQL, Redis and Mongo backends.
type instanceRecord struct {
	ID          string `bson:"_id"`
	Workflow    string `bson:"workflow_name"`
	Status      string `bson:"status"`
	CurrentStep int    `bson:"current_step"`
	Input       []byte `bson:"input,omitempty"`
	Output      []byte `bson:"output,omitempty"`
	Error       string `bson:"error,omitempty"`
	CreatedAt   int64  `bson:"created_at"`
	UpdatedAt   int64  `bson:"updated_at"`
}

func toRecord(inst *api.WorkflowInstance) (instanceRecord, error) {
	in, err := EncodeValue(inst.Input)
	if err != nil {
		return instanceRecord{}, err
	}
	out, err := EncodeValue(inst.Output)
	if err != nil {
		return instanceRecord{}, err
	}
	rec := instanceRecord{
		ID:          inst.ID,
		Workflow:    inst.Name,
		Status:      string(inst.Status),
		CurrentStep: inst.CurrentStep,
		Input:       in,
		Output:      out,
		CreatedAt:   inst.CreatedAt.UnixNano(),
		UpdatedAt:   inst.UpdatedAt.UnixNano(),
	}
	if inst.Err != nil {
		rec.Error = inst.Err.Error()
	}
	return rec, nil
}

func (r instanceRecord) instance() (*api.WorkflowInstance, error) {
	in, err := DecodeValue(r.Input)
	if err != nil {
		return nil, err
	}
	out, err := DecodeValue(r.Output)
	if err != nil {
		return nil, err
	}
	inst := &api.WorkflowInstance{
		ID:          r.ID,
		Name:        r.Workflow,
		Status:      api.Status(r.Status),
		CurrentStep: r.CurrentStep,
		Input:       in,
		Output:      out,
		CreatedAt:   time.Unix(0, r.CreatedAt),
		UpdatedAt:   time.Unix(0, r.UpdatedAt),
	}
	if r.Error != "" {
		inst.Err = errors.New(r.Error)
	}
	return inst, nil
}
