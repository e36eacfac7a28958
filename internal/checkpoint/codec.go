package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
)

// Layout: magic | u32 header length | JSON header | float64 bits (LE) | sha256.
// The checksum covers everything before it.
var magic = []byte("ARLCKPT1")

const (
	formatVersion = 1
	checksumSize  = sha256.Size
)

type tensorHeader struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

type header struct {
	Version      int            `json:"version"`
	StepCount    int64          `json:"step_count"`
	ParamVersion int64          `json:"param_version"`
	CreatedAt    int64          `json:"created_at"`
	Params       []tensorHeader `json:"params"`
	OptState     []tensorHeader `json:"opt_state"`
}

// Encode serializes ckpt into the checkpoint wire format
func Encode(ckpt *Checkpoint) ([]byte, error) {
	if err := ckpt.Validate(); err != nil {
		return nil, err
	}
	hdr := header{
		Version:      formatVersion,
		StepCount:    ckpt.StepCount,
		ParamVersion: ckpt.ParamVersion,
		CreatedAt:    ckpt.CreatedAt.UnixNano(),
		Params:       tensorHeaders(ckpt.Params),
		OptState:     tensorHeaders(ckpt.OptState),
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint header: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(magic)
	var hdrLen [4]byte
	binary.BigEndian.PutUint32(hdrLen[:], uint32(len(hdrJSON)))
	buf.Write(hdrLen[:])
	buf.Write(hdrJSON)

	var word [8]byte
	for _, set := range []params.Tensors{ckpt.Params, ckpt.OptState} {
		for _, t := range set {
			for _, v := range t.Data {
				binary.LittleEndian.PutUint64(word[:], math.Float64bits(v))
				buf.Write(word[:])
			}
		}
	}

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// Decode parses and verifies bytes produced by Encode
func Decode(data []byte) (*Checkpoint, error) {
	minLen := len(magic) + 4 + checksumSize
	if len(data) < minLen {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrMalformed, len(data))
	}
	if !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	body, stored := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], stored) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrMalformed)
	}

	off := len(magic)
	hdrLen := int(binary.BigEndian.Uint32(body[off : off+4]))
	off += 4
	if hdrLen <= 0 || off+hdrLen > len(body) {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrMalformed, hdrLen)
	}
	var hdr header
	if err := json.Unmarshal(body[off:off+hdrLen], &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	off += hdrLen
	if hdr.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrMalformed, hdr.Version)
	}

	payload := body[off:]
	ckpt := &Checkpoint{
		StepCount:    hdr.StepCount,
		ParamVersion: hdr.ParamVersion,
		CreatedAt:    time.Unix(0, hdr.CreatedAt),
	}
	var err error
	if ckpt.Params, payload, err = readTensors(hdr.Params, payload); err != nil {
		return nil, err
	}
	if ckpt.OptState, payload, err = readTensors(hdr.OptState, payload); err != nil {
		return nil, err
	}
	if len(payload) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(payload))
	}
	if err := ckpt.Validate(); err != nil {
		return nil, err
	}
	return ckpt, nil
}

func tensorHeaders(ts params.Tensors) []tensorHeader {
	out := make([]tensorHeader, len(ts))
	for i, t := range ts {
		out[i] = tensorHeader{Name: t.Name, Shape: t.Shape}
	}
	return out
}

func readTensors(hdrs []tensorHeader, payload []byte) (params.Tensors, []byte, error) {
	if len(hdrs) == 0 {
		return nil, payload, nil
	}
	out := make(params.Tensors, 0, len(hdrs))
	for _, h := range hdrs {
		for _, d := range h.Shape {
			if d < 0 {
				return nil, nil, fmt.Errorf("%w: tensor %q has negative dimension", ErrMalformed, h.Name)
			}
		}
		n, ok := elementsWithin(h.Shape, len(payload)/8)
		if !ok {
			return nil, nil, fmt.Errorf("%w: tensor %q shape %v exceeds the %d-byte payload", ErrMalformed, h.Name, h.Shape, len(payload))
		}
		t := params.Tensor{Name: h.Name, Shape: append([]int(nil), h.Shape...), Data: make([]float64, n)}
		for i := 0; i < n; i++ {
			t.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[i*8:]))
		}
		payload = payload[n*8:]
		out = append(out, t)
	}
	return out, payload, nil
}

// elementsWithin multiplies out shape, giving up as soon as the count passes limit
// so a hostile header cannot overflow it. Dimensions must be non-negative.
func elementsWithin(shape []int, limit int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d == 0 {
			return 0, true
		}
		if n > limit/d {
			return 0, false
		}
		n *= d
	}
	return n, n <= limit
}
