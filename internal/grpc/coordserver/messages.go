package coordserver

import (
	"math"
	"time"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
)

// FetchSnapshotRequest asks for parameters newer than MinVersion
type FetchSnapshotRequest struct {
	ClientKey  string `json:"client_key"`
	MinVersion int64  `json:"min_version"`
}

// FetchSnapshotResponse carries a snapshot; Params is empty when the caller is current
type FetchSnapshotResponse struct {
	Version     int64        `json:"version"`
	Params      []WireTensor `json:"params,omitempty"`
	PublishedAt time.Time    `json:"published_at"`
}

// WireTensor carries tensor values as IEEE-754 bit patterns. JSON numbers cannot
// hold NaN or infinities, and the bits round-trip exactly.
type WireTensor struct {
	Name  string   `json:"name"`
	Shape []int    `json:"shape"`
	Bits  []uint64 `json:"bits"`
}

func toWire(ts params.Tensors) []WireTensor {
	if ts == nil {
		return nil
	}
	out := make([]WireTensor, len(ts))
	for i, t := range ts {
		bits := make([]uint64, len(t.Data))
		for j, v := range t.Data {
			bits[j] = math.Float64bits(v)
		}
		out[i] = WireTensor{Name: t.Name, Shape: t.Shape, Bits: bits}
	}
	return out
}

func fromWire(ws []WireTensor) params.Tensors {
	if ws == nil {
		return nil
	}
	out := make(params.Tensors, len(ws))
	for i, w := range ws {
		data := make([]float64, len(w.Bits))
		for j, b := range w.Bits {
			data[j] = math.Float64frombits(b)
		}
		out[i] = params.Tensor{Name: w.Name, Shape: w.Shape, Data: data}
	}
	return out
}

// InsertRequest is one idempotent batch of transitions
type InsertRequest struct {
	BatchID     string              `json:"batch_id"`
	Transitions []replay.Transition `json:"transitions"`
}

// InsertResponse acknowledges a batch
type InsertResponse struct {
	Inserted  int  `json:"inserted"`
	Duplicate bool `json:"duplicate"`
}

// SampleRequest asks for one weighted batch
type SampleRequest struct {
	BatchSize int `json:"batch_size"`
}

// UpdatePrioritiesRequest rewrites sampling priorities by key
type UpdatePrioritiesRequest struct {
	Keys       []uint64  `json:"keys"`
	Priorities []float64 `json:"priorities"`
}

// CheckpointRequest names a checkpoint; empty means the conventional step name
type CheckpointRequest struct {
	Name string `json:"name"`
}

// CheckpointResponse echoes the name that was used
type CheckpointResponse struct {
	Name string `json:"name"`
}

// Empty is a request or response with no fields
type Empty struct{}
