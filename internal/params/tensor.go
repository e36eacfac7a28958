package params

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when two tensor sets do not share names and shapes
var ErrShapeMismatch = errors.New("tensor set shape mismatch")

// Tensor is a named, shaped, row-major block of float64 values
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// NewTensor allocates a zero-filled tensor with the given shape
func NewTensor(name string, shape ...int) Tensor {
	return Tensor{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, NumElements(shape)),
	}
}

// NumElements returns the element count implied by a shape
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Clone returns a deep copy of the tensor
func (t Tensor) Clone() Tensor {
	return Tensor{
		Name:  t.Name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Validate checks that the data length matches the shape
func (t Tensor) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tensor has empty name")
	}
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("tensor %q has negative dimension %d", t.Name, d)
		}
	}
	if want := NumElements(t.Shape); len(t.Data) != want {
		return fmt.Errorf("tensor %q has %d values, shape %v needs %d", t.Name, len(t.Data), t.Shape, want)
	}
	return nil
}

// Tensors is an ordered set of named tensors (model parameters or optimizer state)
type Tensors []Tensor

// Clone deep-copies every tensor in the set
func (ts Tensors) Clone() Tensors {
	if ts == nil {
		return nil
	}
	out := make(Tensors, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}

// Get returns the tensor with the given name
func (ts Tensors) Get(name string) (Tensor, bool) {
	for _, t := range ts {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// Validate checks every tensor and rejects duplicate names
func (ts Tensors) Validate() error {
	seen := make(map[string]bool, len(ts))
	for _, t := range ts {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tensor %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// CompatibleWith reports whether other has exactly the same names, order and shapes
func (ts Tensors) CompatibleWith(other Tensors) error {
	if len(ts) != len(other) {
		return fmt.Errorf("%w: %d tensors, want %d", ErrShapeMismatch, len(other), len(ts))
	}
	for i := range ts {
		a, b := ts[i], other[i]
		if a.Name != b.Name {
			return fmt.Errorf("%w: tensor %d is %q, want %q", ErrShapeMismatch, i, b.Name, a.Name)
		}
		if len(a.Shape) != len(b.Shape) {
			return fmt.Errorf("%w: tensor %q has rank %d, want %d", ErrShapeMismatch, a.Name, len(b.Shape), len(a.Shape))
		}
		for d := range a.Shape {
			if a.Shape[d] != b.Shape[d] {
				return fmt.Errorf("%w: tensor %q has shape %v, want %v", ErrShapeMismatch, a.Name, b.Shape, a.Shape)
			}
		}
		if len(b.Data) != NumElements(b.Shape) {
			return fmt.Errorf("%w: tensor %q has %d values for shape %v", ErrShapeMismatch, b.Name, len(b.Data), b.Shape)
		}
	}
	return nil
}
