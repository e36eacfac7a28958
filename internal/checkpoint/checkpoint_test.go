package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/params"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/testutil"
)

func sampleCheckpoint(step int64) *Checkpoint {
	w := params.NewTensor("w", 2, 3)
	for i := range w.Data {
		w.Data[i] = float64(i)*0.1 + 1e-17
	}
	// Values that only survive an exact bit encoding
	w.Data[0] = math.Nextafter(1, 2)
	w.Data[1] = math.Copysign(0, -1)
	w.Data[2] = math.SmallestNonzeroFloat64
	return &Checkpoint{
		StepCount:    step,
		ParamVersion: step,
		Params:       params.Tensors{w, testutil.NewTensor("b", []int{2}, math.Pi, -math.E)},
		OptState: params.Tensors{
			params.NewTensor("w_velocity", 2, 3),
			testutil.NewTensor("step", []int{1}, float64(step)),
		},
		CreatedAt:    time.Now(),
	}
}

func TestName(t *testing.T) {
	assert.Equal(t, "checkpoint-42", Name(42))

	step, ok := StepFromName("/tmp/run/checkpoint-42.ckpt")
	assert.True(t, ok)
	assert.Equal(t, int64(42), step)

	_, ok = StepFromName("final")
	assert.False(t, ok)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ckpt := sampleCheckpoint(7)
	data, err := Encode(ckpt)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.StepCount)
	assert.Equal(t, int64(7), got.ParamVersion)
	assert.Equal(t, ckpt.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
	testutil.AssertBitIdentical(t, ckpt.Params, got.Params)
	testutil.AssertBitIdentical(t, ckpt.OptState, got.OptState)
}

func TestDecodeRejectsCorruption(t *testing.T) {
	data, err := Encode(sampleCheckpoint(1))
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", data[:len(data)/2]},
		{"bad magic", append([]byte("XXXXXXXX"), data[8:]...)},
		{"flipped payload bit", func() []byte {
			c := append([]byte(nil), data...)
			c[len(c)-checksumSize-1] ^= 0x01
			return c
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

// sealed builds a checksum-valid blob around an arbitrary header and payload
func sealed(t *testing.T, hdr header, payload []byte) []byte {
	t.Helper()
	hdrJSON, err := json.Marshal(hdr)
	require.NoError(t, err)
	var buf bytes.Buffer
	buf.Write(magic)
	var hdrLen [4]byte
	binary.BigEndian.PutUint32(hdrLen[:], uint32(len(hdrJSON)))
	buf.Write(hdrLen[:])
	buf.Write(hdrJSON)
	buf.Write(payload)
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

func TestDecodeRejectsOversizedShapes(t *testing.T) {
	payload := make([]byte, 16)
	tests := []struct {
		name  string
		shape []int
	}{
		{"single huge dimension", []int{1 << 61}},
		{"product overflows int", []int{1 << 32, 1 << 32}},
		{"one element too many", []int{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := sealed(t, header{
				Version: formatVersion,
				Params:  []tensorHeader{{Name: "w", Shape: tt.shape}},
			}, payload)
			assert.NotPanics(t, func() {
				_, err := Decode(data)
				assert.ErrorIs(t, err, ErrMalformed)
			})
		})
	}
}

func TestDecodeAcceptsHandBuiltBlob(t *testing.T) {
	w := testutil.NewTensor("w", []int{2}, 1.5, -2)
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:], math.Float64bits(w.Data[0]))
	binary.LittleEndian.PutUint64(payload[8:], math.Float64bits(w.Data[1]))
	data := sealed(t, header{
		Version:   formatVersion,
		StepCount: 3,
		Params:    []tensorHeader{{Name: "w", Shape: []int{2}}},
	}, payload)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.StepCount)
	testutil.AssertBitIdentical(t, params.Tensors{w}, got.Params)
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Encode(&Checkpoint{StepCount: 1})
	assert.ErrorIs(t, err, ErrMalformed)

	bad := sampleCheckpoint(1)
	bad.Params[0].Data = bad.Params[0].Data[:2]
	_, err = Encode(bad)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	for _, step := range []int64{10, 2, 100} {
		require.NoError(t, s.Save(ctx, Name(step), sampleCheckpoint(step)))
	}

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint-2", "checkpoint-10", "checkpoint-100"}, names)

	latest, err := Latest(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-100", latest)

	resolved, err := Resolve(ctx, s, LatestName)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-100", resolved)
	resolved, err = Resolve(ctx, s, "checkpoint-2")
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-2", resolved)

	want := sampleCheckpoint(10)
	got, err := s.Load(ctx, "checkpoint-10")
	require.NoError(t, err)
	testutil.AssertBitIdentical(t, want.Params, got.Params)
	testutil.AssertBitIdentical(t, want.OptState, got.OptState)

	// Explicit paths bypass the directory
	explicit := filepath.Join(t.TempDir(), "nested", "final.bin")
	require.NoError(t, s.Save(ctx, explicit, sampleCheckpoint(5)))
	got, err = s.Load(ctx, explicit)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.StepCount)

	// No temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestFileStoreLoadErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)

	_, err = s.Load(ctx, "checkpoint-9")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint-3.ckpt"), []byte("garbage"), 0o644))
	_, err = s.Load(ctx, "checkpoint-3")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFileStoreSaveFailureIsIOError(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)

	// A regular file where a directory is needed
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	err = s.Save(context.Background(), filepath.Join(blocker, "checkpoint-1.ckpt"), sampleCheckpoint(1))
	assert.ErrorIs(t, err, ErrIO)
}

func TestBadgerStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadgerStore(BadgerConfig{InMemory: true}, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load(ctx, "checkpoint-1")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, step := range []int64{30, 3} {
		require.NoError(t, s.Save(ctx, Name(step), sampleCheckpoint(step)))
	}
	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint-3", "checkpoint-30"}, names)

	want := sampleCheckpoint(30)
	got, err := s.Load(ctx, "checkpoint-30")
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.StepCount)
	testutil.AssertBitIdentical(t, want.Params, got.Params)
	testutil.AssertBitIdentical(t, want.OptState, got.OptState)
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(BackendBadger, dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, Name(4), sampleCheckpoint(4)))
	require.NoError(t, s.Close())

	s, err = Open(BackendBadger, dir, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, Name(4))
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.StepCount)
}

func TestResolveLatestOnEmptyStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	_, err = Resolve(context.Background(), s, LatestName)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("s3", t.TempDir(), zerolog.Nop())
	assert.Error(t, err)
}
