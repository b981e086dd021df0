package serialization

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/roadseg/internal/tensor"
)

func testState(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	k, err := tensor.FromFloat32([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{1, 1, 2, 3})
	require.NoError(t, err)
	b, err := tensor.FromFloat32([]float32{0.5, -0.5, 0.25}, tensor.Shape{3})
	require.NoError(t, err)
	return map[string]*tensor.RawTensor{
		"decode_layer1_out/kernel": k,
		"decode_layer1_out/bias":   b,
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model", "vgg16_fcn.ckpt")
	state := testState(t)

	written, err := SaveCheckpoint(path, state, Header{
		ModelType: "fcn8-vgg16",
		Metadata:  map[string]string{"image_shape": "160x576"},
		Checkpoint: &CheckpointMeta{
			RunID:           "abc",
			Epoch:           23,
			Step:            690,
			Loss:            0.125,
			OptimizerType:   "Adam",
			OptimizerConfig: map[string]any{"beta1": 0.9},
		},
	})
	require.NoError(t, err)
	require.Len(t, written.Tensors, 2)
	assert.Equal(t, "decode_layer1_out/bias", written.Tensors[0].Name, "tensors are stored in name order")

	got, header, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, header.FormatVersion)
	assert.Equal(t, Producer, header.Producer)
	assert.Equal(t, "160x576", header.Metadata["image_shape"])
	require.NotNil(t, header.Checkpoint)
	assert.Equal(t, 23, header.Checkpoint.Epoch)
	assert.Equal(t, "abc", header.Checkpoint.RunID)

	require.Len(t, got, 2)
	for name, want := range state {
		assert.Equal(t, want.Shape(), got[name].Shape(), name)
		assert.Equal(t, want.AsFloat32(), got[name].AsFloat32(), name)
	}

	metaJSON, err := os.ReadFile(path + MetaSuffix)
	require.NoError(t, err)
	var meta Header
	require.NoError(t, json.Unmarshal(metaJSON, &meta))
	assert.Equal(t, "fcn8-vgg16", meta.ModelType)
	assert.Len(t, meta.Tensors, 2)
}

func TestCheckpointOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vgg16_fcn.ckpt")
	_, err := SaveCheckpoint(path, testState(t), Header{})
	require.NoError(t, err)

	single := map[string]*tensor.RawTensor{"w": tensor.Full(tensor.Shape{2}, 7)}
	_, err = SaveCheckpoint(path, single, Header{})
	require.NoError(t, err)

	got, _, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{7, 7}, got["w"].AsFloat32())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "checkpoint and metadata only")
}

func TestReadFromErrors(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteTo(&buf, testState(t), Header{})
	require.NoError(t, err)
	good := buf.Bytes()

	corrupt := bytes.Clone(good)
	corrupt[len(corrupt)-1] ^= 0xff

	badMagic := bytes.Clone(good)
	copy(badMagic, "NROB")

	badVersion := bytes.Clone(good)
	badVersion[4] = 1

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"checksum", corrupt, ErrChecksumMismatch},
		{"magic", badMagic, ErrInvalidMagic},
		{"version", badVersion, ErrUnsupportedVersion},
		{"truncated", good[:len(good)-4], ErrInvalidFile},
		{"short", good[:10], ErrInvalidFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadFrom(bytes.NewReader(tt.data))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDataIsAligned(t *testing.T) {
	var buf bytes.Buffer
	header, err := WriteTo(&buf, testState(t), Header{})
	require.NoError(t, err)

	var size int64
	for _, m := range header.Tensors {
		size += m.Size
	}
	dataStart := int64(buf.Len()) - size
	assert.Zero(t, dataStart%HeaderAlignment)
}

func TestValidation(t *testing.T) {
	t.Run("names", func(t *testing.T) {
		assert.NoError(t, ValidateTensorName("conv1_1/kernel"))
		for _, bad := range []string{"", "/etc/passwd", "a/../b", "..", "a\\b", "a\x00b"} {
			err := ValidateTensorName(bad)
			require.ErrorIs(t, err, ErrInvalidFile, bad)
		}
	})

	t.Run("offsets", func(t *testing.T) {
		overlap := []TensorMeta{{Name: "a", Offset: 0, Size: 8}, {Name: "b", Offset: 4, Size: 8}}
		var ve *ValidationError
		require.ErrorAs(t, ValidateTensorOffsets(overlap, 16), &ve)
		assert.Equal(t, "offset_overlap", ve.Type)

		outside := []TensorMeta{{Name: "a", Offset: 8, Size: 16}}
		require.ErrorAs(t, ValidateTensorOffsets(outside, 16), &ve)
		assert.Equal(t, "out_of_bounds", ve.Type)

		negative := []TensorMeta{{Name: "a", Offset: -4, Size: 4}}
		require.ErrorAs(t, ValidateTensorOffsets(negative, 16), &ve)
		assert.Equal(t, "negative_offset", ve.Type)
	})

	t.Run("size mismatch", func(t *testing.T) {
		h := &Header{Tensors: []TensorMeta{{Name: "a", DType: "float32", Shape: []int{3}, Size: 8}}}
		var ve *ValidationError
		require.ErrorAs(t, ValidateHeader(h, 16), &ve)
		assert.Equal(t, "size_mismatch", ve.Type)
	})
}
