package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/roadseg/internal/config"
	"github.com/born-ml/roadseg/internal/fcn"
	"github.com/born-ml/roadseg/internal/kitti"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := newApp()
	var out bytes.Buffer
	a.Writer = &out
	err := a.Run(append([]string{"roadseg"}, args...))
	return out.String(), err
}

func TestBundleCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vgg")
	out, err := run(t, "bundle", "--out", dir, "--width-divisor", "64", "--seed", "3")
	require.NoError(t, err)
	assert.Contains(t, out, dir)
	for _, f := range kitti.VGGFiles {
		assert.FileExists(t, filepath.Join(dir, f))
	}
	assert.FileExists(t, filepath.Join(dir, fcn.GraphFile))
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "roadseg (dev)")
}

func TestTrain_ConfigErrors(t *testing.T) {
	_, err := run(t, "--epochs", "2", "--data-dir", t.TempDir())
	require.ErrorIs(t, err, kitti.ErrDatasetMissing)

	path := filepath.Join(t.TempDir(), "roadseg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_classes: 3\n"), 0o600))
	_, err = run(t, "--config", path, "train")
	require.ErrorIs(t, err, config.ErrInvalid)
}
