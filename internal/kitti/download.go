package kitti

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"
	"go.uber.org/zap"
)

// VGGDirName is the backbone bundle directory inside the data directory.
const VGGDirName = "vgg"

// Bundle layout shared by the backbone archive and saved models.
const (
	BundleGraphFile     = "saved_model.pb"
	BundleVariablesDir  = "variables"
	BundleVariablesFile = "variables.safetensors"
)

// VGGFiles are the files a complete backbone bundle contains.
var VGGFiles = []string{
	BundleGraphFile,
	filepath.Join(BundleVariablesDir, BundleVariablesFile),
}

// ErrDownload is returned when the backbone bundle cannot be fetched.
var ErrDownload = errors.New("kitti: backbone download failed")

// MaybeDownloadPretrainedVGG makes sure dataDir/vgg holds a backbone bundle.
// When any bundle file is missing, the archive at url is fetched and
// extracted (any go-getter source: https, s3, local path). The archive may
// hold the bundle files at its root or inside a vgg directory.
func MaybeDownloadPretrainedVGG(ctx context.Context, dataDir, url string, logger *zap.SugaredLogger) error {
	vggDir := filepath.Join(dataDir, VGGDirName)
	if hasBundle(vggDir) {
		return nil
	}
	if url == "" {
		return fmt.Errorf("%w: %s is incomplete and no url is configured", ErrDownload, vggDir)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil { //nolint:gosec // data directory
		return fmt.Errorf("create data dir: %w", err)
	}

	logger.Infow("Downloading pre-trained vgg model", "url", url, "dst", vggDir)
	tmp, err := os.MkdirTemp(dataDir, "vgg-download-")
	if err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	extracted := filepath.Join(tmp, "bundle")
	client := &getter.Client{
		Ctx:  ctx,
		Src:  url,
		Dst:  extracted,
		Pwd:  dataDir,
		Mode: getter.ClientModeDir,
	}
	if err := client.Get(); err != nil {
		return fmt.Errorf("%w: %w", ErrDownload, err)
	}

	src := extracted
	if nested := filepath.Join(extracted, VGGDirName); hasBundle(nested) {
		src = nested
	}
	if !hasBundle(src) {
		return fmt.Errorf("%w: archive does not contain %v", ErrDownload, VGGFiles)
	}
	if err := os.RemoveAll(vggDir); err != nil {
		return fmt.Errorf("replace %s: %w", vggDir, err)
	}
	if err := os.Rename(src, vggDir); err != nil {
		return fmt.Errorf("install bundle: %w", err)
	}
	return nil
}

func hasBundle(dir string) bool {
	for _, f := range VGGFiles {
		if fi, err := os.Stat(filepath.Join(dir, f)); err != nil || fi.IsDir() {
			return false
		}
	}
	return true
}
