package extract

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ArchiveExtractor unpacks ZIP attachments and routes each entry back
// through the Service registry, so nested formats reuse their own
// extractors. The extracted texts are joined per-entry.
type ArchiveExtractor struct {
	service *Service
}

func (e *ArchiveExtractor) SupportedExtensions() []string {
	return []string{".zip"}
}

func (e *ArchiveExtractor) Extract(ctx context.Context, path string) (string, map[string]string, error) {
	destDir, err := os.MkdirTemp(filepath.Dir(path), "zip-*")
	if err != nil {
		return "", nil, eris.Wrap(err, "zip: create extract dir")
	}
	defer os.RemoveAll(destDir) //nolint:errcheck

	entries, err := unpack(path, destDir)
	if err != nil {
		return "", nil, err
	}

	var (
		texts     []string
		extracted int
	)
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry))
		inner, ok := e.service.extractors[ext]
		if !ok {
			zap.L().Debug("zip: entry skipped",
				zap.String("archive", filepath.Base(path)),
				zap.String("entry", filepath.Base(entry)),
				zap.String("ext", ext),
			)
			continue
		}
		text, _, err := inner.Extract(ctx, entry)
		if err != nil {
			zap.L().Warn("zip: entry extraction failed",
				zap.String("archive", filepath.Base(path)),
				zap.String("entry", filepath.Base(entry)),
				zap.Error(err),
			)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		texts = append(texts, text)
		extracted++
	}

	if extracted == 0 {
		return "", nil, eris.Errorf("zip: no extractable entries in %q", filepath.Base(path))
	}

	meta := map[string]string{
		"format":  "zip",
		"entries": strconv.Itoa(extracted),
	}
	return strings.Join(texts, "\n\n"), meta, nil
}

// unpack extracts every file in the archive to destDir and returns the
// extracted paths.
func unpack(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var extracted []string
	for _, f := range r.File {
		path, err := unpackEntry(f, destDir)
		if err != nil {
			return extracted, err
		}
		if path != "" {
			extracted = append(extracted, path)
		}
	}

	return extracted, nil
}

// unpackEntry extracts a single zip.File to destDir. Returns the
// extracted path, or empty string for directories.
func unpackEntry(f *zip.File, destDir string) (string, error) {
	// Sanitize against zip slip
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("zip: illegal path %q (zip slip attempt)", f.Name)
	}

	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return "", eris.Wrap(err, "zip: create directory")
		}
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "zip: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrap(err, "zip: open entry")
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrap(err, "zip: write file")
	}

	return destPath, nil
}
