package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tenderscope/tender-cli/internal/model"
)

// seedTextLimit caps the description-seed text taken from extracted files.
const seedTextLimit = 4000

// Extractor converts one local file into plain text plus metadata.
// Implementations are registered per extension; archive extractors
// dispatch their entries back through the same registry.
type Extractor interface {
	SupportedExtensions() []string
	Extract(ctx context.Context, path string) (string, map[string]string, error)
}

// Fetcher downloads the documents behind a candidate tender into destDir.
// Site-specific crawling lives behind this interface.
type Fetcher interface {
	Fetch(ctx context.Context, tender model.CandidateTender, destDir string) (*FetchResult, error)
}

// FetchResult is what a Fetcher hands back: local file paths plus any
// seed text it scraped directly off the listing page.
type FetchResult struct {
	Paths    []string
	SeedText string
}

// ProcessedFile pairs an uploaded-file record with its extracted text.
type ProcessedFile struct {
	File model.UploadedFile
	Text string
}

// Outcome is the per-tender extraction result consumed by the pipeline.
type Outcome struct {
	Status     model.ExtractionStatus
	DocumentID string
	Files      []ProcessedFile
	SeedText   string
	Reason     string
}

// Service owns the extension registry and the per-run temp workspace.
type Service struct {
	fetcher    Fetcher
	tempRoot   string
	timeout    time.Duration
	extractors map[string]Extractor
}

// New creates a Service with the default extractors registered
// (plain text, HTML, XLSX, ZIP archives).
func New(fetcher Fetcher, tempDir string, timeout time.Duration) (*Service, error) {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "tender-extract")
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "extract: create temp dir")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	s := &Service{
		fetcher:    fetcher,
		tempRoot:   tempDir,
		timeout:    timeout,
		extractors: make(map[string]Extractor),
	}
	s.Register(&TextExtractor{})
	s.Register(&HTMLExtractor{})
	s.Register(&XLSXExtractor{})
	s.Register(&ArchiveExtractor{service: s})

	return s, nil
}

// Register adds an extractor for each extension it supports. Later
// registrations win.
func (s *Service) Register(e Extractor) {
	for _, ext := range e.SupportedExtensions() {
		s.extractors[strings.ToLower(ext)] = e
	}
}

// Shutdown removes the temp workspace. Safe to call once per Service.
func (s *Service) Shutdown() {
	if err := os.RemoveAll(s.tempRoot); err != nil {
		zap.L().Warn("extract: temp dir cleanup failed",
			zap.String("dir", s.tempRoot),
			zap.Error(err),
		)
	}
}

// Process fetches and extracts all documents for one tender. Extraction
// failures are reported through Outcome.Status, not the error return; the
// error is reserved for workspace setup problems.
func (s *Service) Process(ctx context.Context, tender model.CandidateTender) (*Outcome, error) {
	if tender.URL == "" {
		return &Outcome{Status: model.ExtractionSkipped, Reason: "candidate has no URL"}, nil
	}

	workDir, err := os.MkdirTemp(s.tempRoot, "tender-*")
	if err != nil {
		return nil, eris.Wrap(err, "extract: create work dir")
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fetched, err := s.fetcher.Fetch(ctx, tender, workDir)
	if err != nil {
		zap.L().Warn("extract: fetch failed",
			zap.String("url", tender.URL),
			zap.Error(err),
		)
		return &Outcome{Status: model.ExtractionFailed, Reason: "fetch: " + err.Error()}, nil
	}

	docID := uuid.NewString()

	var files []ProcessedFile
	for _, path := range fetched.Paths {
		pf, err := s.extractFile(ctx, path, docID)
		if err != nil {
			zap.L().Warn("extract: file skipped",
				zap.String("url", tender.URL),
				zap.String("file", filepath.Base(path)),
				zap.Error(err),
			)
			continue
		}
		files = append(files, pf)
	}

	seed := strings.TrimSpace(fetched.SeedText)
	if seed == "" {
		seed = seedFromFiles(files)
	}

	if len(files) == 0 && seed == "" {
		return &Outcome{
			Status: model.ExtractionFailed,
			Reason: "no extractable text in any fetched file",
		}, nil
	}

	return &Outcome{
		Status:     model.ExtractionSuccess,
		DocumentID: docID,
		Files:      files,
		SeedText:   seed,
	}, nil
}

func (s *Service) extractFile(ctx context.Context, path, docID string) (ProcessedFile, error) {
	ext := strings.ToLower(filepath.Ext(path))
	extractor, ok := s.extractors[ext]
	if !ok {
		return ProcessedFile{}, eris.Errorf("extract: unsupported extension %q", ext)
	}

	text, _, err := extractor.Extract(ctx, path)
	if err != nil {
		return ProcessedFile{}, err
	}
	if strings.TrimSpace(text) == "" {
		return ProcessedFile{}, eris.New("extract: file yielded no text")
	}

	info, err := os.Stat(path)
	if err != nil {
		return ProcessedFile{}, eris.Wrap(err, "extract: stat file")
	}

	name := filepath.Base(path)
	return ProcessedFile{
		File: model.UploadedFile{
			Filename:   name,
			StorageKey: docID + "/" + name,
			SizeBytes:  info.Size(),
			Namespace:  docID,
		},
		Text: text,
	}, nil
}

func seedFromFiles(files []ProcessedFile) string {
	var b strings.Builder
	for _, f := range files {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(f.Text)
		if b.Len() >= seedTextLimit {
			break
		}
	}
	runes := []rune(b.String())
	if len(runes) > seedTextLimit {
		runes = runes[:seedTextLimit]
	}
	return strings.TrimSpace(string(runes))
}
