package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"study-notify/internal/config"
	"study-notify/internal/models"
)

// pdfFetcher retrieves the raw PDF a job points at.
type pdfFetcher interface {
	Fetch(ctx context.Context, payload notesJobPayload) ([]byte, error)
}

// Generator produces study notes from an extracted document. The AI backend
// is opaque to the worker; anything that can turn pages into notes fits.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (models.JobResult, error)
}

// GenerateRequest is the input handed to the notes generator.
type GenerateRequest struct {
	JobID     string
	Title     string
	PageCount int
	PDF       []byte
}

// NotesHandler runs the PDF-to-study-notes pipeline: fetch, extract,
// generate, finish. Each stage reports progress through the emitter.
type NotesHandler struct {
	cfg       config.Config
	s3        pdfFetcher
	http      pdfFetcher
	generator Generator
	tempDir   string
}

type notesJobPayload struct {
	Key       string `json:"key"`
	SourceURL string `json:"source_url"`
	Title     string `json:"title"`
}

// NewNotesHandler constructs the handler. S3 fetching is enabled only when a
// bucket is configured; URL fetching always works.
func NewNotesHandler(ctx context.Context, cfg config.Config, gen Generator) (*NotesHandler, error) {
	tempDir := filepath.Join(os.TempDir(), "study-notify-pdf")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	var s3Fetch pdfFetcher
	if cfg.PDFS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Fetch = &s3Fetcher{client: client, bucket: cfg.PDFS3Bucket, maxBytes: cfg.PDFMaxBytes}
	}

	if gen == nil {
		gen = &StubGenerator{}
	}

	return &NotesHandler{
		cfg: cfg,
		s3:  s3Fetch,
		http: &httpFetcher{
			client:   &http.Client{Timeout: 30 * time.Second},
			maxBytes: cfg.PDFMaxBytes,
		},
		generator: gen,
		tempDir:   tempDir,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.PDFS3Region),
	}
	if cfg.PDFS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.PDFS3Endpoint,
					HostnameImmutable: cfg.PDFS3PathStyle,
					SigningRegion:     cfg.PDFS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PDFS3PathStyle
	}), nil
}

// Handle runs the full pipeline for one job.
func (h *NotesHandler) Handle(ctx context.Context, job models.Job, report ProgressFunc) (models.JobResult, error) {
	payload, err := decodeNotesPayload(job)
	if err != nil {
		return nil, Permanent("invalid_payload", err)
	}

	report("fetching", 10, "downloading document")
	fetcher, err := h.pickFetcher(payload)
	if err != nil {
		return nil, Permanent("invalid_payload", err)
	}
	pdf, err := fetcher.Fetch(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("fetch pdf: %w", err)
	}

	report("extracting", 30, "reading document structure")
	pageCount, err := h.pageCount(job.ID, pdf)
	if err != nil {
		return nil, Permanent("invalid_pdf", err)
	}
	if pageCount == 0 {
		return nil, Permanent("invalid_pdf", errors.New("document has no pages"))
	}

	report("generating", 60, fmt.Sprintf("generating notes for %d pages", pageCount))
	result, err := h.generator.Generate(ctx, GenerateRequest{
		JobID:     job.ID,
		Title:     payload.Title,
		PageCount: pageCount,
		PDF:       pdf,
	})
	if err != nil {
		return nil, fmt.Errorf("generate notes: %w", err)
	}

	report("finalizing", 90, "")
	if result == nil {
		result = models.JobResult{}
	}
	result["pageCount"] = pageCount
	return result, nil
}

// pageCount writes the PDF to a temp file, which is the only input form the
// parser accepts, and reads the page count from the document context.
func (h *NotesHandler) pageCount(jobID string, pdf []byte) (int, error) {
	tempFile := filepath.Join(h.tempDir, fmt.Sprintf("job_%s.pdf", jobID))
	if err := os.WriteFile(tempFile, pdf, 0o644); err != nil {
		return 0, fmt.Errorf("write temp pdf: %w", err)
	}
	defer os.Remove(tempFile)

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return 0, fmt.Errorf("read pdf: %w", err)
	}
	return pdfCtx.PageCount, nil
}

func (h *NotesHandler) pickFetcher(payload notesJobPayload) (pdfFetcher, error) {
	switch {
	case payload.Key != "":
		if h.s3 == nil {
			return nil, errors.New("payload references an s3 key but PDF_S3_BUCKET is not configured")
		}
		return h.s3, nil
	case payload.SourceURL != "":
		return h.http, nil
	default:
		return nil, errors.New("payload needs either key or source_url")
	}
}

func decodeNotesPayload(job models.Job) (notesJobPayload, error) {
	var payload notesJobPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Key == "" && payload.SourceURL == "" {
		return payload, errors.New("either key or source_url is required")
	}
	return payload, nil
}

type s3Fetcher struct {
	client   *s3.Client
	bucket   string
	maxBytes int64
}

func (f *s3Fetcher) Fetch(ctx context.Context, payload notesJobPayload) ([]byte, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(payload.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	return readLimited(out.Body, f.maxBytes)
}

type httpFetcher struct {
	client   *http.Client
	maxBytes int64
}

func (f *httpFetcher) Fetch(ctx context.Context, payload notesJobPayload) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.SourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download pdf: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download pdf: status %d", resp.StatusCode)
	}
	return readLimited(resp.Body, f.maxBytes)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = 50 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("pdf too large (>%d bytes)", limit)
	}
	return body, nil
}

// StubGenerator produces a deterministic outline without calling any model.
// It stands in wherever a real backend is not configured, including tests.
type StubGenerator struct{}

func (g *StubGenerator) Generate(_ context.Context, req GenerateRequest) (models.JobResult, error) {
	title := req.Title
	if title == "" {
		title = "Untitled document"
	}
	sections := make([]string, 0, req.PageCount)
	for i := 1; i <= req.PageCount; i++ {
		sections = append(sections, fmt.Sprintf("Page %d summary", i))
	}
	return models.JobResult{
		"noteId":   "note-" + req.JobID,
		"title":    title,
		"summary":  fmt.Sprintf("%s: %d pages reviewed", title, req.PageCount),
		"sections": strings.Join(sections, "\n"),
	}, nil
}
