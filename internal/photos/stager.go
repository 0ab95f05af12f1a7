// Package photos stages listing photos before they are handed to a marketplace: it
// downloads the seller's original, normalizes size and format, and stores the result
// locally or in S3.
package photos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Stager prepares photos for marketplace upload.
type Stager struct {
	cfg        config.Config
	httpClient *http.Client
	local      uploader
	s3         uploader
}

// Request describes one photo to stage.
type Request struct {
	SourceURL string
	Key       string
	// Width overrides the configured target width; height follows the aspect ratio.
	Width int
}

// Staged is where a normalized photo ended up.
type Staged struct {
	Location    string `json:"location"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// NewStager picks S3 when a bucket is configured and the local directory otherwise.
func NewStager(ctx context.Context, cfg config.Config) (*Stager, error) {
	timeout := cfg.PhotoDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	baseDir := cfg.PhotoOutputDir
	if baseDir == "" {
		baseDir = "./output/photos"
	}

	var s3Upload uploader
	if cfg.PhotoS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.PhotoS3Bucket}
	}

	return &Stager{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.PhotoS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PhotoS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.PhotoS3Endpoint)
		}
		o.UsePathStyle = cfg.PhotoS3PathStyle
	}), nil
}

// Stage downloads, resizes and stores a single photo. Bad input (unreachable
// resource, undecodable image, oversize file) is permanent; network trouble and 5xx
// responses are transient.
func (s *Stager) Stage(ctx context.Context, req Request) (Staged, error) {
	if req.SourceURL == "" {
		return Staged{}, models.Permanent(errors.New("photo source_url is required"))
	}

	data, contentType, err := s.download(ctx, req.SourceURL)
	if err != nil {
		return Staged{}, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Staged{}, models.Permanent(fmt.Errorf("decode photo: %w", err))
	}

	width := req.Width
	if width == 0 {
		width = s.cfg.PhotoWidth
	}
	if width == 0 {
		width = 1600
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	outputFormat := chooseFormat(req.Key, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return Staged{}, fmt.Errorf("encode photo: %w", err)
	}

	key := req.Key
	if key == "" {
		key = fmt.Sprintf("photo-%d.%s", time.Now().UnixNano(), formatExtension(outputFormat))
	}
	key = sanitizeKey(key)

	up := s.s3
	if up == nil {
		up = s.local
	}
	mime := mimeForFormat(outputFormat)
	location, err := up.Upload(ctx, key, buf.Bytes(), mime)
	if err != nil {
		return Staged{}, fmt.Errorf("upload photo: %w", err)
	}

	return Staged{
		Location:    location,
		Key:         key,
		ContentType: mime,
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
	}, nil
}

func (s *Stager) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", models.Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download photo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, "", fmt.Errorf("download photo: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", models.Permanent(fmt.Errorf("download photo: status %d", resp.StatusCode))
	}

	limit := s.cfg.PhotoMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read photo: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", models.Permanent(fmt.Errorf("photo too large (>%d bytes)", limit))
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

// chooseFormat keeps PNG/GIF originals and turns everything else into JPEG, which
// every marketplace accepts.
func chooseFormat(key, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
