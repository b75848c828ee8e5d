package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// MaxUploadSize caps attachment size at 50 MB, matching the bucket policy.
const MaxUploadSize = 50 * 1024 * 1024

var (
	mediaUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_media_uploads_total",
		Help: "Total number of media uploads by category",
	}, []string{"category"})

	mediaUploadSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_media_upload_size_bytes",
		Help:    "Histogram of uploaded attachment sizes in bytes",
		Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 52428800},
	})

	mediaUploadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_media_upload_failures_total",
		Help: "Total number of failed media uploads",
	})
)

// Result describes a stored attachment.
type Result struct {
	URL       string
	ObjectKey string
	FileName  string
	MediaType string
	FileSize  int64
}

// Store is the object-storage capability the pipelines depend on. The
// minio-backed Service implements it; tests use in-memory fakes.
type Store interface {
	Upload(ctx context.Context, data []byte, fileName, mediaType string) (*Result, error)
	Download(ctx context.Context, url string) ([]byte, error)
	AudioDuration(ctx context.Context, data []byte) int
}

// DurationProbe measures an audio payload in whole seconds. Probes are
// best-effort: any error degrades to duration 0 and never blocks a message.
type DurationProbe func(ctx context.Context, data []byte) (int, error)

// Config holds object storage settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicBaseURL overrides the URL prefix for stored objects, for
	// deployments fronted by a CDN. Defaults to the endpoint itself.
	PublicBaseURL string
}

// Service uploads and downloads attachments through a public bucket.
type Service struct {
	client  *minio.Client
	cfg     Config
	probe   DurationProbe
	httpcli *http.Client
	log     *zap.Logger
}

// NewService creates the media service and makes sure the bucket exists
// with anonymous read access, so stored attachments are fetchable by URL.
func NewService(ctx context.Context, cfg Config, probe DurationProbe, log *zap.Logger) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	policy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Principal": {"AWS": ["*"]},
			"Action": ["s3:GetObject"],
			"Resource": ["arn:aws:s3:::%s/*"]
		}]
	}`, cfg.Bucket)
	if err := client.SetBucketPolicy(ctx, cfg.Bucket, policy); err != nil {
		return nil, fmt.Errorf("failed to set bucket policy: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	if probe == nil {
		probe = func(context.Context, []byte) (int, error) { return 0, nil }
	}

	return &Service{
		client:  client,
		cfg:     cfg,
		probe:   probe,
		httpcli: &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}, nil
}

// Upload stores an attachment under a collision-resistant key and returns
// its public URL plus metadata.
func (s *Service) Upload(ctx context.Context, data []byte, fileName, mediaType string) (*Result, error) {
	if int64(len(data)) > MaxUploadSize {
		mediaUploadFailuresTotal.Inc()
		return nil, fmt.Errorf("attachment of %d bytes exceeds the %d byte limit", len(data), MaxUploadSize)
	}

	objectKey := ObjectKey(fileName, mediaType, time.Now())

	_, err := s.client.PutObject(ctx, s.cfg.Bucket, objectKey,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: mediaType, CacheControl: "max-age=3600"})
	if err != nil {
		mediaUploadFailuresTotal.Inc()
		return nil, fmt.Errorf("failed to upload %s: %w", objectKey, err)
	}

	mediaUploadsTotal.WithLabelValues(Category(mediaType)).Inc()
	mediaUploadSizeBytes.Observe(float64(len(data)))

	return &Result{
		URL:       s.PublicURL(objectKey),
		ObjectKey: objectKey,
		FileName:  path.Base(fileName),
		MediaType: mediaType,
		FileSize:  int64(len(data)),
	}, nil
}

// Download fetches a stored attachment back by its public URL, used by
// dispatch to hand the payload to the messaging network.
func (s *Service) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid media url: %w", err)
	}

	resp, err := s.httpcli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media body: %w", err)
	}
	if int64(len(data)) > MaxUploadSize {
		return nil, fmt.Errorf("media exceeds the %d byte limit", MaxUploadSize)
	}
	return data, nil
}

// PublicURL builds the anonymously fetchable URL for an object key.
func (s *Service) PublicURL(objectKey string) string {
	base := s.cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if s.cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s", scheme, s.cfg.Endpoint)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), s.cfg.Bucket, objectKey)
}

// AudioDuration probes an audio payload, degrading to 0 on any failure.
func (s *Service) AudioDuration(ctx context.Context, data []byte) int {
	seconds, err := s.probe(ctx, data)
	if err != nil {
		s.log.Warn("audio duration probe failed", zap.Error(err))
		return 0
	}
	return seconds
}

// Category classifies a MIME type into the bucket folder taxonomy.
func Category(mediaType string) string {
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return "images"
	case strings.HasPrefix(mediaType, "video/"):
		return "videos"
	case strings.HasPrefix(mediaType, "audio/"):
		return "audio"
	default:
		return "other"
	}
}

// IsVoiceCapture reports whether an audio attachment is a synthesized
// voice note. The browser recorder marks its files with a voice_message
// prefix; the network flags push-to-talk messages upstream.
func IsVoiceCapture(fileName, mediaType string) bool {
	return strings.HasPrefix(mediaType, "audio/") && strings.Contains(fileName, "voice_message")
}

// ObjectKey builds a collision-resistant storage path:
// category folder + nanosecond timestamp + sanitized base name.
func ObjectKey(fileName, mediaType string, now time.Time) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		base = "file"
	}
	return fmt.Sprintf("%s/%d_%s", Category(mediaType), now.UnixNano(), base)
}

// DefaultFileName synthesizes a name for inbound media the network did
// not label, from the message kind and the MIME subtype.
func DefaultFileName(kind, mediaType string, now time.Time) string {
	ext := "bin"
	if i := strings.IndexByte(mediaType, '/'); i >= 0 && i+1 < len(mediaType) {
		ext = mediaType[i+1:]
		if j := strings.IndexAny(ext, ";+"); j >= 0 {
			ext = ext[:j]
		}
	}
	if kind == "" {
		kind = "media"
	}
	return fmt.Sprintf("%s_%d.%s", kind, now.UnixMilli(), ext)
}
