package snoop

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GCSClient abstracts the top-level *storage.Client so the archiver is
// testable without a real bucket.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context) io.WriteCloser
}

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter wraps a concrete *storage.Client in the GCSClient
// interface.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context) io.WriteCloser {
	return a.handle.NewWriter(ctx)
}

// ArchiverConfig holds configuration for the snoop archiver.
type ArchiverConfig struct {
	BucketName   string
	ObjectPrefix string
}

// Archiver persists flushed snoop samples as compressed JSONL objects, one
// object per flush under the mapping's prefix.
type Archiver struct {
	client GCSClient
	config ArchiverConfig
	logger zerolog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(client GCSClient, config ArchiverConfig, logger zerolog.Logger) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &Archiver{
		client: client,
		config: config,
		logger: logger.With().Str("component", "SnoopArchiver").Logger(),
	}, nil
}

// Archive streams one batch of samples to a new compressed object.
func (a *Archiver) Archive(ctx context.Context, mappingID string, samples []Template) error {
	if len(samples) == 0 {
		return nil
	}
	objectName := path.Join(a.config.ObjectPrefix, mappingID, fmt.Sprintf("%s.jsonl.gz", uuid.New().String()))

	objWriter := a.client.Bucket(a.config.BucketName).Object(objectName).NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		defer func() { _ = gz.Close() }()
		enc := json.NewEncoder(gz)
		for _, sample := range samples {
			if err = enc.Encode(sample); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
	}()

	bytesWritten, pipeReadErr := io.Copy(objWriter, pr)
	closeErr := objWriter.Close()
	if pipeReadErr != nil {
		return fmt.Errorf("failed to stream samples to %s: %w", objectName, pipeReadErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to finalize %s: %w", objectName, closeErr)
	}

	a.logger.Info().Str("object_name", objectName).Int("sample_count", len(samples)).
		Int64("bytes_written", bytesWritten).Msg("Archived snooped samples.")
	return nil
}
