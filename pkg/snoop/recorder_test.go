package snoop_test

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-mapper/pkg/snoop"
)

// fakeGCSClient captures uploaded objects into in-memory buffers.
type fakeGCSClient struct {
	mu      sync.Mutex
	objects map[string]*bytes.Buffer
}

func newFakeGCSClient() *fakeGCSClient {
	return &fakeGCSClient{objects: make(map[string]*bytes.Buffer)}
}

func (f *fakeGCSClient) Bucket(name string) snoop.GCSBucketHandle {
	return &fakeBucketHandle{client: f, bucket: name}
}

type fakeBucketHandle struct {
	client *fakeGCSClient
	bucket string
}

func (f *fakeBucketHandle) Object(name string) snoop.GCSObjectHandle {
	return &fakeObjectHandle{client: f.client, key: f.bucket + "/" + name}
}

type fakeObjectHandle struct {
	client *fakeGCSClient
	key    string
}

func (f *fakeObjectHandle) NewWriter(_ context.Context) io.WriteCloser {
	buf := &bytes.Buffer{}
	f.client.mu.Lock()
	f.client.objects[f.key] = buf
	f.client.mu.Unlock()
	return &nopWriteCloser{buf}
}

type nopWriteCloser struct {
	io.Writer
}

func (n *nopWriteCloser) Close() error { return nil }

func TestRecorderRecord(t *testing.T) {
	t.Run("ReturnsSampleCount", func(t *testing.T) {
		rec := snoop.NewRecorder(10, nil, zerolog.Nop())
		assert.Equal(t, 1, rec.Record("acme", "m1", "sensors/alpha", []byte(`{"v":1}`)))
		assert.Equal(t, 2, rec.Record("acme", "m1", "sensors/alpha", []byte(`{"v":2}`)))
		assert.Equal(t, 1, rec.Record("acme", "m2", "sensors/beta", []byte(`{"v":3}`)))
	})

	t.Run("OldestSamplesAreDroppedAtCapacity", func(t *testing.T) {
		rec := snoop.NewRecorder(3, nil, zerolog.Nop())
		for i := 1; i <= 5; i++ {
			rec.Record("acme", "m1", "sensors/alpha", []byte(fmt.Sprintf(`{"v":%d}`, i)))
		}

		samples := rec.Templates("m1")
		require.Len(t, samples, 3)
		assert.JSONEq(t, `{"v":3}`, string(samples[0].Payload))
		assert.JSONEq(t, `{"v":5}`, string(samples[2].Payload))
	})

	t.Run("NonJSONPayloadIsWrappedAsString", func(t *testing.T) {
		rec := snoop.NewRecorder(10, nil, zerolog.Nop())
		rec.Record("acme", "m1", "sensors/alpha", []byte("21.5,celsius"))

		samples := rec.Templates("m1")
		require.Len(t, samples, 1)
		var decoded string
		require.NoError(t, json.Unmarshal(samples[0].Payload, &decoded))
		assert.Equal(t, "21.5,celsius", decoded)
	})

	t.Run("ClearDropsSamples", func(t *testing.T) {
		rec := snoop.NewRecorder(10, nil, zerolog.Nop())
		rec.Record("acme", "m1", "sensors/alpha", []byte(`{}`))
		rec.Clear("m1")
		assert.Empty(t, rec.Templates("m1"))
	})

	t.Run("TemplatesReturnsACopy", func(t *testing.T) {
		rec := snoop.NewRecorder(10, nil, zerolog.Nop())
		rec.Record("acme", "m1", "sensors/alpha", []byte(`{"v":1}`))

		samples := rec.Templates("m1")
		samples[0].Topic = "mutated"
		assert.Equal(t, "sensors/alpha", rec.Templates("m1")[0].Topic)
	})
}

func TestRecorderFlush(t *testing.T) {
	ctx := context.Background()

	t.Run("WithoutArchiverOnlyClears", func(t *testing.T) {
		rec := snoop.NewRecorder(10, nil, zerolog.Nop())
		rec.Record("acme", "m1", "sensors/alpha", []byte(`{}`))
		require.NoError(t, rec.Flush(ctx, "m1"))
		assert.Empty(t, rec.Templates("m1"))
	})

	t.Run("ArchivesSamplesAsCompressedJSONL", func(t *testing.T) {
		client := newFakeGCSClient()
		archiver, err := snoop.NewArchiver(client, snoop.ArchiverConfig{
			BucketName:   "snoop-archive",
			ObjectPrefix: "templates",
		}, zerolog.Nop())
		require.NoError(t, err)

		rec := snoop.NewRecorder(10, archiver, zerolog.Nop())
		rec.Record("acme", "m1", "sensors/alpha", []byte(`{"v":1}`))
		rec.Record("acme", "m1", "sensors/alpha", []byte(`{"v":2}`))
		require.NoError(t, rec.Flush(ctx, "m1"))
		assert.Empty(t, rec.Templates("m1"))

		require.Len(t, client.objects, 1)
		var key string
		var buf *bytes.Buffer
		for k, v := range client.objects {
			key, buf = k, v
		}
		assert.True(t, strings.HasPrefix(key, "snoop-archive/templates/m1/"))
		assert.True(t, strings.HasSuffix(key, ".jsonl.gz"))

		gz, err := gzip.NewReader(buf)
		require.NoError(t, err)
		var lines []snoop.Template
		scanner := bufio.NewScanner(gz)
		for scanner.Scan() {
			var sample snoop.Template
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &sample))
			lines = append(lines, sample)
		}
		require.NoError(t, scanner.Err())

		require.Len(t, lines, 2)
		assert.Equal(t, "acme", lines[0].Tenant)
		assert.Equal(t, "m1", lines[0].MappingID)
		assert.JSONEq(t, `{"v":2}`, string(lines[1].Payload))
	})
}

func TestNewArchiverValidation(t *testing.T) {
	_, err := snoop.NewArchiver(nil, snoop.ArchiverConfig{BucketName: "b"}, zerolog.Nop())
	require.Error(t, err)

	_, err = snoop.NewArchiver(newFakeGCSClient(), snoop.ArchiverConfig{}, zerolog.Nop())
	require.Error(t, err)
}
