package weights

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	internal "github.com/ZanzyTHEbar/img2selfies/i2s"
	"github.com/ZanzyTHEbar/img2selfies/i2s/common"
	"github.com/ZanzyTHEbar/img2selfies/i2s/ports"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func archiveServer(t *testing.T, payload []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestDownloader(metrics *common.Metrics) *Downloader {
	return &Downloader{
		Client:     http.DefaultClient,
		Extractor:  ZipExtractor{},
		Interactor: ports.Discard{},
		Logger:     zerolog.Nop(),
		Metrics:    metrics,
	}
}

func partFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.part"))
	require.NoError(t, err)
	return matches
}

func TestDownloadTrainedWeightsExtractsArchive(t *testing.T) {
	payload := buildZip(t, map[string]string{
		"models/Canonical/saved_model.pb": "graph",
		"models/Canonical/vars.index":     "index",
	})
	srv := archiveServer(t, payload, nil)
	dest := t.TempDir()
	metrics := common.NewMetrics(nil)

	var out bytes.Buffer
	d := newTestDownloader(metrics)
	d.Verbose = true
	d.Interactor = ports.NewWriterInteractor(&out)

	require.NoError(t, d.DownloadTrainedWeights(context.Background(), srv.URL+"/weights.zip", dest))

	got, err := os.ReadFile(filepath.Join(dest, "models", "Canonical", "saved_model.pb"))
	require.NoError(t, err)
	assert.Equal(t, "graph", string(got))

	archive, err := os.ReadFile(filepath.Join(dest, internal.DefaultArchiveName))
	require.NoError(t, err)
	assert.Equal(t, payload, archive)
	assert.Empty(t, partFiles(t, dest))

	assert.Contains(t, out.String(), "Downloading trained model to "+dest+" ...")
	assert.Contains(t, out.String(), "... done downloading trained model!")
	assert.Equal(t, float64(len(payload)), testutil.ToFloat64(metrics.BytesDownloaded()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationCount(common.OpFetchWeights, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationCount(common.OpUnpack, "success")))
}

func TestFetchQuietByDefault(t *testing.T) {
	srv := archiveServer(t, buildZip(t, map[string]string{"a": "b"}), nil)
	var out bytes.Buffer
	d := newTestDownloader(nil)
	d.Interactor = ports.NewWriterInteractor(&out)

	_, err := d.Fetch(context.Background(), srv.URL, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, out.String())
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	dest := t.TempDir()

	_, err := newTestDownloader(nil).Fetch(context.Background(), srv.URL, dest)
	assert.ErrorIs(t, err, common.ErrDownload)
	assert.True(t, IsDownloadError(err))
	assert.NoFileExists(t, filepath.Join(dest, internal.DefaultArchiveName))
}

func TestFetchTruncatedBodyLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.Write([]byte("PK\x03\x04 only a little"))
	}))
	defer srv.Close()
	dest := t.TempDir()
	metrics := common.NewMetrics(nil)

	_, err := newTestDownloader(metrics).Fetch(context.Background(), srv.URL, dest)
	assert.ErrorIs(t, err, common.ErrDownload)
	assert.NoFileExists(t, filepath.Join(dest, internal.DefaultArchiveName))
	assert.Empty(t, partFiles(t, dest))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationCount(common.OpFetchWeights, "failure")))
}

func TestFetchRequiresURL(t *testing.T) {
	_, err := newTestDownloader(nil).Fetch(context.Background(), "", t.TempDir())
	assert.ErrorIs(t, err, common.ErrDownload)
}

func TestFetchHonorsContext(t *testing.T) {
	srv := archiveServer(t, []byte("PK"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestDownloader(nil).Fetch(ctx, srv.URL, t.TempDir())
	assert.ErrorIs(t, err, common.ErrDownload)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentDownloadsAreNotDeduplicated(t *testing.T) {
	payload := buildZip(t, map[string]string{"weights.bin": "0123456789"})
	var hits atomic.Int32
	srv := archiveServer(t, payload, &hits)
	dest := t.TempDir()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = newTestDownloader(nil).DownloadTrainedWeights(context.Background(), srv.URL, dest)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())

	archive, err := os.ReadFile(filepath.Join(dest, internal.DefaultArchiveName))
	require.NoError(t, err)
	assert.Equal(t, payload, archive)
	assert.Empty(t, partFiles(t, dest))
}

func TestExtractCorruptArchive(t *testing.T) {
	dest := t.TempDir()
	archive := filepath.Join(dest, internal.DefaultArchiveName)
	require.NoError(t, os.WriteFile(archive, []byte("definitely not a zip"), 0o644))

	err := newTestDownloader(nil).Extract(context.Background(), archive, dest)
	assert.ErrorIs(t, err, common.ErrExtraction)
	assert.True(t, IsExtractionError(err))
}

func TestExtractLogsFailureAndRequiresDestination(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "w.zip")
	require.NoError(t, os.WriteFile(archive, buildZip(t, map[string]string{"a": "b"}), 0o644))

	var logs bytes.Buffer
	d := newTestDownloader(nil)
	d.Logger = zerolog.New(&logs)
	d.Extractor = ZipExtractor{}

	err := d.Extract(context.Background(), archive, filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, common.ErrExtraction)
	assert.ErrorIs(t, err, common.ErrDestNotExist)
	assert.NoFileExists(t, filepath.Join(dir, "missing", "a"))
	assert.Contains(t, logs.String(), `"level":"error"`)

	logs.Reset()
	require.NoError(t, os.WriteFile(archive, []byte("not a zip"), 0o644))
	err = d.Extract(context.Background(), archive, dir)
	assert.ErrorIs(t, err, common.ErrExtraction)
	assert.Contains(t, logs.String(), `"message":"extract w.zip"`)
}

func TestZipExtractorRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(archive, buildZip(t, map[string]string{"../escaped.txt": "x"}), 0o644))

	dest := filepath.Join(dir, "out")
	require.NoError(t, os.Mkdir(dest, 0o755))

	err := ZipExtractor{}.Extract(context.Background(), archive, dest)
	assert.ErrorContains(t, err, "escapes destination")
	assert.NoFileExists(t, filepath.Join(dir, "escaped.txt"))
}

func TestUnzipCommand(t *testing.T) {
	if _, err := exec.LookPath("unzip"); err != nil {
		t.Skip("unzip not installed")
	}
	dir := t.TempDir()
	archive := filepath.Join(dir, "w.zip")
	require.NoError(t, os.WriteFile(archive, buildZip(t, map[string]string{"nested/file.txt": "hello"}), 0o644))

	require.NoError(t, UnzipCommand{}.Extract(context.Background(), archive, dir))
	got, err := os.ReadFile(filepath.Join(dir, "nested", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestUnzipCommandMissingBinary(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "w.zip")
	require.NoError(t, os.WriteFile(archive, buildZip(t, map[string]string{"a": "b"}), 0o644))

	d := newTestDownloader(nil)
	d.Extractor = UnzipCommand{Binary: "i2s-no-such-unzip"}
	err := d.Extract(context.Background(), archive, dir)
	assert.ErrorIs(t, err, common.ErrExtraction)
}

func TestProgressWriterReportsPercent(t *testing.T) {
	var out bytes.Buffer
	p := &progressWriter{label: "w.zip", total: 200, interactor: ports.NewWriterInteractor(&out)}
	p.Write(make([]byte, 1))
	p.Write(make([]byte, 99))
	p.Write(make([]byte, 100))

	assert.Equal(t, "w.zip: 100/200 bytes (50%)\nw.zip: 200/200 bytes (100%)\n", out.String())
}
