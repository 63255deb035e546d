// Package weights fetches and unpacks pretrained model weight archives.
//
// Fetching and extracting are separate steps. A fetch streams into a
// uniquely named temporary file next to the destination and renames it into
// place only after the byte count checks out. There is no retry and no
// deduplication: concurrent calls for the same destination each download in
// full and the last rename wins.
package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	internal "github.com/ZanzyTHEbar/img2selfies/i2s"
	"github.com/ZanzyTHEbar/img2selfies/i2s/common"
	"github.com/ZanzyTHEbar/img2selfies/i2s/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// progressStep is the minimum number of bytes between progress reports
// when the total size is unknown.
const progressStep = 8 << 20

// Downloader fetches weight archives over HTTP(S).
type Downloader struct {
	Client    *http.Client
	Extractor Extractor
	// Interactor receives status and progress messages when Verbose is set.
	Interactor  ports.Interactor
	Verbose     bool
	ArchiveName string
	Logger      zerolog.Logger
	Metrics     *common.Metrics
}

// NewDownloader returns a downloader using the default HTTP client and the
// external unzip utility.
func NewDownloader(verbose bool, interactor ports.Interactor, logger zerolog.Logger) *Downloader {
	return &Downloader{
		Client:      http.DefaultClient,
		Extractor:   UnzipCommand{},
		Interactor:  interactor,
		Verbose:     verbose,
		ArchiveName: internal.DefaultArchiveName,
		Logger:      logger,
	}
}

// DownloadTrainedWeights fetches url into destDir and extracts it there,
// printing status to stdout when verbose is set.
func DownloadTrainedWeights(ctx context.Context, url, destDir string, verbose bool) error {
	d := NewDownloader(verbose, ports.NewWriterInteractor(os.Stdout), zerolog.Nop())
	return d.DownloadTrainedWeights(ctx, url, destDir)
}

// DownloadTrainedWeights runs Fetch followed by Extract.
func (d *Downloader) DownloadTrainedWeights(ctx context.Context, url, destDir string) error {
	archive, err := d.Fetch(ctx, url, destDir)
	if err != nil {
		return err
	}
	return d.Extract(ctx, archive, destDir)
}

// Fetch downloads url to destDir/ArchiveName and returns that path.
// Failures wrap common.ErrDownload and leave no temporary file behind.
func (d *Downloader) Fetch(ctx context.Context, url, destDir string) (path string, err error) {
	start := time.Now()
	defer func() { d.Metrics.ObserveOperation(common.OpFetchWeights, start, err) }()

	if url == "" {
		return "", fmt.Errorf("%w: no weights url configured", common.ErrDownload)
	}
	if destDir == "" {
		destDir = "."
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %w", common.ErrDownload, destDir, err)
	}
	path = filepath.Join(destDir, d.archiveName())
	d.status("Downloading trained model to " + destDir + " ...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", common.ErrDownload, err)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: GET %s: %s", common.ErrDownload, url, resp.Status)
	}

	tmp := fmt.Sprintf("%s.%s.part", path, uuid.NewString())
	n, err := d.writeTemp(tmp, resp)
	d.Metrics.AddDownloadedBytes(n)
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %w", common.ErrDownload, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: place archive: %w", common.ErrDownload, err)
	}

	d.Logger.Info().Str("url", url).Str("archive", path).Int64("bytes", n).Dur("took", time.Since(start)).Msg("fetched weights archive")
	d.status("... done downloading trained model!")
	return path, nil
}

func (d *Downloader) writeTemp(tmp string, resp *http.Response) (int64, error) {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}

	var w io.Writer = f
	if d.Verbose && d.Interactor != nil {
		w = io.MultiWriter(f, &progressWriter{
			label:      filepath.Base(tmp),
			total:      resp.ContentLength,
			interactor: d.Interactor,
		})
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		f.Close()
		return n, err
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		f.Close()
		return n, fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return n, err
	}
	return n, f.Close()
}

// Extract unpacks archivePath into destDir. Failures wrap
// common.ErrExtraction.
func (d *Downloader) Extract(ctx context.Context, archivePath, destDir string) (err error) {
	start := time.Now()
	defer func() { d.Metrics.ObserveOperation(common.OpUnpack, start, err) }()

	if destDir == "" {
		destDir = "."
	}
	eu := common.NewErrorUtils(d.Logger)
	if err := common.NewValidationUtils().ValidateDirectoryExists(destDir); err != nil {
		return eu.LogAndWrapError(fmt.Errorf("%w: %w", common.ErrExtraction, err), zerolog.ErrorLevel, "extract into %s", destDir)
	}
	ex := d.Extractor
	if ex == nil {
		ex = UnzipCommand{}
	}
	if err := ex.Extract(ctx, archivePath, destDir); err != nil {
		if d.Verbose && d.Interactor != nil {
			d.Interactor.Error("extracting "+archivePath, err)
		}
		return eu.LogAndWrapError(fmt.Errorf("%w: %w", common.ErrExtraction, err), zerolog.ErrorLevel, "extract %s", filepath.Base(archivePath))
	}
	d.Logger.Info().Str("archive", archivePath).Str("dest", destDir).Msg("extracted weights archive")
	return nil
}

func (d *Downloader) status(msg string) {
	if d.Verbose && d.Interactor != nil {
		d.Interactor.Output(msg)
	}
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *Downloader) archiveName() string {
	if d.ArchiveName != "" {
		return d.ArchiveName
	}
	return internal.DefaultArchiveName
}

// progressWriter reports every whole percent when the size is known and
// every progressStep bytes otherwise.
type progressWriter struct {
	label      string
	total      int64
	done       int64
	reported   int64
	interactor ports.Interactor
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	step := int64(progressStep)
	if p.total > 0 {
		step = p.total / 100
		if step == 0 {
			step = 1
		}
	}
	if p.done-p.reported >= step || (p.total > 0 && p.done == p.total) {
		p.reported = p.done
		p.interactor.Progress(p.label, p.done, p.total)
	}
	return len(b), nil
}

// IsDownloadError reports whether err came from fetching.
func IsDownloadError(err error) bool { return errors.Is(err, common.ErrDownload) }

// IsExtractionError reports whether err came from unpacking.
func IsExtractionError(err error) bool { return errors.Is(err, common.ErrExtraction) }
