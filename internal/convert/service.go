// Package convert coordinates a single IFC to GLB conversion request: it
// stages the upload, validates it, runs the native converter on the worker
// pool and turns the result into a success value or a typed *Error.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/trackshift/platform/converter/internal/audit"
	"github.com/trackshift/platform/converter/internal/connectors"
	"github.com/trackshift/platform/converter/internal/dlp"
	"github.com/trackshift/platform/converter/internal/metrics"
	"github.com/trackshift/platform/converter/internal/native"
	"github.com/trackshift/platform/converter/internal/options"
	"github.com/trackshift/platform/converter/internal/pool"
	"github.com/trackshift/platform/converter/internal/upload"
)

const (
	filePartName     = "file"
	inputExtension   = ".ifc"
	outputExtension  = ".glb"
	maxFieldBytes    = 4 * 1024
	outcomeSucceeded = "ok"
)

// Config holds the settings the orchestrator needs. It is not modified
// after NewService.
type Config struct {
	InputDir       string
	OutputDir      string
	MaxUploadBytes int64
	// NativeTimeout bounds how long a request waits for the converter.
	// Zero waits indefinitely.
	NativeTimeout time.Duration
}

// Request is one incoming conversion call.
type Request struct {
	Parts  *multipart.Reader
	Params url.Values
}

// Result describes a successful conversion.
type Result struct {
	ID         string
	InputFile  string
	OutputFile string
	DurationMs int64
	SizeBytes  int64
}

// Service runs conversions. It is safe for concurrent use: every request
// works on its own UUID-named files.
type Service struct {
	cfg       Config
	invoker   native.Invoker
	pool      *pool.Pool
	scanner   dlp.Scanner
	publisher *connectors.Publisher
	recorder  audit.Recorder
	metrics   *metrics.Collector
	logger    zerolog.Logger
	newID     func() string
}

// Option customises a Service.
type Option func(*Service)

func WithScanner(s dlp.Scanner) Option { return func(svc *Service) { svc.scanner = s } }
func WithPublisher(p *connectors.Publisher) Option { return func(svc *Service) { svc.publisher = p } }
func WithRecorder(r audit.Recorder) Option { return func(svc *Service) { svc.recorder = r } }
func WithMetrics(m *metrics.Collector) Option { return func(svc *Service) { svc.metrics = m } }
func WithLogger(l zerolog.Logger) Option { return func(svc *Service) { svc.logger = l } }
func WithIDGenerator(fn func() string) Option { return func(svc *Service) { svc.newID = fn } }

func NewService(cfg Config, inv native.Invoker, p *pool.Pool, opts ...Option) (*Service, error) {
	if inv == nil {
		return nil, errors.New("convert: invoker must not be nil")
	}
	if p == nil {
		return nil, errors.New("convert: pool must not be nil")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, errors.New("convert: upload limit must be positive")
	}
	var err error
	if cfg.InputDir, err = filepath.Abs(cfg.InputDir); err != nil {
		return nil, fmt.Errorf("convert: resolve input dir: %w", err)
	}
	if cfg.OutputDir, err = filepath.Abs(cfg.OutputDir); err != nil {
		return nil, fmt.Errorf("convert: resolve output dir: %w", err)
	}
	s := &Service{
		cfg:      cfg,
		invoker:  inv,
		pool:     p,
		recorder: audit.Nop{},
		logger:   log.With().Str("component", "convert").Logger(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// staged is the input/output file pair owned by one request.
type staged struct {
	id     string
	input  string
	output string
}

type received struct {
	fileName string
	size     int64
	fields   map[string]string
}

// Convert drives one request to exactly one outcome. Failures are returned
// as *Error.
func (s *Service) Convert(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	files := staged{id: s.newID()}
	files.input = filepath.Join(s.cfg.InputDir, files.id+inputExtension)
	files.output = filepath.Join(s.cfg.OutputDir, files.id+outputExtension)
	logger := s.logger.With().Str("conversion_id", files.id).Logger()

	var (
		rec      received
		res      *Result
		nativeRC *int
	)
	// the staged input is removed on every exit before the converter starts
	removeInput := true

	res, err := func() (*Result, error) {
		if err := os.MkdirAll(s.cfg.InputDir, 0o755); err != nil {
			return nil, newError(KindInternal, "Failed to prepare storage", err)
		}
		if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
			return nil, newError(KindInternal, "Failed to prepare storage", err)
		}

		var err error
		rec, err = s.receive(ctx, req.Parts, files.input)
		if err != nil {
			return nil, err
		}
		s.metrics.ObserveUpload(rec.size)

		if !strings.HasSuffix(strings.ToLower(rec.fileName), inputExtension) {
			return nil, newError(KindInvalidType, "Only .ifc files are accepted.", nil)
		}
		if err := s.screen(ctx, logger, files.input); err != nil {
			return nil, err
		}

		opts := options.FromParams(paramGetter(req.Params, rec.fields))
		payload, err := opts.Payload()
		if err != nil {
			return nil, newError(KindInternal, "Failed to encode conversion options", err)
		}

		result, elapsed, err := s.invoke(ctx, logger, files, payload, &removeInput)
		if err != nil {
			return nil, err
		}
		code := result.Code
		nativeRC = &code
		return s.respond(ctx, files, rec, result, elapsed)
	}()

	if removeInput {
		s.cleanup(logger, files.input)
	}
	s.finish(ctx, logger, files, rec, nativeRC, res, err, time.Since(started))
	return res, err
}

// receive streams the first file part named "file" to path and collects
// small option fields. Every other part is skipped.
func (s *Service) receive(ctx context.Context, mr *multipart.Reader, path string) (received, error) {
	rec := received{fields: make(map[string]string)}
	if mr == nil {
		return rec, newError(KindMissingFile, "Request must be multipart/form-data with a 'file' field.", nil)
	}
	found := false
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return rec, newError(KindInternal, "Upload interrupted", ctxErr)
			}
			if found {
				// the file itself arrived intact; ignore a damaged tail
				break
			}
			return rec, newError(KindMissingFile, "No IFC file was provided in the 'file' field.", err)
		}

		name := part.FormName()
		isFile := hasFileName(part)
		switch {
		case name == filePartName && isFile && !found:
			rec.fileName = part.FileName()
			n, werr := upload.WriteLimited(ctx, part, path, s.cfg.MaxUploadBytes)
			_ = part.Close()
			rec.size = n
			if werr != nil {
				if errors.Is(werr, upload.ErrTooLarge) {
					return rec, newError(KindPayloadTooLarge,
						fmt.Sprintf("Upload exceeds limit of %d MB", s.cfg.MaxUploadBytes/(1024*1024)), werr)
				}
				return rec, newError(KindInternal, "Failed to store upload", werr)
			}
			found = true
			continue
		case !isFile && isOptionKey(name):
			if _, seen := rec.fields[name]; !seen {
				data, rerr := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
				if rerr == nil && len(data) <= maxFieldBytes {
					rec.fields[name] = string(data)
				}
			}
		}
		_ = part.Close()
	}
	if !found {
		return rec, newError(KindMissingFile, "No IFC file was provided in the 'file' field.", nil)
	}
	return rec, nil
}

func (s *Service) screen(ctx context.Context, logger zerolog.Logger, path string) error {
	if s.scanner == nil {
		return nil
	}
	err := s.scanner.ScanFile(ctx, path)
	if err == nil {
		return nil
	}
	var violation *dlp.Violation
	if !errors.As(err, &violation) {
		return newError(KindInternal, "Failed to screen upload", err)
	}
	logger.Warn().Str("rule", violation.Rule).Bool("enforced", s.scanner.Enforced()).Msg("dlp violation on upload")
	if s.scanner.Enforced() {
		return newError(KindContentRejected, "Upload was rejected by content policy.", violation)
	}
	return nil
}

// callOutcome is what a finished native call hands back to the request.
type callOutcome struct {
	result  native.Result
	elapsed time.Duration
	err     error
}

// invoke runs the converter on the pool. Once the call has started,
// *removeInput is cleared: inputs of failed conversions stay on disk.
func (s *Service) invoke(ctx context.Context, logger zerolog.Logger, files staged, payload []byte, removeInput *bool) (native.Result, time.Duration, error) {
	// buffered so an abandoned call never blocks its worker
	outcome := make(chan callOutcome, 1)
	done, err := s.pool.Go(ctx, func() {
		start := time.Now()
		code, err := s.invoker.Invoke(files.input, files.output, payload)
		out := callOutcome{result: native.NewResult(code), elapsed: time.Since(start), err: err}
		status := out.result.Status.String()
		if err != nil {
			status = "error"
		}
		s.metrics.ObserveNativeCall(status, out.elapsed)
		outcome <- out
	})
	switch {
	case errors.Is(err, pool.ErrPoolFull):
		s.metrics.PoolRejected()
		return native.Result{}, 0, newError(KindServerBusy, "Converter is at capacity, retry later.", err)
	case errors.Is(err, pool.ErrPoolClosed):
		return native.Result{}, 0, newError(KindServerBusy, "Converter is shutting down.", err)
	case err != nil:
		return native.Result{}, 0, newError(KindInternal, "Request cancelled before conversion", err)
	}
	*removeInput = false

	var timeout <-chan time.Time
	if s.cfg.NativeTimeout > 0 {
		timer := time.NewTimer(s.cfg.NativeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
	case <-ctx.Done():
		go s.discard(logger, done, files.output)
		return native.Result{}, 0, newError(KindInternal, "Request cancelled during conversion", ctx.Err())
	case <-timeout:
		go func() {
			<-done
			logger.Warn().Msg("converter finished after the request timed out")
		}()
		return native.Result{}, 0, newError(KindConversionFailed,
			fmt.Sprintf("Native converter did not finish within %s.", s.cfg.NativeTimeout), nil)
	}

	var out callOutcome
	select {
	case out = <-outcome:
	default:
		// done closed without an outcome: the call panicked
		return native.Result{}, 0, newError(KindInternal, "Native converter crashed", nil)
	}
	if out.err != nil {
		return out.result, out.elapsed, newError(KindInternal, "Native converter is unavailable", out.err)
	}
	return out.result, out.elapsed, nil
}

// discard waits for an abandoned call and removes what it produced.
func (s *Service) discard(logger zerolog.Logger, done <-chan struct{}, output string) {
	<-done
	s.cleanup(logger, output)
	logger.Info().Msg("discarded output of abandoned conversion")
}

func (s *Service) respond(ctx context.Context, files staged, rec received, result native.Result, elapsed time.Duration) (*Result, error) {
	switch result.Status {
	case native.StatusOK:
		info, err := os.Stat(files.output)
		if err != nil {
			return nil, newError(KindInternal, "Converted file is missing", err)
		}
		if err := s.publisher.Publish(ctx, files.id, files.output); err != nil {
			return nil, newError(KindInternal, "Failed to replicate converted file", err)
		}
		return &Result{
			ID:         files.id,
			InputFile:  rec.fileName,
			OutputFile: files.output,
			DurationMs: elapsed.Milliseconds(),
			SizeBytes:  info.Size(),
		}, nil
	case native.StatusInputNotFound:
		return nil, newError(KindInputNotFound, "Input IFC file could not be found by the native converter.", nil)
	case native.StatusInvalidOptions:
		return nil, newError(KindInvalidOptions, "Conversion options were invalid.", nil)
	case native.StatusConversionFailed:
		return nil, newError(KindConversionFailed, fmt.Sprintf("Native converter failed with code %d.", result.Code), nil)
	default:
		return nil, newError(KindUnknown, fmt.Sprintf("Native converter returned unexpected code %d.", result.Code), nil)
	}
}

// cleanup removes path, logging rather than returning failures.
func (s *Service) cleanup(logger zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Err(err).Str("path", path).Msg("failed to remove staged file")
	}
}

func (s *Service) finish(ctx context.Context, logger zerolog.Logger, files staged, rec received, nativeRC *int, res *Result, err error, took time.Duration) {
	entry := audit.Entry{
		ID:         files.id,
		FileName:   rec.fileName,
		NativeCode: nativeRC,
		DurationMs: took.Milliseconds(),
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		e := AsError(err)
		entry.Outcome = string(e.Kind)
		event := logger.Warn()
		if e.Kind.HTTPStatus() >= 500 {
			event = logger.Error()
		}
		event.Err(e.Err).Str("kind", string(e.Kind)).Str("file_name", rec.fileName).Msg(e.Message)
	} else {
		entry.Outcome = outcomeSucceeded
		entry.SizeBytes = res.SizeBytes
		logger.Info().
			Str("file_name", res.InputFile).
			Int64("duration_ms", res.DurationMs).
			Int64("size_bytes", res.SizeBytes).
			Msg("conversion completed")
	}
	s.metrics.RecordOutcome(entry.Outcome)
	if rerr := s.recorder.Record(context.WithoutCancel(ctx), entry); rerr != nil {
		logger.Warn().Err(rerr).Msg("failed to record conversion")
	}
}

// hasFileName reports whether the part's Content-Disposition carries a
// filename parameter, even an empty one. Only such parts are uploads.
func hasFileName(p *multipart.Part) bool {
	_, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
	if err != nil {
		return false
	}
	_, ok := params["filename"]
	return ok
}

func isOptionKey(name string) bool {
	for _, k := range options.Keys {
		if k == name {
			return true
		}
	}
	return false
}

// paramGetter prefers query parameters and falls back to multipart fields.
func paramGetter(query url.Values, fields map[string]string) options.Getter {
	fallback := options.MapGetter(fields)
	return func(key string) (string, bool) {
		if vs, ok := query[key]; ok && len(vs) > 0 {
			return vs[0], true
		}
		return fallback(key)
	}
}
