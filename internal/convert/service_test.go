package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackshift/platform/converter/internal/audit"
	"github.com/trackshift/platform/converter/internal/connectors"
	"github.com/trackshift/platform/converter/internal/dlp"
	"github.com/trackshift/platform/converter/internal/native"
	"github.com/trackshift/platform/converter/internal/pool"
)

const testID = "0b7e3c52-9a54-4f0e-8d3a-3c1f8a2b6d11"

type fakeInvoker struct {
	mu         sync.Mutex
	code       int
	err        error
	outputSize int
	calls      int
	payload    []byte
	inputPath  string
	block      chan struct{}
}

func (f *fakeInvoker) Invoke(in, out string, payload []byte) (int, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// calls is bumped last so observers only see it once the output exists
	defer func() { f.calls++ }()
	f.payload = append([]byte(nil), payload...)
	f.inputPath = in
	if f.code == 0 && f.err == nil {
		if err := os.WriteFile(out, bytes.Repeat([]byte{0x42}, f.outputSize), 0o644); err != nil {
			return 4, nil
		}
	}
	return f.code, f.err
}

type recorderFunc func(audit.Entry)

func (r recorderFunc) Record(_ context.Context, e audit.Entry) error {
	r(e)
	return nil
}

type part struct {
	field    string
	fileName string
	data     []byte

	// disposition overrides the generated Content-Disposition header
	disposition string
}

func multipartBody(t *testing.T, parts ...part) *multipart.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		var (
			dst io.Writer
			err error
		)
		switch {
		case p.disposition != "":
			dst, err = w.CreatePart(textproto.MIMEHeader{"Content-Disposition": {p.disposition}})
		case p.fileName != "":
			dst, err = w.CreateFormFile(p.field, p.fileName)
		default:
			dst, err = w.CreateFormField(p.field)
		}
		require.NoError(t, err)
		_, err = dst.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return multipart.NewReader(&buf, w.Boundary())
}

type harness struct {
	svc     *Service
	inv     *fakeInvoker
	inDir   string
	outDir  string
	entries []audit.Entry
}

func newHarness(t *testing.T, inv *fakeInvoker, maxBytes int64, opts ...Option) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		inv:    inv,
		inDir:  filepath.Join(root, "in"),
		outDir: filepath.Join(root, "out"),
	}
	p := pool.New(pool.Config{Workers: 2, QueueSize: 2})
	t.Cleanup(p.Close)

	base := []Option{
		WithLogger(zerolog.Nop()),
		WithIDGenerator(func() string { return testID }),
		WithRecorder(recorderFunc(func(e audit.Entry) { h.entries = append(h.entries, e) })),
	}
	svc, err := NewService(Config{
		InputDir:       h.inDir,
		OutputDir:      h.outDir,
		MaxUploadBytes: maxBytes,
	}, inv, p, append(base, opts...)...)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) inputPath() string  { return filepath.Join(h.inDir, testID+".ifc") }
func (h *harness) outputPath() string { return filepath.Join(h.outDir, testID+".glb") }

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var e *Error
	require.True(t, errors.As(err, &e), "expected *Error, got %v", err)
	assert.Equal(t, kind, e.Kind)
	return e
}

const mb = 1024 * 1024

func TestConvertSuccessReportsOutputSize(t *testing.T) {
	h := newHarness(t, &fakeInvoker{outputSize: 4096}, mb)

	res, err := h.svc.Convert(context.Background(), Request{
		Parts: multipartBody(t, part{field: "file", fileName: "Tower.IFC", data: []byte("ISO-10303-21;")}),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4096), res.SizeBytes)
	assert.Equal(t, "Tower.IFC", res.InputFile)
	assert.Equal(t, h.outputPath(), res.OutputFile)
	assert.True(t, filepath.IsAbs(res.OutputFile))
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
	assert.Equal(t, h.inputPath(), h.inv.inputPath)
	assert.FileExists(t, h.inputPath())

	require.Len(t, h.entries, 1)
	assert.Equal(t, "ok", h.entries[0].Outcome)
	require.NotNil(t, h.entries[0].NativeCode)
	assert.Equal(t, 0, *h.entries[0].NativeCode)
}

func TestConvertRejectsWrongExtension(t *testing.T) {
	inv := &fakeInvoker{}
	h := newHarness(t, inv, mb)

	_, err := h.svc.Convert(context.Background(), Request{
		Parts: multipartBody(t, part{field: "file", fileName: "model.txt", data: []byte("0123456789")}),
	})

	e := requireKind(t, err, KindInvalidType)
	assert.Equal(t, 415, e.Kind.HTTPStatus())
	assert.NoFileExists(t, h.inputPath())
	assert.Zero(t, inv.calls)
}

func TestConvertRejectsOversizedUpload(t *testing.T) {
	inv := &fakeInvoker{}
	h := newHarness(t, inv, mb)

	_, err := h.svc.Convert(context.Background(), Request{
		Parts: multipartBody(t, part{field: "file", fileName: "big.ifc", data: bytes.Repeat([]byte{'x'}, 2*mb)}),
	})

	e := requireKind(t, err, KindPayloadTooLarge)
	assert.Equal(t, 413, e.Kind.HTTPStatus())
	assert.Contains(t, e.Message, "1 MB")
	assert.NoFileExists(t, h.inputPath())
	assert.Zero(t, inv.calls)
	require.Len(t, h.entries, 1)
	assert.Equal(t, "payload_too_large", h.entries[0].Outcome)
	assert.Nil(t, h.entries[0].NativeCode)
}

func TestConvertMissingFilePart(t *testing.T) {
	tests := []struct {
		name  string
		parts *multipart.Reader
	}{
		{"no parts", multipartBody(t)},
		{"only other fields", multipartBody(t, part{field: "lod", data: []byte("high")}, part{field: "upload", fileName: "a.ifc", data: []byte("x")})},
		{"not multipart", nil},
		{"empty body", multipart.NewReader(bytes.NewReader(nil), "xyz")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeInvoker{}, mb)
			_, err := h.svc.Convert(context.Background(), Request{Parts: tt.parts})
			e := requireKind(t, err, KindMissingFile)
			assert.Equal(t, 400, e.Kind.HTTPStatus())
			assert.NoFileExists(t, h.inputPath())
		})
	}
}

func TestConvertIgnoresExtraParts(t *testing.T) {
	h := newHarness(t, &fakeInvoker{outputSize: 10}, mb)

	res, err := h.svc.Convert(context.Background(), Request{
		Parts: multipartBody(t,
			part{field: "comment", data: []byte("hello")},
			part{field: "file", fileName: "first.ifc", data: []byte("first")},
			part{field: "file", fileName: "second.ifc", data: []byte("second")},
			part{field: "thumbnail", fileName: "t.png", data: []byte("png")},
		),
	})
	require.NoError(t, err)
	assert.Equal(t, "first.ifc", res.InputFile)

	staged, err := os.ReadFile(h.inputPath())
	require.NoError(t, err)
	assert.Equal(t, "first", string(staged))
}

func TestConvertRequiresFilePart(t *testing.T) {
	t.Run("text field named file", func(t *testing.T) {
		inv := &fakeInvoker{outputSize: 1}
		h := newHarness(t, inv, mb)
		_, err := h.svc.Convert(context.Background(), Request{
			Parts: multipartBody(t, part{field: "file", data: []byte("ISO-10303-21;")}),
		})
		requireKind(t, err, KindMissingFile)
		assert.NoFileExists(t, h.inputPath())
		assert.Zero(t, inv.calls)
	})

	t.Run("empty filename", func(t *testing.T) {
		inv := &fakeInvoker{outputSize: 1}
		h := newHarness(t, inv, mb)
		_, err := h.svc.Convert(context.Background(), Request{
			Parts: multipartBody(t, part{
				disposition: `form-data; name="file"; filename=""`,
				data:        []byte("ISO-10303-21;"),
			}),
		})
		requireKind(t, err, KindInvalidType)
		assert.NoFileExists(t, h.inputPath())
		assert.Zero(t, inv.calls)
	})
}

func TestConvertStatusCodeMapping(t *testing.T) {
	tests := []struct {
		code   int
		kind   Kind
		status int
	}{
		{1, KindInputNotFound, 400},
		{5, KindInvalidOptions, 400},
		{2, KindConversionFailed, 500},
		{3, KindConversionFailed, 500},
		{4, KindConversionFailed, 500},
		{6, KindUnknown, 500},
		{100, KindUnknown, 500},
		{-7, KindUnknown, 500},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("code %d", tt.code), func(t *testing.T) {
			h := newHarness(t, &fakeInvoker{code: tt.code}, mb)

			_, err := h.svc.Convert(context.Background(), Request{
				Parts: multipartBody(t, part{field: "file", fileName: "a.ifc", data: []byte("x")}),
			})
			e := requireKind(t, err, tt.kind)
			assert.Equal(t, tt.status, e.Kind.HTTPStatus())
			// inputs of failed conversions are kept for inspection
			assert.FileExists(t, h.inputPath())
			require.NotNil(t, h.entries[0].NativeCode)
			assert.Equal(t, tt.code, *h.entries[0].NativeCode)
		})
	}
}

func TestConvertPassesOptionsPayload(t *testing.T) {
	inv := &fakeInvoker{outputSize: 1}
	h := newHarness(t, inv, mb)

	_, err := h.svc.Convert(context.Background(), Request{
		Parts: multipartBody(t,
			part{field: "file", fileName: "a.ifc", data: []byte("x")},
			part{field: "units", data: []byte("foot")},
			part{field: "lod", data: []byte("low")},
		),
		Params: url.Values{"lod": {"bogus"}, "weld_vertices": {"no"}},
	})
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(inv.payload, &payload))
	assert.Equal(t, "foot", payload["units"])
	// the query wins and a bad value falls back to the default
	assert.Equal(t, "medium", payload["lod"])
	assert.Equal(t, false, payload["weld_vertices"])
	assert.Equal(t, false, payload["include_properties"])
	assert.Equal(t, 0.001, payload["triangulation_tolerance"])
}

func TestConvertNativeUnavailable(t *testing.T) {
	h := newHarness(t, &fakeInvoker{err: native.ErrUnavailable}, mb)

	_, err := h.svc.Convert(context.Background(), Request{
		Parts: multipartBody(t, part{field: "file", fileName: "a.ifc", data: []byte("x")}),
	})
	e := requireKind(t, err, KindInternal)
	assert.ErrorIs(t, err, native.ErrUnavailable)
	assert.NotContains(t, e.Message, h.inDir)
}

func TestConvertMissingOutputIsInternalError(t *testing.T) {
	inv := native.InvokerFunc(func(string, string, []byte) (int, error) { return 0, nil })
	root := t.TempDir()
	p := pool.New(pool.Config{Workers: 1})
	defer p.Close()
	svc, err := NewService(Config{InputDir: root, OutputDir: root, MaxUploadBytes: mb}, inv, p, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	_, err = svc.Convert(context.Background(), Request{
		Parts: multipartBody(t, part{field: "file", fileName: "a.ifc", data: []byte("x")}),
	})
	requireKind(t, err, KindInternal)
}

func TestConvertPoolFullIsBusy(t *testing.T) {
	release := make(chan struct{})
	blocker := &fakeInvoker{block: release, outputSize: 1}
	root := t.TempDir()
	p := pool.New(pool.Config{Workers: 1, QueueSize: 0})
	defer p.Close()

	busyDone, err := p.Go(context.Background(), func() { <-release })
	require.NoError(t, err)

	svc, err := NewService(Config{InputDir: root, OutputDir: root, MaxUploadBytes: mb}, blocker, p,
		WithLogger(zerolog.Nop()), WithIDGenerator(func() string { return testID }))
	require.NoError(t, err)

	_, err = svc.Convert(context.Background(), Request{
		Parts: multipartBody(t, part{field: "file", fileName: "a.ifc", data: []byte("x")}),
	})
	e := requireKind(t, err, KindServerBusy)
	assert.Equal(t, 503, e.Kind.HTTPStatus())
	assert.NoFileExists(t, filepath.Join(root, testID+".ifc"))

	close(release)
	<-busyDone
}

func TestConvertTimeout(t *testing.T) {
	release := make(chan struct{})
	inv := &fakeInvoker{block: release, outputSize: 1}
	h := newHarness(t, inv, mb)
	h.svc.cfg.NativeTimeout = 20 * time.Millisecond
	defer close(release)

	_, err := h.svc.Convert(context.Background(), Request{
		Parts: multipartBody(t, part{field: "file", fileName: "a.ifc", data: []byte("x")}),
	})
	requireKind(t, err, KindConversionFailed)
}

func TestConvertTimeoutRacingCompletion(t *testing.T) {
	inv := native.InvokerFunc(func(string, string, []byte) (int, error) {
		time.Sleep(time.Millisecond)
		return 3, nil
	})
	root := t.TempDir()
	p := pool.New(pool.Config{Workers: 4, QueueSize: 64})
	defer p.Close()
	svc, err := NewService(Config{
		InputDir:       root,
		OutputDir:      root,
		MaxUploadBytes: mb,
		NativeTimeout:  time.Millisecond,
	}, inv, p, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	// either the deadline or the failing call wins; both are conversion failures
	for i := 0; i < 100; i++ {
		_, err := svc.Convert(context.Background(), Request{
			Parts: multipartBody(t, part{field: "file", fileName: "a.ifc", data: []byte("x")}),
		})
		requireKind(t, err, KindConversionFailed)
	}
}

func TestConvertClientGoneDuringConversionDiscardsOutput(t *testing.T) {
	release := make(chan struct{})
	inv := &fakeInvoker{block: release, outputSize: 64}
	h := newHarness(t, inv, mb)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := h.svc.Convert(ctx, Request{
		Parts: multipartBody(t, part{field: "file", fileName: "a.ifc", data: []byte("x")}),
	})
	requireKind(t, err, KindInternal)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.Eventually(t, func() bool {
		inv.mu.Lock()
		called := inv.calls == 1
		inv.mu.Unlock()
		_, statErr := os.Stat(h.outputPath())
		return called && os.IsNotExist(statErr)
	}, time.Second, 5*time.Millisecond)
}

func TestConvertCancelledUploadRemovesPartialFile(t *testing.T) {
	h := newHarness(t, &fakeInvoker{}, mb)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.Convert(ctx, Request{
		Parts: multipartBody(t, part{field: "file", fileName: "a.ifc", data: []byte("x")}),
	})
	requireKind(t, err, KindInternal)
	assert.NoFileExists(t, h.inputPath())
}

type fakeScanner struct {
	err     error
	enforce bool
}

func (f fakeScanner) ScanFile(context.Context, string) error { return f.err }
func (f fakeScanner) Enforced() bool                         { return f.enforce }

func TestConvertContentScreening(t *testing.T) {
	violation := &dlp.Violation{Rule: "av_signature", Detail: "matched"}

	t.Run("enforced", func(t *testing.T) {
		inv := &fakeInvoker{outputSize: 1}
		h := newHarness(t, inv, mb, WithScanner(fakeScanner{err: violation, enforce: true}))
		_, err := h.svc.Convert(context.Background(), Request{
			Parts: multipartBody(t, part{field: "file", fileName: "a.ifc", data: []byte("x")}),
		})
		e := requireKind(t, err, KindContentRejected)
		assert.Equal(t, 422, e.Kind.HTTPStatus())
		assert.NoFileExists(t, h.inputPath())
		assert.Zero(t, inv.calls)
	})

	t.Run("monitor", func(t *testing.T) {
		h := newHarness(t, &fakeInvoker{outputSize: 1}, mb, WithScanner(fakeScanner{err: violation}))
		_, err := h.svc.Convert(context.Background(), Request{
			Parts: multipartBody(t, part{field: "file", fileName: "a.ifc", data: []byte("x")}),
		})
		assert.NoError(t, err)
	})
}

type failingConnector struct{}

func (failingConnector) Name() string { return "broken" }
func (failingConnector) StoreArtifact(context.Context, string, string) error {
	return errors.New("unreachable")
}

func TestConvertStrictReplicationFailure(t *testing.T) {
	pub := connectors.NewPublisher([]connectors.Connector{failingConnector{}}, true, zerolog.Nop())
	h := newHarness(t, &fakeInvoker{outputSize: 1}, mb, WithPublisher(pub))

	_, err := h.svc.Convert(context.Background(), Request{
		Parts: multipartBody(t, part{field: "file", fileName: "a.ifc", data: []byte("x")}),
	})
	requireKind(t, err, KindInternal)
}

func TestNewServiceValidates(t *testing.T) {
	p := pool.New(pool.Config{Workers: 1})
	defer p.Close()
	cfg := Config{InputDir: "in", OutputDir: "out", MaxUploadBytes: 1}

	_, err := NewService(cfg, nil, p)
	assert.Error(t, err)
	_, err = NewService(cfg, &fakeInvoker{}, nil)
	assert.Error(t, err)
	cfg.MaxUploadBytes = 0
	_, err = NewService(cfg, &fakeInvoker{}, p)
	assert.Error(t, err)
}

func TestAsError(t *testing.T) {
	e := AsError(errors.New("boom"))
	assert.Equal(t, KindInternal, e.Kind)

	orig := newError(KindMissingFile, "none", nil)
	assert.Same(t, orig, AsError(fmt.Errorf("wrapped: %w", orig)))
	assert.Contains(t, orig.Error(), "missing_file")
}
