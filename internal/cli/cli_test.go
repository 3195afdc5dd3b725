package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comptonizing/ekos-lightbucket/internal/capture"
	"github.com/comptonizing/ekos-lightbucket/internal/config"
	"github.com/comptonizing/ekos-lightbucket/internal/credentials"
	"github.com/comptonizing/ekos-lightbucket/internal/fits/fitstest"
	"github.com/comptonizing/ekos-lightbucket/internal/logging"
	"github.com/comptonizing/ekos-lightbucket/internal/notify"
	"github.com/comptonizing/ekos-lightbucket/internal/storage"
	"github.com/comptonizing/ekos-lightbucket/internal/upload"
)

type recordingUploader struct {
	mu    sync.Mutex
	sent  []*upload.Payload
	creds []credentials.Credentials
	err   error
}

func (u *recordingUploader) Send(_ context.Context, p *upload.Payload, c credentials.Credentials) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, p)
	u.creds = append(u.creds, c)
	return u.err
}

func (u *recordingUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sent)
}

type stubPrompter struct {
	confirm   bool
	confirmed []string
	creds     credentials.Credentials
}

func (s *stubPrompter) Confirm(message string, _ bool) (bool, error) {
	s.confirmed = append(s.confirmed, message)
	return s.confirm, nil
}

func (s *stubPrompter) Credentials(credentials.Credentials) (credentials.Credentials, error) {
	return s.creds, nil
}

type testRoot struct {
	*Root
	stdout   *bytes.Buffer
	uploader *recordingUploader
	prompt   *stubPrompter
}

func newTestRoot(t *testing.T) *testRoot {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LIGHTBUCKET_CONFIG", filepath.Join(dir, "config.json"))
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Paths.CredentialsFile = filepath.Join(dir, "credentials.env")
	cfg.Paths.DatabasePath = filepath.Join(dir, "history.db")

	store, err := storage.New(cfg.Paths.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tr := &testRoot{
		Root:     NewRoot(cfg, logging.Discard(), store),
		stdout:   &bytes.Buffer{},
		uploader: &recordingUploader{},
		prompt:   &stubPrompter{confirm: true},
	}
	tr.out = tr.stdout
	tr.errOut = io.Discard
	tr.Root.prompt = tr.prompt
	tr.newUploader = func() upload.Uploader { return tr.uploader }
	tr.now = func() time.Time { return time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC) }
	return tr
}

func (tr *testRoot) execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := NewRootCmd(tr.Root)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func (tr *testRoot) saveCreds(t *testing.T) {
	t.Helper()
	require.NoError(t, tr.credentialStore().Save(credentials.Credentials{Username: "astro", APIKey: "secret-key"}))
}

func targetKeys() []fitstest.Key {
	return []fitstest.Key{
		{Name: "OBJECT", Value: fitstest.Str("M 31")},
		{Name: "RA", Value: "10.68"},
		{Name: "DEC", Value: "41.27"},
		{Name: "EXPTIME", Value: "120"},
	}
}

func writeFrames(t *testing.T, dir string, names ...string) {
	t.Helper()
	data := fitstest.Mono16(64, 48, targetKeys()...).Bytes()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
}

func TestVersionCommand(t *testing.T) {
	tr := newTestRoot(t)
	require.NoError(t, tr.execute(t, "version"))
	assert.Contains(t, tr.stdout.String(), "ekos-lightbucket "+Version)
}

func TestConfigShowPrintsYAML(t *testing.T) {
	tr := newTestRoot(t)
	require.NoError(t, tr.execute(t, "config", "show"))
	out := tr.stdout.String()
	assert.Contains(t, out, "base_url: https://app.lightbucket.co")
	assert.Contains(t, out, "width: 300")
	assert.Contains(t, out, "config.json")
}

func TestInspectPrintsHeaderAndPayload(t *testing.T) {
	tr := newTestRoot(t)
	keys := append(targetKeys(), fitstest.Key{Name: "FILTER", Value: fitstest.Str("Ha")})
	path := fitstest.Write(t, "light.fits", fitstest.Mono16(1200, 800, keys...))

	require.NoError(t, tr.execute(t, "inspect", path))
	out := tr.stdout.String()
	assert.Contains(t, out, "1200x800 (BITPIX 16)")
	assert.Contains(t, out, "M 31")
	assert.Contains(t, out, "10.68 / 41.27")
	assert.Contains(t, out, "Payload:")
	assert.Contains(t, out, `"filter_name": "Ha"`)
	assert.Contains(t, out, "[300x200 JPEG")
	assert.Zero(t, tr.uploader.count())
}

func TestInspectReportsNotUploadable(t *testing.T) {
	tr := newTestRoot(t)
	path := fitstest.Write(t, "flat.fits", fitstest.Mono16(32, 32, fitstest.Key{Name: "EXPTIME", Value: "2"}))

	require.NoError(t, tr.execute(t, "inspect", path))
	out := tr.stdout.String()
	assert.Contains(t, out, "Not uploadable:")
	assert.NotContains(t, out, "Payload:")
}

func TestInspectMissingFile(t *testing.T) {
	tr := newTestRoot(t)
	assert.Error(t, tr.execute(t, "inspect", filepath.Join(t.TempDir(), "absent.fits")))
}

func TestBulkUploadsAllFiles(t *testing.T) {
	tr := newTestRoot(t)
	tr.saveCreds(t)
	dir := t.TempDir()
	writeFrames(t, dir, "a.fits", "b.fit", "notes.txt")

	require.NoError(t, tr.execute(t, "bulk", "--yes", dir))

	assert.Equal(t, 2, tr.uploader.count())
	for _, c := range tr.uploader.creds {
		assert.Equal(t, "astro", c.Username)
	}
	for _, p := range tr.uploader.sent {
		assert.Zero(t, p.Image.Statistics.Stars)
		assert.Nil(t, p.Image.Statistics.HFR)
	}
	out := tr.stdout.String()
	assert.Contains(t, out, "Processing 2 images")
	assert.Contains(t, out, "Uploaded 2, failed 0, skipped 0 of 2 files")
	assert.Empty(t, tr.prompt.confirmed)

	recs, err := tr.store.RecentUploads(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "bulk", recs[0].Source)
}

func TestBulkCountsFailures(t *testing.T) {
	tr := newTestRoot(t)
	tr.saveCreds(t)
	tr.uploader.err = &upload.HTTPError{Status: 500, Body: "oops"}
	dir := t.TempDir()
	writeFrames(t, dir, "a.fits")

	require.NoError(t, tr.execute(t, "bulk", "-y", dir))
	assert.Contains(t, tr.stdout.String(), "Uploaded 0, failed 1, skipped 0 of 1 files")
}

func TestBulkAsksForConfirmation(t *testing.T) {
	tr := newTestRoot(t)
	tr.saveCreds(t)
	tr.prompt.confirm = false
	dir := t.TempDir()
	writeFrames(t, dir, "a.fits")

	err := tr.execute(t, "bulk", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	require.Len(t, tr.prompt.confirmed, 1)
	assert.Contains(t, tr.prompt.confirmed[0], "HFR and star count")
	assert.Zero(t, tr.uploader.count())
}

func TestBulkRequiresCredentials(t *testing.T) {
	tr := newTestRoot(t)
	dir := t.TempDir()
	writeFrames(t, dir, "a.fits")

	err := tr.execute(t, "bulk", "--yes", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.Zero(t, tr.uploader.count())
}

func TestBulkWithoutFrames(t *testing.T) {
	tr := newTestRoot(t)
	tr.saveCreds(t)
	assert.Error(t, tr.execute(t, "bulk", "--yes", t.TempDir()))
}

func TestHistoryListsRecords(t *testing.T) {
	tr := newTestRoot(t)
	require.NoError(t, tr.store.RecordUpload(storage.UploadRecord{
		FilePath: "/data/m31.fits", Source: "dbus", Outcome: "success", Message: "Uploaded file /data/m31.fits",
	}))
	require.NoError(t, tr.store.RecordUpload(storage.UploadRecord{
		FilePath: "/data/flat.fits", Source: "dbus", Outcome: "skipped", Message: "File /data/flat.fits lacks target information, ignoring",
	}))

	require.NoError(t, tr.execute(t, "history", "--limit", "5"))
	out := tr.stdout.String()
	assert.Contains(t, out, "/data/m31.fits")
	assert.Contains(t, out, "lacks target information")
	assert.Contains(t, out, "Total: 1 uploaded, 0 failed, 1 skipped")
}

func TestCredentialsSetAndShow(t *testing.T) {
	tr := newTestRoot(t)
	require.NoError(t, tr.execute(t, "credentials", "set", "--username", "astro", "--api-key", "abcdef123"))

	c, err := tr.credentialStore().Load()
	require.NoError(t, err)
	assert.Equal(t, credentials.Credentials{Username: "astro", APIKey: "abcdef123"}, c)

	tr.stdout.Reset()
	require.NoError(t, tr.execute(t, "credentials", "show"))
	out := tr.stdout.String()
	assert.Contains(t, out, "User name: astro")
	assert.Contains(t, out, "*****f123")
	assert.NotContains(t, out, "abcdef123")
}

func TestCredentialsSetPrompts(t *testing.T) {
	tr := newTestRoot(t)
	tr.prompt.creds = credentials.Credentials{Username: " sky ", APIKey: "key"}
	require.NoError(t, tr.execute(t, "credentials", "set"))

	c, err := tr.credentialStore().Load()
	require.NoError(t, err)
	assert.Equal(t, credentials.Credentials{Username: "sky", APIKey: "key"}, c)
}

func TestCredentialsShowEmpty(t *testing.T) {
	tr := newTestRoot(t)
	require.NoError(t, tr.execute(t, "credentials", "show"))
	assert.Contains(t, tr.stdout.String(), "No credentials configured")
}

func TestStatusNeedsRemoteAddress(t *testing.T) {
	tr := newTestRoot(t)
	err := tr.execute(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no remote address")
}

func TestRunNeedsSource(t *testing.T) {
	tr := newTestRoot(t)
	err := tr.execute(t, "run", "--headless", "--no-dbus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no capture source")
}

func TestCodecSelection(t *testing.T) {
	tr := newTestRoot(t)
	for _, backend := range []string{"", "native", "imagick"} {
		tr.cfg.Preview.Backend = backend
		_, err := tr.codec()
		assert.NoError(t, err, backend)
	}
	tr.cfg.Preview.Backend = "gimp"
	_, err := tr.codec()
	assert.Error(t, err)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunConsoleServesCredentialsAndLogs(t *testing.T) {
	hub := notify.NewHub()
	events, unsubscribe := hub.Subscribe(8)
	defer unsubscribe()
	broker := credentials.NewBroker()
	holder := credentials.NewHolder(credentials.Credentials{Username: "astro", APIKey: "k"})

	out := &lockedBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runConsole(ctx, out, events, broker, holder)
	}()

	getCtx, getCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer getCancel()
	c, err := broker.Get(getCtx)
	require.NoError(t, err)
	assert.Equal(t, "astro", c.Username)

	hub.Message("Uploaded file /data/a.fits")
	hub.BulkDone(notify.BulkSummary{Attempted: 1, Total: 2, Cancelled: true})
	assert.Eventually(t, func() bool {
		s := out.String()
		return bytes.Contains([]byte(s), []byte("Uploaded file /data/a.fits")) &&
			bytes.Contains([]byte(s), []byte("Bulk upload done: 1 of 2 files (cancelled: true)"))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop")
	}
}

func TestAppShutdownAnswersLateCredentialRequests(t *testing.T) {
	tr := newTestRoot(t)
	tr.saveCreds(t)
	a, err := tr.newApp(runOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.start(ctx, context.Background()))

	path := fitstest.Write(t, "light.fits", fitstest.Mono16(64, 48, targetKeys()...))
	ok, reason := a.intake.Offer(captureEvent(path))
	require.True(t, ok, reason)
	cancel()

	var out bytes.Buffer
	a.shutdown(&out)
	assert.Equal(t, 1, tr.uploader.count()+int(a.status.Failure())+a.queue.Len())
	if tr.uploader.count() == 1 {
		assert.Equal(t, "astro", tr.uploader.creds[0].Username)
	}
}

func captureEvent(path string) capture.Event {
	return capture.Event{FileName: path, Type: capture.FrameLight, StarCount: 12, Source: "test"}
}
