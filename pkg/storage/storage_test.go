package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	testagent "github.com/httprunner/TestAgent"
	"github.com/httprunner/TestAgent/pkg/invocation"
	"github.com/httprunner/TestAgent/pkg/result"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "agent.sqlite")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func finishInvocation(t *testing.T, rec *Recorder, id, state string, start time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := rec.CreateInvocation(ctx, &testagent.InvocationRecord{
		InvocationID: id,
		CommandID:    "cmd-" + id,
		Config:       "smoke",
		Serials:      []string{"SER1", "SER2"},
		State:        testagent.InvocationStateRunning,
		StartAt:      start,
	}); err != nil {
		t.Fatalf("create invocation: %v", err)
	}
	end := start.Add(3 * time.Second)
	secs := int64(3)
	if err := rec.UpdateInvocation(ctx, id, &testagent.InvocationUpdate{
		State:          state,
		EndAt:          &end,
		ElapsedSeconds: &secs,
		ErrorClass:     "success",
	}); err != nil {
		t.Fatalf("update invocation: %v", err)
	}
}

func TestResultListenerPersistsResults(t *testing.T) {
	store := openTestStore(t)
	listener := NewResultListener(store)

	ictx := invocation.New()
	listener.InvocationStarted(ictx)
	listener.TestModuleStarted(&invocation.Module{Name: "CtsExample"})
	listener.TestRunStarted("run", 2)
	pass := result.NewTestID("com.example.Foo", "testPass")
	fail := result.NewTestID("com.example.Foo", "testFail")
	listener.TestStarted(pass, time.Now())
	listener.TestEnded(pass, time.Now(), result.NewMetrics("b", "2", "a", "1"))
	listener.TestStarted(fail, time.Now())
	listener.TestFailed(fail, "boom")
	listener.TestEnded(fail, time.Now(), result.Metrics{})
	listener.TestRunEnded(time.Second, result.Metrics{})
	listener.TestModuleEnded()
	listener.InvocationEnded(time.Second)

	rows, err := NewHistory(store).TestResults(context.Background(), ictx.ID())
	if err != nil {
		t.Fatalf("test results: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ID != pass || rows[0].Status != result.StatusPassed || rows[0].Module != "CtsExample" {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if keys := rows[0].Metrics.Keys(); len(keys) != 2 || keys[0] != "b" || keys[1] != "a" {
		t.Fatalf("metrics order not preserved: %v", keys)
	}
	if rows[1].Status != result.StatusFailed || rows[1].Trace != "boom" {
		t.Fatalf("unexpected failed row: %+v", rows[1])
	}

	// a second flush upserts instead of duplicating
	if err := listener.Flush(context.Background()); err != nil {
		t.Fatalf("flush again: %v", err)
	}
	rows, err = NewHistory(store).TestResults(context.Background(), ictx.ID())
	if err != nil || len(rows) != 2 {
		t.Fatalf("expected 2 rows after second flush, got %d (%v)", len(rows), err)
	}
}

func TestRecorderAndHistory(t *testing.T) {
	store := openTestStore(t)
	rec := NewRecorder(store)
	history := NewHistory(store)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	finishInvocation(t, rec, "inv-1", testagent.InvocationStateSuccess, base)
	finishInvocation(t, rec, "inv-2", testagent.InvocationStateFailed, base.Add(time.Minute))

	all, err := history.ListInvocations(ctx, HistoryFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "inv-2" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if got := all[0].Serials; len(got) != 2 || got[1] != "SER2" {
		t.Fatalf("unexpected serials %v", got)
	}
	if all[0].ElapsedSeconds != 3 || all[0].EndAt.IsZero() {
		t.Fatalf("expected end time and elapsed to be stored: %+v", all[0])
	}

	failed, err := history.ListInvocations(ctx, HistoryFilter{State: testagent.InvocationStateFailed})
	if err != nil || len(failed) != 1 || failed[0].ID != "inv-2" {
		t.Fatalf("state filter: %+v (%v)", failed, err)
	}
	bySerial, err := history.ListInvocations(ctx, HistoryFilter{Serial: "SER1"})
	if err != nil || len(bySerial) != 2 {
		t.Fatalf("serial filter: %+v (%v)", bySerial, err)
	}
	none, err := history.ListInvocations(ctx, HistoryFilter{Serial: "SER"})
	if err != nil || len(none) != 0 {
		t.Fatalf("serial filter must match whole serials: %+v (%v)", none, err)
	}

	one, err := history.Invocation(ctx, "inv-1")
	if err != nil || one.State != testagent.InvocationStateSuccess {
		t.Fatalf("invocation lookup: %+v (%v)", one, err)
	}
	if _, err := history.Invocation(ctx, "missing"); err == nil {
		t.Fatalf("expected error for unknown invocation")
	}
}

func TestRecorderUpsertDevicesKeepsKnownProperties(t *testing.T) {
	store := openTestStore(t)
	rec := NewRecorder(store)
	ctx := context.Background()

	if err := rec.UpsertDevices(ctx, []testagent.DeviceInfoUpdate{{
		DeviceSerial: "SER1", Status: "available", Product: "panther", OSVersion: "14",
	}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := rec.UpsertDevices(ctx, []testagent.DeviceInfoUpdate{{
		DeviceSerial: "SER1", Status: "removed", Removed: true,
	}, {DeviceSerial: "  "}}); err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	devices, err := NewHistory(store).Devices(ctx)
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected one device, got %+v", devices)
	}
	d := devices[0]
	if d.Status != "removed" || !d.Removed || d.Product != "panther" || d.OSVersion != "14" {
		t.Fatalf("unexpected device row: %+v", d)
	}
}

type stubUploader struct {
	mu   sync.Mutex
	fail map[string]bool
	seen []string
}

func (u *stubUploader) Name() string { return "stub" }

func (u *stubUploader) UploadInvocation(ctx context.Context, row InvocationRow) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.seen = append(u.seen, row.ID)
	if u.fail[row.ID] {
		return errors.New("upload rejected")
	}
	return nil
}

func TestReporterUploadsFinishedInvocationsOnce(t *testing.T) {
	store := openTestStore(t)
	rec := NewRecorder(store)
	ctx := context.Background()

	finishInvocation(t, rec, "inv-ok", testagent.InvocationStateSuccess, time.Now().Add(-time.Minute))
	finishInvocation(t, rec, "inv-bad", testagent.InvocationStateFailed, time.Now())
	if err := rec.CreateInvocation(ctx, &testagent.InvocationRecord{
		InvocationID: "inv-running", State: testagent.InvocationStateRunning, StartAt: time.Now(),
	}); err != nil {
		t.Fatalf("create running: %v", err)
	}

	uploader := &stubUploader{fail: map[string]bool{"inv-bad": true}}
	reporter, err := NewReporter(store, uploader, ReporterConfig{})
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	defer reporter.Close()

	if got := reporter.FlushOnce(ctx); got != 1 {
		t.Fatalf("expected one reported invocation, got %d", got)
	}
	// the failed row is retried, the reported one is not
	uploader.mu.Lock()
	uploader.fail = nil
	uploader.mu.Unlock()
	if got := reporter.FlushOnce(ctx); got != 1 {
		t.Fatalf("expected the failed invocation to be retried, got %d", got)
	}
	if got := reporter.FlushOnce(ctx); got != 0 {
		t.Fatalf("expected nothing left to report, got %d", got)
	}
	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	for _, id := range uploader.seen {
		if id == "inv-running" {
			t.Fatalf("running invocation must not be reported")
		}
	}
	if len(uploader.seen) != 3 {
		t.Fatalf("expected 3 upload attempts, got %v", uploader.seen)
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked message", errors.New("database is locked (5)"), true},
		{"busy code", errors.New("SQLITE_BUSY: busy"), true},
		{"other", errors.New("some other error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSQLiteBusy(tc.err); got != tc.want {
				t.Fatalf("isSQLiteBusy(%v)=%v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
