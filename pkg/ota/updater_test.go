package ota

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foundriesio/fwota/pkg/client"
	"github.com/foundriesio/fwota/pkg/partition"
	"github.com/foundriesio/fwota/pkg/progress"
)

type scriptedFetcher struct {
	status    int
	hasLength bool
	length    int64
	chunks    [][]byte
	err       error

	calls    int
	accepted int

	started chan struct{}
	release chan struct{}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, url string, sink client.Sink) (int, error) {
	f.calls++
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	if !sink.OnReceiveBegin(f.status, f.hasLength, f.length) {
		sink.OnReceiveEnd()
		return f.status, nil
	}
	for _, c := range f.chunks {
		if !sink.OnReceiveData(c) {
			break
		}
		f.accepted++
	}
	sink.OnReceiveEnd()
	return f.status, f.err
}

func testImage(size int) []byte {
	img := bytes.Repeat([]byte{0xA5}, size)
	img[0] = partition.ImageMagic
	img[1] = 2
	return img
}

func split(img []byte, size int) [][]byte {
	var chunks [][]byte
	for len(img) > 0 {
		n := min(size, len(img))
		chunks = append(chunks, img[:n])
		img = img[n:]
	}
	return chunks
}

func openFlash(t *testing.T, table partition.Table) *partition.Flash {
	t.Helper()
	return reopenFlash(t, filepath.Join(t.TempDir(), "flash.bin"), table)
}

// reopenFlash simulates a restart: the running partition becomes the one
// selected for boot.
func reopenFlash(t *testing.T, path string, table partition.Table) *partition.Flash {
	t.Helper()
	fl, err := partition.OpenFlash(path, table)
	require.NoError(t, err)
	return fl
}

func requireBoot(t *testing.T, fl *partition.Flash, label string) {
	t.Helper()
	boot, err := fl.Boot()
	require.NoError(t, err)
	require.Equal(t, label, boot.Label)
}

// recorder keeps every progress value observed after a chunk was written.
type recorder struct {
	cell   *progress.Cell
	values []int32
}

func (r *recorder) handler(written, expected int64) {
	r.values = append(r.values, r.cell.Get())
}

func requireMonotonic(t *testing.T, values []int32) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		require.GreaterOrEqual(t, values[i], values[i-1], "progress went backwards at %d: %v", i, values)
	}
}

func TestUpdate_DeclaredLength(t *testing.T) {
	fl := openFlash(t, partition.DefaultTable())
	img := testImage(1_000_000)
	fetcher := &scriptedFetcher{
		status:    http.StatusOK,
		hasLength: true,
		length:    int64(len(img)),
		chunks:    split(img, 100_000),
	}
	var restarts atomic.Int32
	sched := NewRestartScheduler(0, RestarterFunc(func() error {
		restarts.Add(1)
		return nil
	}))
	cell := progress.NewCell()
	rec := &recorder{cell: cell}
	var states []State
	u := NewUpdater(ManageFlash(fl), fetcher, cell,
		WithProgressHandler(rec.handler),
		WithRestartScheduler(sched),
		WithStateHandler(func(a *Attempt) { states = append(states, a.State) }),
	)

	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.NoError(t, err)
	require.Equal(t, FinishedSuccess, state)
	require.Equal(t, []int32{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, rec.values)
	require.Equal(t, progress.FinishedSuccess, cell.Get())
	require.Equal(t, []State{NotStarted, InProgress, FinishedSuccess}, states)
	requireBoot(t, fl, "ota_1")

	last := u.Last()
	require.Equal(t, "ota_0", last.Running.Label)
	require.Equal(t, "ota_1", last.Target.Label)
	require.Equal(t, int64(len(img)), last.Written)
	require.Equal(t, int64(len(img)), last.DeclaredLength)

	select {
	case <-sched.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("restart did not run")
	}
	require.NoError(t, sched.Err())
	require.Equal(t, int32(1), restarts.Load())
}

func TestUpdate_UnknownLengthExceedsCapacity(t *testing.T) {
	const slot = 2_000_000
	table := partition.Table{
		{Label: "otadata", Type: partition.TypeData, Subtype: partition.SubtypeOTAData, Offset: 0xd000, Size: 0x2000},
		{Label: "ota_0", Type: partition.TypeApp, Subtype: "ota_0", Offset: 0x10000, Size: slot},
		{Label: "ota_1", Type: partition.TypeApp, Subtype: "ota_1", Offset: 0x10000 + slot, Size: slot},
	}
	fl := openFlash(t, table)
	img := testImage(2_100_000)
	fetcher := &scriptedFetcher{status: http.StatusOK, chunks: split(img, 100_000)}
	cell := progress.NewCell()
	rec := &recorder{cell: cell}
	u := NewUpdater(ManageFlash(fl), fetcher, cell,
		WithUnknownLengthCapacity(2_000_000),
		WithProgressHandler(rec.handler),
	)

	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.Equal(t, FlashError, state)
	require.ErrorIs(t, err, partition.ErrCapacityExceeded)
	require.Equal(t, progress.FlashError, cell.Get())
	require.Equal(t, 20, fetcher.accepted)
	require.Len(t, rec.values, 20)
	require.Equal(t, int32(100), rec.values[19])
	requireMonotonic(t, rec.values)
	requireBoot(t, fl, "ota_0")
	require.Equal(t, int64(-1), u.Last().DeclaredLength)
}

func TestUpdate_UnknownLengthUsesPartitionSize(t *testing.T) {
	fl := openFlash(t, partition.DefaultTable())
	img := testImage(partition.DefaultSlotSize / 2)
	cell := progress.NewCell()
	rec := &recorder{cell: cell}
	u := NewUpdater(ManageFlash(fl), &scriptedFetcher{status: http.StatusOK, chunks: split(img, 4096)}, cell,
		WithProgressHandler(rec.handler))

	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.NoError(t, err)
	require.Equal(t, FinishedSuccess, state)
	require.Equal(t, int32(50), rec.values[len(rec.values)-1])
	requireMonotonic(t, rec.values)
}

func TestUpdate_NoTargetAvailable(t *testing.T) {
	fl := openFlash(t, partition.Table{
		{Label: "factory", Type: partition.TypeApp, Subtype: partition.SubtypeFactory, Offset: 0x10000, Size: 0x10000},
	})
	fetcher := &scriptedFetcher{status: http.StatusOK}
	cell := progress.NewCell()
	u := NewUpdater(ManageFlash(fl), fetcher, cell)

	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.Equal(t, FlashError, state)
	require.ErrorIs(t, err, partition.ErrNoTargetAvailable)
	require.Equal(t, 0, fetcher.calls)
	require.Equal(t, progress.FlashError, cell.Get())
}

func TestUpdate_HttpStatusError(t *testing.T) {
	fl := openFlash(t, partition.DefaultTable())
	fetcher := &scriptedFetcher{status: http.StatusNotFound, chunks: split(testImage(1000), 100)}
	cell := progress.NewCell()
	u := NewUpdater(ManageFlash(fl), fetcher, cell)

	state, err := u.Update(context.Background(), "http://fw.example/missing.bin")
	require.Equal(t, ConnectionError, state)
	require.ErrorIs(t, err, ErrConnection)
	require.Equal(t, 0, fetcher.accepted)
	require.Equal(t, progress.ConnectionError, cell.Get())
	require.Equal(t, http.StatusNotFound, u.Last().StatusCode)
	requireBoot(t, fl, "ota_0")
}

func TestUpdate_TransferInterrupted(t *testing.T) {
	fl := openFlash(t, partition.DefaultTable())
	img := testImage(1_000_000)
	fetcher := &scriptedFetcher{
		status:    http.StatusOK,
		hasLength: true,
		length:    int64(len(img)),
		chunks:    split(img, 100_000)[:4],
		err:       io.ErrUnexpectedEOF,
	}
	cell := progress.NewCell()
	u := NewUpdater(ManageFlash(fl), fetcher, cell)

	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.Equal(t, ConnectionError, state)
	require.ErrorIs(t, err, ErrConnection)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, progress.ConnectionError, cell.Get())
	require.Equal(t, int64(400_000), u.Last().Written)
	requireBoot(t, fl, "ota_0")
}

func TestUpdate_PartialContentIsNotSuccess(t *testing.T) {
	fl := openFlash(t, partition.DefaultTable())
	fetcher := &scriptedFetcher{status: http.StatusPartialContent, chunks: split(testImage(1000), 100)}
	u := NewUpdater(ManageFlash(fl), fetcher, nil)

	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.Equal(t, ConnectionError, state)
	require.ErrorIs(t, err, ErrConnection)
	require.Equal(t, 10, fetcher.accepted)
	requireBoot(t, fl, "ota_0")
}

func TestUpdate_InvalidImage(t *testing.T) {
	fl := openFlash(t, partition.DefaultTable())
	img := bytes.Repeat([]byte{0x00}, 10_000)
	u := NewUpdater(ManageFlash(fl), &scriptedFetcher{status: http.StatusOK, chunks: split(img, 1000)}, nil)

	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.Equal(t, FlashError, state)
	require.ErrorIs(t, err, partition.ErrFinalize)
	require.Equal(t, progress.FlashError, u.Progress().Get())
	requireBoot(t, fl, "ota_0")
}

func TestUpdate_FailedAttemptsKeepBootSelection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	fl := reopenFlash(t, path, partition.DefaultTable())
	good := testImage(50_000)
	u := NewUpdater(ManageFlash(fl), &scriptedFetcher{status: http.StatusOK, chunks: split(good, 5000)}, nil)
	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.NoError(t, err)
	require.Equal(t, FinishedSuccess, state)

	fl = reopenFlash(t, path, partition.DefaultTable())
	require.Equal(t, "ota_1", fl.Running().Label)

	failures := []*scriptedFetcher{
		{status: http.StatusOK, chunks: split(good, 5000)[:3], err: errors.New("connection reset")},
		{status: http.StatusOK, chunks: split(bytes.Repeat([]byte{0xFF}, 20_000), 5000)},
	}
	for _, f := range failures {
		u := NewUpdater(ManageFlash(fl), f, nil)
		state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
		require.Error(t, err)
		require.True(t, state.Terminal())
		require.NotEqual(t, FinishedSuccess, state)
		require.Equal(t, "ota_0", u.Last().Target.Label)
		requireBoot(t, fl, "ota_1")
	}
}

func TestUpdate_DigestMismatch(t *testing.T) {
	fl := openFlash(t, partition.DefaultTable())
	img := testImage(10_000)
	u := NewUpdater(ManageFlash(fl), &scriptedFetcher{status: http.StatusOK, chunks: split(img, 1000)}, nil)

	state, err := u.Update(context.Background(), "http://fw.example/fw.bin", WithExpectedSHA256("00"))
	require.Equal(t, FlashError, state)
	require.ErrorIs(t, err, ErrDigestMismatch)
	require.ErrorIs(t, err, partition.ErrFinalize)
	requireBoot(t, fl, "ota_0")

	sum := sha256.Sum256(img)
	state, err = u.Update(context.Background(), "http://fw.example/fw.bin", WithExpectedSHA256(hex.EncodeToString(sum[:])))
	require.NoError(t, err)
	require.Equal(t, FinishedSuccess, state)
	requireBoot(t, fl, "ota_1")
}

func TestUpdate_EmptyURL(t *testing.T) {
	fl := openFlash(t, partition.DefaultTable())
	fetcher := &scriptedFetcher{status: http.StatusOK}
	u := NewUpdater(ManageFlash(fl), fetcher, nil)

	state, err := u.Update(context.Background(), "")
	require.Equal(t, ConnectionError, state)
	require.ErrorIs(t, err, ErrConnection)
	require.Equal(t, 0, fetcher.calls)
}

func TestUpdate_AttemptInProgress(t *testing.T) {
	fl := openFlash(t, partition.DefaultTable())
	fetcher := &scriptedFetcher{
		status:  http.StatusOK,
		chunks:  split(testImage(10_000), 1000),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	cell := progress.NewCell()
	u := NewUpdater(ManageFlash(fl), fetcher, cell)

	done := make(chan State)
	go func() {
		state, _ := u.Update(context.Background(), "http://fw.example/fw.bin")
		done <- state
	}()
	<-fetcher.started
	require.Equal(t, int32(0), cell.Get())

	_, err := u.Update(context.Background(), "http://fw.example/other.bin")
	require.ErrorIs(t, err, ErrAttemptInProgress)
	require.ErrorIs(t, u.SwitchBootTarget(fl.Running()), ErrAttemptInProgress)
	require.Equal(t, int32(0), cell.Get())

	close(fetcher.release)
	require.Equal(t, FinishedSuccess, <-done)
}

func TestUpdate_RetryStartsOver(t *testing.T) {
	fl := openFlash(t, partition.DefaultTable())
	cell := progress.NewCell()
	u := NewUpdater(ManageFlash(fl), &scriptedFetcher{status: http.StatusInternalServerError}, cell)
	_, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.Error(t, err)
	require.Equal(t, progress.ConnectionError, cell.Get())

	img := testImage(10_000)
	rec := &recorder{cell: cell}
	u = NewUpdater(ManageFlash(fl), &scriptedFetcher{status: http.StatusOK, hasLength: true, length: int64(len(img)), chunks: split(img, 1000)}, cell,
		WithProgressHandler(rec.handler))
	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.NoError(t, err)
	require.Equal(t, FinishedSuccess, state)
	require.Equal(t, int32(10), rec.values[0])
	requireMonotonic(t, rec.values)
}

func TestSwitchBootTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	table := partition.DefaultTable()
	for _, want := range []string{"ota_1", "ota_0"} {
		fl := reopenFlash(t, path, table)
		u := NewUpdater(ManageFlash(fl), &scriptedFetcher{status: http.StatusOK, chunks: split(testImage(4096), 1024)}, nil)
		_, err := u.Update(context.Background(), "http://fw.example/fw.bin")
		require.NoError(t, err)
		requireBoot(t, fl, want)
	}

	// both slots now hold an image; roll back to the previous image
	fl := reopenFlash(t, path, table)
	require.Equal(t, "ota_0", fl.Running().Label)
	u := NewUpdater(ManageFlash(fl), &scriptedFetcher{}, nil)
	ota1, ok := table.Find("ota_1")
	require.True(t, ok)
	require.NoError(t, u.SwitchBootTarget(ota1))
	requireBoot(t, fl, "ota_1")

	nvs, ok := table.Find("nvs")
	require.True(t, ok)
	require.ErrorIs(t, u.SwitchBootTarget(nvs), partition.ErrCommit)
	requireBoot(t, fl, "ota_1")
}

// fakeManager hands out a scripted writer and records boot selections.
type fakeManager struct {
	running, target partition.Descriptor
	writer          *fakeWriter
	boot            string
}

func (m *fakeManager) Running() partition.Descriptor { return m.running }

func (m *fakeManager) NextTarget() (partition.Descriptor, error) { return m.target, nil }

func (m *fakeManager) Open(target partition.Descriptor) (ImageWriter, error) {
	m.writer.part = target
	return m.writer, nil
}

func (m *fakeManager) SetBoot(p partition.Descriptor) error {
	m.boot = p.Label
	return nil
}

type fakeWriter struct {
	part        partition.Descriptor
	writeErr    error
	failAfter   int
	finalizeErr error

	written   int
	finalized bool
	aborted   bool
}

func (w *fakeWriter) Partition() partition.Descriptor { return w.part }

func (w *fakeWriter) Write(p []byte) (int, error) {
	if w.writeErr != nil && w.written+len(p) > w.failAfter {
		return 0, w.writeErr
	}
	w.written += len(p)
	return len(p), nil
}

func (w *fakeWriter) Finalize() error {
	w.finalized = true
	return w.finalizeErr
}

func (w *fakeWriter) Abort() error {
	w.aborted = true
	return nil
}

func newFakeManager(w *fakeWriter) *fakeManager {
	table := partition.DefaultTable()
	running, _ := table.Find("ota_0")
	target, _ := table.Find("ota_1")
	return &fakeManager{running: running, target: target, writer: w, boot: running.Label}
}

func TestUpdate_WriteError(t *testing.T) {
	w := &fakeWriter{
		writeErr:  &partition.Error{Kind: partition.ErrWrite, Label: "ota_1", Err: io.ErrShortWrite},
		failAfter: 3000,
	}
	mgr := newFakeManager(w)
	img := testImage(10_000)
	fetcher := &scriptedFetcher{status: http.StatusOK, hasLength: true, length: int64(len(img)), chunks: split(img, 1000)}
	u := NewUpdater(mgr, fetcher, nil)

	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.ErrorIs(t, err, partition.ErrWrite)
	require.Equal(t, FlashError, state)
	require.Equal(t, FailureWrite, FailureOf(err))
	require.Equal(t, progress.FlashError, u.Progress().Get())
	require.Equal(t, 3, fetcher.accepted)
	require.True(t, w.aborted)
	require.False(t, w.finalized)
	require.Equal(t, "ota_0", mgr.boot)
	require.Equal(t, int64(3000), u.Last().Written)
}

func TestUpdate_CommitError(t *testing.T) {
	w := &fakeWriter{
		finalizeErr: &partition.Error{Kind: partition.ErrCommit, Label: "ota_1", Err: errors.New("sync failed")},
	}
	mgr := newFakeManager(w)
	var restarts atomic.Int32
	sched := NewRestartScheduler(0, RestarterFunc(func() error {
		restarts.Add(1)
		return nil
	}))
	u := NewUpdater(mgr, &scriptedFetcher{status: http.StatusOK, chunks: split(testImage(4096), 1024)}, nil,
		WithRestartScheduler(sched))

	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.ErrorIs(t, err, partition.ErrCommit)
	require.Equal(t, FlashError, state)
	require.Equal(t, FailureCommit, FailureOf(err))
	require.Equal(t, progress.FlashError, u.Progress().Get())
	require.True(t, w.finalized)
	require.Equal(t, "ota_0", mgr.boot)
	require.False(t, sched.Scheduled())
	require.Equal(t, int32(0), restarts.Load())
}

func TestUpdate_FlashLockedByAnotherProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	table := partition.DefaultTable()
	other := reopenFlash(t, path, table)
	next, err := other.NextTarget()
	require.NoError(t, err)
	w, err := other.Open(next)
	require.NoError(t, err)

	fl := reopenFlash(t, path, table)
	fetcher := &scriptedFetcher{status: http.StatusOK, chunks: split(testImage(4096), 1024)}
	u := NewUpdater(ManageFlash(fl), fetcher, nil)
	state, err := u.Update(context.Background(), "http://fw.example/fw.bin")
	require.ErrorIs(t, err, ErrAttemptInProgress)
	require.ErrorIs(t, err, partition.ErrLocked)
	require.Equal(t, FlashError, state)
	require.Equal(t, 0, fetcher.calls)
	require.ErrorIs(t, u.SwitchBootTarget(next), ErrAttemptInProgress)

	require.NoError(t, w.Abort())
	state, err = u.Update(context.Background(), "http://fw.example/fw.bin")
	require.NoError(t, err)
	require.Equal(t, FinishedSuccess, state)
	requireBoot(t, fl, next.Label)
}

func TestFailureOf(t *testing.T) {
	require.Equal(t, FailureNone, FailureOf(nil))
	require.Equal(t, FailureDigest, FailureOf(fmt.Errorf("%w: %w", partition.ErrFinalize, ErrDigestMismatch)))
	require.Equal(t, FailureImage, FailureOf(&partition.Error{Kind: partition.ErrFinalize}))
	require.Equal(t, FailureCapacity, FailureOf(&partition.Error{Kind: partition.ErrCapacityExceeded}))
	require.Equal(t, FailureConnection, FailureOf(fmt.Errorf("%w: eof", ErrConnection)))
	require.Equal(t, FailureOther, FailureOf(errors.New("boom")))

	require.True(t, FailureConnection.Retryable())
	require.True(t, FailureWrite.Retryable())
	require.True(t, FailureOpen.Retryable())
	require.True(t, FailureBusy.Retryable())
	require.False(t, FailureDigest.Retryable())
	require.False(t, FailureImage.Retryable())
	require.False(t, FailureCapacity.Retryable())
	require.False(t, FailureNoTarget.Retryable())
}
