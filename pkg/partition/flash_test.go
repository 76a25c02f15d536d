package partition

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testImage(size int) []byte {
	img := bytes.Repeat([]byte{0x5A}, size)
	img[0] = ImageMagic
	img[1] = 3
	return img
}

func openTestFlash(t *testing.T, table Table) (*Flash, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flash.bin")
	fl, err := OpenFlash(path, table)
	require.NoError(t, err)
	return fl, path
}

func writeImage(t *testing.T, fl *Flash, target Descriptor, img []byte) {
	t.Helper()
	w, err := fl.Open(target)
	require.NoError(t, err)
	_, err = w.Write(img)
	require.NoError(t, err)
	require.NoError(t, w.Finalize())
}

func requireBoot(t *testing.T, fl *Flash, label string) {
	t.Helper()
	boot, err := fl.Boot()
	require.NoError(t, err)
	require.Equal(t, label, boot.Label)
}

func TestFlash_FreshImage(t *testing.T) {
	fl, path := openTestFlash(t, DefaultTable())

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, DefaultTable().Size(), st.Size())

	require.Equal(t, "ota_0", fl.Running().Label)
	requireBoot(t, fl, "ota_0")
	next, err := fl.NextTarget()
	require.NoError(t, err)
	require.Equal(t, "ota_1", next.Label)
}

func TestFlash_AlternatingUpdates(t *testing.T) {
	fl, path := openTestFlash(t, DefaultTable())

	next, err := fl.NextTarget()
	require.NoError(t, err)
	writeImage(t, fl, next, testImage(4096))
	requireBoot(t, fl, "ota_1")
	// the running image does not change until a restart
	require.Equal(t, "ota_0", fl.Running().Label)

	// "restart"
	fl, err = OpenFlash(path, DefaultTable())
	require.NoError(t, err)
	require.Equal(t, "ota_1", fl.Running().Label)
	next, err = fl.NextTarget()
	require.NoError(t, err)
	require.Equal(t, "ota_0", next.Label)

	writeImage(t, fl, next, testImage(100))
	requireBoot(t, fl, "ota_0")

	fl, err = OpenFlash(path, DefaultTable())
	require.NoError(t, err)
	require.Equal(t, "ota_0", fl.Running().Label)
}

func TestFlash_OpenRefusesRunning(t *testing.T) {
	fl, _ := openTestFlash(t, DefaultTable())
	_, err := fl.Open(fl.Running())
	require.ErrorIs(t, err, ErrOpen)
}

func TestFlash_OpenRefusesDataAndUnknown(t *testing.T) {
	fl, _ := openTestFlash(t, DefaultTable())
	nvs, _ := fl.Table().Find("nvs")
	_, err := fl.Open(nvs)
	require.ErrorIs(t, err, ErrOpen)

	_, err = fl.Open(Descriptor{Label: "ota_7", Type: TypeApp, Subtype: "ota_7", Size: 10})
	require.ErrorIs(t, err, ErrOpen)
}

func TestFlash_OpenIsExclusive(t *testing.T) {
	fl, _ := openTestFlash(t, DefaultTable())
	next, err := fl.NextTarget()
	require.NoError(t, err)

	w, err := fl.Open(next)
	require.NoError(t, err)
	_, err = fl.Open(next)
	require.ErrorIs(t, err, ErrOpen)
	require.ErrorIs(t, fl.SetBoot(next), ErrCommit)

	require.NoError(t, w.Abort())
	w, err = fl.Open(next)
	require.NoError(t, err)
	require.NoError(t, w.Abort())
}

func TestFlash_LockedByAnotherHandle(t *testing.T) {
	a, path := openTestFlash(t, DefaultTable())
	b, err := OpenFlash(path, DefaultTable())
	require.NoError(t, err)
	next, err := a.NextTarget()
	require.NoError(t, err)

	w, err := a.Open(next)
	require.NoError(t, err)
	_, err = b.Open(next)
	require.ErrorIs(t, err, ErrOpen)
	require.ErrorIs(t, err, ErrLocked)

	img := testImage(4096)
	_, err = w.Write(img)
	require.NoError(t, err)
	err = b.SetBoot(next)
	require.ErrorIs(t, err, ErrCommit)
	require.ErrorIs(t, err, ErrLocked)
	requireBoot(t, a, "ota_0")

	require.NoError(t, w.Finalize())
	requireBoot(t, b, next.Label)
	require.NoError(t, b.Verify(next))

	w, err = b.Open(next)
	require.NoError(t, err)
	require.NoError(t, w.Abort())
}

func TestWriter_CapacityExceeded(t *testing.T) {
	table := Table{
		{Label: "otadata", Type: TypeData, Subtype: SubtypeOTAData, Offset: 0x1000, Size: 0x2000},
		{Label: "ota_0", Type: TypeApp, Subtype: "ota_0", Offset: 0x3000, Size: 1000},
		{Label: "ota_1", Type: TypeApp, Subtype: "ota_1", Offset: 0x4000, Size: 1000},
	}
	fl, _ := openTestFlash(t, table)
	next, err := fl.NextTarget()
	require.NoError(t, err)

	w, err := fl.Open(next)
	require.NoError(t, err)
	img := testImage(1100)
	n, err := w.Write(img[:600])
	require.NoError(t, err)
	require.Equal(t, 600, n)
	_, err = w.Write(img[600:1001])
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, int64(600), w.Written())
	// an exact fit is fine
	_, err = w.Write(img[600:1000])
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	requireBoot(t, fl, "ota_0")
	_, err = w.Write([]byte{1})
	require.ErrorIs(t, err, ErrWrite)
}

func TestWriter_FinalizeRejectsInvalidImage(t *testing.T) {
	fl, _ := openTestFlash(t, DefaultTable())
	next, _ := fl.NextTarget()

	w, err := fl.Open(next)
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte{0x00}, 64))
	require.NoError(t, err)
	err = w.Finalize()
	require.ErrorIs(t, err, ErrFinalize)
	requireBoot(t, fl, "ota_0")

	// finalize is once only
	require.ErrorIs(t, w.Finalize(), ErrFinalize)

	w, err = fl.Open(next)
	require.NoError(t, err)
	require.ErrorIs(t, w.Finalize(), ErrFinalize)
	requireBoot(t, fl, "ota_0")
}

func TestFlash_SetBootRequiresImage(t *testing.T) {
	fl, _ := openTestFlash(t, DefaultTable())
	ota1, _ := fl.Table().Find("ota_1")
	err := fl.SetBoot(ota1)
	require.ErrorIs(t, err, ErrCommit)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrCommit, kind)
	requireBoot(t, fl, "ota_0")
}

func TestFlash_SetBootRollback(t *testing.T) {
	fl, path := openTestFlash(t, DefaultTable())
	ota0, _ := fl.Table().Find("ota_0")
	ota1, _ := fl.Table().Find("ota_1")

	writeImage(t, fl, ota1, testImage(512))
	requireBoot(t, fl, "ota_1")

	fl, err := OpenFlash(path, DefaultTable())
	require.NoError(t, err)
	writeImage(t, fl, ota0, testImage(512))
	requireBoot(t, fl, "ota_0")

	// switch back to the previously committed image without rewriting it
	require.NoError(t, fl.SetBoot(ota1))
	requireBoot(t, fl, "ota_1")
	// selecting the current boot partition again is a no-op
	require.NoError(t, fl.SetBoot(ota1))
	requireBoot(t, fl, "ota_1")
}

func TestFlash_TornBootSelection(t *testing.T) {
	fl, path := openTestFlash(t, DefaultTable())
	ota0, _ := fl.Table().Find("ota_0")
	ota1, _ := fl.Table().Find("ota_1")
	otadata, _ := fl.Table().OTAData()

	writeImage(t, fl, ota1, testImage(512))
	fl, err := OpenFlash(path, DefaultTable())
	require.NoError(t, err)
	writeImage(t, fl, ota0, testImage(512))
	requireBoot(t, fl, "ota_0")

	// corrupt the newest entry as if power was lost mid-write
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	entries, err := readOTAData(f, otadata)
	require.NoError(t, err)
	idx, ok := activeEntry(entries)
	require.True(t, ok)
	_, err = f.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, int64(otadata.Offset)+int64(idx)*OTADataSectorSize+28)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	requireBoot(t, fl, "ota_1")
}

func TestFlash_FactoryLayout(t *testing.T) {
	table := Table{
		{Label: "otadata", Type: TypeData, Subtype: SubtypeOTAData, Offset: 0x1000, Size: 0x2000},
		{Label: "factory", Type: TypeApp, Subtype: SubtypeFactory, Offset: 0x3000, Size: 0x1000},
		{Label: "ota_0", Type: TypeApp, Subtype: "ota_0", Offset: 0x4000, Size: 0x1000},
		{Label: "ota_1", Type: TypeApp, Subtype: "ota_1", Offset: 0x5000, Size: 0x1000},
	}
	fl, _ := openTestFlash(t, table)
	require.Equal(t, "factory", fl.Running().Label)
	next, err := fl.NextTarget()
	require.NoError(t, err)
	require.Equal(t, "ota_0", next.Label)

	writeImage(t, fl, next, testImage(256))
	requireBoot(t, fl, "ota_0")

	factory, _ := table.Factory()
	require.NoError(t, fl.SetBoot(factory))
	requireBoot(t, fl, "factory")
}

func TestFlash_NoTargetAvailable(t *testing.T) {
	single := Table{
		{Label: "factory", Type: TypeApp, Subtype: SubtypeFactory, Offset: 0x1000, Size: 0x1000},
	}
	fl, _ := openTestFlash(t, single)
	_, err := fl.NextTarget()
	require.ErrorIs(t, err, ErrNoTargetAvailable)

	oneSlot := Table{
		{Label: "otadata", Type: TypeData, Subtype: SubtypeOTAData, Offset: 0x1000, Size: 0x2000},
		{Label: "ota_0", Type: TypeApp, Subtype: "ota_0", Offset: 0x3000, Size: 0x1000},
	}
	fl, _ = openTestFlash(t, oneSlot)
	_, err = fl.NextTarget()
	require.ErrorIs(t, err, ErrNoTargetAvailable)
	require.False(t, errors.Is(err, ErrOpen))
}

func TestNextSeq(t *testing.T) {
	cases := []struct {
		cur         uint32
		slot, slots int
		want        uint32
	}{
		{0, 0, 2, 1},
		{0, 1, 2, 2},
		{1, 1, 2, 2},
		{2, 0, 2, 3},
		{3, 0, 2, 5},
		{5, 2, 3, 6},
		{6, 1, 3, 8},
	}
	for _, c := range cases {
		require.Equal(t, c.want, nextSeq(c.cur, c.slot, c.slots), "cur=%d slot=%d/%d", c.cur, c.slot, c.slots)
	}
}
