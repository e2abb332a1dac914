package devfs

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"rv39/internal/blkcache"
	"rv39/internal/defs"
	"rv39/internal/fdops"
)

func TestRootListsConsoleAndProf(t *testing.T) {
	fs := New(nil, nil, nil)
	ents, err := fs.Root().Readdir()
	if err != 0 {
		t.Fatalf("Readdir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range ents {
		names[e.Name] = true
	}
	if !names["console"] || !names["prof"] {
		t.Fatalf("entries: got %v, want console and prof present", names)
	}
	if names["stat"] || names["rawdisk"] {
		t.Fatalf("entries: got %v, want stat/rawdisk absent when not wired", names)
	}
}

func TestRootLookupUnknownReturnsENOENT(t *testing.T) {
	fs := New(nil, nil, nil)
	if _, err := fs.Root().Lookup("nope"); err != -defs.ENOENT {
		t.Fatalf("Lookup unknown: got %v, want ENOENT", err)
	}
}

func TestConsoleWriteGoesThroughOutFunc(t *testing.T) {
	fs := New(nil, nil, nil)
	c := fs.Console()
	var captured []byte
	c.out = func(b []byte) (int, error) { captured = append(captured, b...); return len(b), nil }

	f, ferr := c.Open(0)
	if ferr != 0 {
		t.Fatalf("Open: %v", ferr)
	}
	n, werr := f.Write([]byte("hello"))
	if werr != 0 || n != 5 {
		t.Fatalf("Write: got (%d, %v), want (5, 0)", n, werr)
	}
	if string(captured) != "hello" {
		t.Fatalf("captured: got %q, want %q", captured, "hello")
	}
}

func TestConsoleReadDrainsInjectedBytes(t *testing.T) {
	c := NewConsole()
	c.Inject([]byte("abc"))
	buf := make([]byte, 8)
	n, err := c.Read(buf)
	if err != 0 {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "abc" {
		t.Fatalf("Read: got %q, want %q", buf[:n], "abc")
	}
}

func TestConsoleReadWithNothingAvailableDoesNotBlockWithNoScheduler(t *testing.T) {
	c := NewConsole()
	buf := make([]byte, 8)
	n, err := c.Read(buf)
	if err != 0 || n != 0 {
		t.Fatalf("Read with empty buffer and no current task: got (%d, %v), want (0, 0)", n, err)
	}
}

func TestConsoleIoctlWithoutAttachedTTYIsENOTTY(t *testing.T) {
	c := NewConsole()
	if _, err := c.Ioctl(ioctlTIOCGWINSZ, 0); err != -defs.ENOTTY {
		t.Fatalf("Ioctl: got %v, want ENOTTY", err)
	}
}

func TestConsolePollReportsReadWhenBuffered(t *testing.T) {
	c := NewConsole()
	if ready, _ := c.Poll(fdops.READY_READ, nil); ready != 0 {
		t.Fatalf("Poll before Inject: got %v, want 0", ready)
	}
	c.Inject([]byte("x"))
	ready, _ := c.Poll(fdops.READY_READ|fdops.READY_WRITE, nil)
	if ready&fdops.READY_READ == 0 {
		t.Fatal("Poll after Inject: expected READY_READ set")
	}
	if ready&fdops.READY_WRITE == 0 {
		t.Fatal("Poll: expected READY_WRITE always set (writes never block)")
	}
}

func TestStatInodeOpenEmitsRegisteredMetric(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "rv39_test_total", Help: "test counter"})
	counter.Add(3)
	registry.MustRegister(counter)

	fs := New(registry, nil, nil)
	statEntry, err := fs.Root().Lookup("stat")
	if err != 0 {
		t.Fatalf("Lookup stat: %v", err)
	}
	f, oerr := statEntry.Open(0)
	if oerr != 0 {
		t.Fatalf("Open: %v", oerr)
	}
	buf := make([]byte, 4096)
	n, rerr := f.Read(buf)
	if rerr != 0 {
		t.Fatalf("Read: %v", rerr)
	}
	if !strings.Contains(string(buf[:n]), "rv39_test_total 3") {
		t.Fatalf("snapshot: got %q, want it to contain the registered counter", buf[:n])
	}
}

func TestProfInodeOpenEncodesSamples(t *testing.T) {
	samples := func() []ProfSample {
		return []ProfSample{{Symbol: "task.body", Nanos: 1500}}
	}
	fs := New(nil, samples, nil)
	profEntry, err := fs.Root().Lookup("prof")
	if err != 0 {
		t.Fatalf("Lookup prof: %v", err)
	}
	f, oerr := profEntry.Open(0)
	if oerr != 0 {
		t.Fatalf("Open: %v", oerr)
	}
	buf := make([]byte, 65536)
	n, rerr := f.Read(buf)
	if rerr != 0 {
		t.Fatalf("Read: %v", rerr)
	}
	if n == 0 {
		t.Fatal("profile snapshot: got empty output, want an encoded pprof profile")
	}
}

func TestSnapshotFileReopenResetsOffset(t *testing.T) {
	f := &snapshotFile{data: []byte("0123456789")}
	buf := make([]byte, 4)
	n, _ := f.Read(buf)
	if n != 4 || string(buf) != "0123" {
		t.Fatalf("first read: got %q", buf[:n])
	}
	f.Reopen()
	n, _ = f.Read(buf)
	if n != 4 || string(buf) != "0123" {
		t.Fatalf("read after Reopen: got %q, want it to restart from the beginning", buf[:n])
	}
}

// memDisk_t is a minimal blkcache.Disk_i backed by a flat in-memory slice.
type memDisk_t struct {
	blocks [][]byte
}

func newMemDisk(nblocks int) *memDisk_t {
	blocks := make([][]byte, nblocks)
	for i := range blocks {
		blocks[i] = make([]byte, 4096)
	}
	return &memDisk_t{blocks: blocks}
}

func (d *memDisk_t) ReadBlock(n int) ([]byte, error) {
	buf := make([]byte, len(d.blocks[n]))
	copy(buf, d.blocks[n])
	return buf, nil
}
func (d *memDisk_t) WriteBlock(n int, data []byte) error { copy(d.blocks[n], data); return nil }
func (d *memDisk_t) NumBlocks() int                      { return len(d.blocks) }

func TestRawdiskWriteThenReadAcrossBlockBoundary(t *testing.T) {
	cache := blkcache.New(newMemDisk(2))
	fs := New(nil, nil, cache)
	rawEntry, err := fs.Root().Lookup("rawdisk")
	if err != 0 {
		t.Fatalf("Lookup rawdisk: %v", err)
	}
	f, oerr := rawEntry.Open(0)
	if oerr != 0 {
		t.Fatalf("Open: %v", oerr)
	}
	payload := make([]byte, 16)
	copy(payload, "cross-block-data")
	if _, serr := f.Seek(4090, fdops.SEEK_SET); serr != 0 {
		t.Fatalf("Seek: %v", serr)
	}
	if n, werr := f.Write(payload); werr != 0 || n != len(payload) {
		t.Fatalf("Write: got (%d, %v)", n, werr)
	}

	f2, oerr := rawEntry.Open(0)
	if oerr != 0 {
		t.Fatalf("second Open: %v", oerr)
	}
	if _, serr := f2.Seek(4090, fdops.SEEK_SET); serr != 0 {
		t.Fatalf("Seek (read): %v", serr)
	}
	got := make([]byte, len(payload))
	if n, rerr := f2.Read(got); rerr != 0 || n != len(got) {
		t.Fatalf("Read: got (%d, %v)", n, rerr)
	}
	if string(got) != string(payload) {
		t.Fatalf("round trip: got %q, want %q", got, payload)
	}
}
