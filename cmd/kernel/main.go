// Command kernel boots the hosted rv39 simulation (§0): it builds
// physical memory, mounts the root and device filesystems, loads the
// init binary into a fresh address space, and drives the single-hart
// scheduler loop until interrupted.
//
// There is no RISC-V instruction interpreter behind user tasks (this is
// a hosted simulation, not an emulator — see spec's implementation
// posture): the init task's goroutine body execs its ELF image, logs
// the entry pc and sp, then idles; the trap.Handler_t built below is
// wired to the syscall table but nothing calls it. That boundary is this command's, not
// internal/syscall's or internal/task's.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"rv39/internal/blkcache"
	"rv39/internal/defs"
	"rv39/internal/devfs"
	"rv39/internal/elf"
	"rv39/internal/fdt"
	"rv39/internal/klog"
	"rv39/internal/mem"
	"rv39/internal/metrics"
	"rv39/internal/rootfs"
	"rv39/internal/sched"
	"rv39/internal/syscall"
	"rv39/internal/task"
	"rv39/internal/trap"
	"rv39/internal/vfs"
	"rv39/internal/vm"
	"rv39/internal/waitqueue"
)

var (
	memMiB       = kingpin.Flag("mem", "Physical memory size, in MiB.").Default("64").Int()
	hartID       = kingpin.Flag("hart", "Hart id for the sole scheduler processor.").Default("0").Int()
	initPath     = kingpin.Flag("init", "Host path to the ELF binary to exec as pid 1.").Default("init").String()
	diskPath     = kingpin.Flag("disk", "Optional host file backing /dev/rawdisk.").String()
	fdtPath      = kingpin.Flag("fdt", "Optional flattened device tree blob to parse at boot.").String()
	bootargs     = kingpin.Flag("bootargs", "Kernel boot argument string (key=val pairs), overridden by the FDT's /chosen/bootargs if --fdt is given.").Default("").String()
	metricsAddr  = kingpin.Flag("metrics.listen-address", "Address to serve /metrics and /dev/stat's snapshot source on.").Default(":9400").String()
	attachTTY    = kingpin.Flag("tty", "Put the host terminal into raw mode and attach it to /dev/console.").Default("false").Bool()
	buildVersion = "dev"
	buildRev     = "unknown"
)

func main() {
	kingpin.Version(buildVersion)
	kingpin.Parse()

	logger := klog.New(os.Stderr)
	task.PanicLog = func(msg string) { logger.Error("task panic", "detail", msg) }

	metrics.Version = buildVersion
	metrics.Revision = buildRev
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(func() int { return 0 }))
	registry.MustRegister(metrics.NewBuildInfoCollector())

	args := fdt.ParseBootArgs(*bootargs)
	if *fdtPath != "" {
		blob, err := loadFDT(*fdtPath)
		if err != nil {
			logger.Error("fdt parse failed", "path", *fdtPath, "err", err)
			os.Exit(1)
		}
		logger.Info("device tree loaded",
			"timebase_hz", blob.TimebaseHz, "svadu", blob.SvaduEnabled, "soc_devices", len(blob.Soc))
		for k, v := range blob.Bootargs {
			args[k] = v
		}
	}
	logger.Info("boot args", "args", args)

	nframes := (*memMiB * 1024 * 1024) / mem.PGSIZE
	phys := mem.Phys_init(mem.PGSIZE, nframes)
	logger.Info("physical memory ready", "mib", *memMiB, "frames", nframes)

	as, ok := vm.New(phys, 1)
	if !ok {
		logger.Error("failed to build init address space")
		os.Exit(1)
	}

	pcb := task.NewPCB(1, as)
	task.SetInit(pcb)

	rootSB := rootfs.New()
	rootDir, ok := rootSB.Root().(*rootfs.Inode_t)
	if !ok {
		logger.Error("root superblock's root inode has an unexpected type")
		os.Exit(1)
	}
	if _, err := rootDir.Mkdir("dev"); err != 0 && err != -defs.EEXIST {
		logger.Error("mkdir /dev failed", "errno", err)
		os.Exit(1)
	}

	vfsRoot := vfs.New(rootSB)

	var diskCache *blkcache.Cache_t
	if *diskPath != "" {
		disk, err := blkcache.OpenFileDisk(*diskPath)
		if err != nil {
			logger.Error("open disk image failed", "path", *diskPath, "err", err)
			os.Exit(1)
		}
		diskCache = blkcache.New(disk)
	}

	profSamples := func() []devfs.ProfSample {
		usage := task.Snapshot()
		samples := make([]devfs.ProfSample, len(usage))
		for i, u := range usage {
			samples[i] = devfs.ProfSample{Symbol: u.Symbol, Nanos: u.Nanos}
		}
		return samples
	}

	devSB := devfs.New(registry, profSamples, diskCache)
	if err := vfsRoot.Mount("/dev", devSB); err != 0 {
		logger.Error("mount /dev failed", "errno", err)
		os.Exit(1)
	}

	console := devSB.Console()
	if *attachTTY {
		if err := console.AttachTTY(int(os.Stdin.Fd())); err != nil {
			logger.Warn("tty attach failed, continuing with plain stdout console", "err", err)
		} else {
			defer console.DetachTTY()
		}
	}

	if err := loadInit(rootDir, *initPath); err != nil {
		logger.Error("load init binary failed", "path", *initPath, "err", err)
		os.Exit(1)
	}

	elfLoader := &elf.Loader_t{
		Phys: phys,
		Open: func(path string) (io.ReadCloser, defs.Err_t) {
			f, err := vfsRoot.Open(nil, path, 0)
			if err != 0 {
				return nil, err
			}
			return &fdReadCloser_t{f: f}, 0
		},
	}
	loaderFn := func(asIface interface{}) *elf.BoundLoader_t {
		return &elf.BoundLoader_t{L: elfLoader, AS: asIface.(*vm.AddrSpace_t)}
	}

	timers := waitqueue.NewTimerWheel()
	env := &syscall.Env_t{VFS: vfsRoot, Timers: timers, Loader: loaderFn}

	proc := sched.New(*hartID, &reaper_t{log: logger})
	sched.SetIdle(func() { waitqueue.SpinDelay(time.Millisecond) })

	handler := &trap.Handler_t{
		Syscall: syscall.Dispatch(env),
		Timers:  timers,
		HartID:  func() int { return proc.HartID() },
	}
	_ = handler // wired for trap.UserTrap once a real trap-return loop drives it

	stack := task.NewKernelStack(0)
	initTask := task.Start(pcb, proc, stack, func(t *task.TCB_t) {
		loader := &elf.BoundLoader_t{L: elfLoader, AS: t.PCB.AS}
		if err := t.Exec(loader, "/init"); err != 0 {
			logger.Error("exec /init failed", "errno", err)
			t.Exit(1)
			return
		}
		logger.Info("init running", "pc", fmt.Sprintf("%#x", t.UserContext().Pc()), "sp", fmt.Sprintf("%#x", t.UserContext().Sp()))
		for t.State() != sched.Zombie {
			t.Sleep(time.Hour, timers)
		}
	})
	proc.Enqueue(initTask)
	metrics.IncTasksSpawned()

	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		logger.Error("metrics server exited", "err", http.ListenAndServe(*metricsAddr, nil))
	}()

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		logger.Info("interrupt received, stopping scheduler")
		close(stop)
	}()

	logger.Info("scheduler starting", "hart", proc.HartID())
	proc.Run(stop)
}

// fdReadCloser_t adapts fdops.Fdops_i (used throughout the VFS) to
// io.ReadCloser, the shape internal/elf's Loader_t.Open expects; a
// Read returning (0, 0) means EOF per every Fdops_i implementation in
// this tree (rootfs.file_t, devfs's snapshot files), not "try again".
type fdReadCloser_t struct {
	f interface {
		Read([]byte) (int, defs.Err_t)
		Close() defs.Err_t
	}
}

func (r *fdReadCloser_t) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != 0 {
		return n, fmt.Errorf("read: errno %d", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (r *fdReadCloser_t) Close() error {
	r.f.Close()
	return nil
}

// loadInit reads the host ELF binary at hostPath and installs it as
// "/init" in the root filesystem, so the VFS-backed ELF loader can
// exec it the same way it would exec any other rootfs file.
func loadInit(root *rootfs.Inode_t, hostPath string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return errors.Wrap(err, "read init binary")
	}
	in, eerr := root.Create("init")
	if eerr != 0 {
		return fmt.Errorf("create /init: errno %d", eerr)
	}
	f, oerr := in.Open(rootfs.O_WRONLY | rootfs.O_TRUNC)
	if oerr != 0 {
		return fmt.Errorf("open /init: errno %d", oerr)
	}
	if _, werr := f.Write(data); werr != 0 {
		return fmt.Errorf("write /init: errno %d", werr)
	}
	return nil
}

// loadFDT reads and parses a flattened device tree blob from path.
func loadFDT(path string) (*fdt.Blob_t, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read fdt blob")
	}
	if len(data) < 4 || binary.BigEndian.Uint32(data) != 0xd00dfeed {
		return nil, errors.Errorf("%s: not an FDT blob", path)
	}
	blob, perr := fdt.Parse(data)
	if perr != nil {
		return nil, errors.Wrap(perr, "parse fdt blob")
	}
	return blob, nil
}

// reaper_t satisfies sched.Reaper_i: by the time the scheduler observes
// a task in Zombie, TCB_t.Exit has already run the PCB teardown
// (address space free, fd close, reparenting), so all that's left here
// is counting it for /dev/stat.
type reaper_t struct {
	log interface {
		Info(msg string, args ...any)
	}
}

func (r *reaper_t) Reap(t sched.Runnable_i) {
	metrics.IncTasksReaped()
	r.log.Info("task reaped", "tid", t.Tid())
}
