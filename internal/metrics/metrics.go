// Package metrics exposes kernel counters through a prometheus.Collector,
// the same custom-Desc/Collect pattern talyz's systemd_exporter uses
// rather than the promauto convenience wrappers, since these counters
// are read from live kernel state (sched, task tables) on every scrape
// instead of being incremented through a registered metric handle.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
)

const namespace = "rv39"

// Build-time version fields; cmd/kernel's linker flags set these the
// way any Prometheus exporter wires version.Version/Revision/etc., so
// /dev/stat's build_info gauge reports which kernel build is running.
var (
	Version   = "dev"
	Revision  = "unknown"
	Branch    = "unknown"
	BuildUser = "unknown"
	BuildDate = "unknown"
)

// NewBuildInfoCollector returns the standard build_info gauge
// collector the rest of the Prometheus ecosystem exposes, seeded from
// the Version/Revision/etc. vars above.
func NewBuildInfoCollector() prometheus.Collector {
	version.Version = Version
	version.Revision = Revision
	version.Branch = Branch
	version.BuildUser = BuildUser
	version.BuildDate = BuildDate
	return version.NewCollector(namespace)
}

// Counters is the live kernel counter block, bumped with plain atomic
// ops so scraping never contends with scheduling. Syscall dispatch
// increments Syscalls and cmd/kernel increments TasksSpawned and
// TasksReaped; nothing increments PageFaults, ContextSwitch or
// SignalsSent.
var Counters struct {
	Syscalls      uint64
	PageFaults    uint64
	ContextSwitch uint64
	SignalsSent   uint64
	TasksSpawned  uint64
	TasksReaped   uint64
}

func IncSyscalls()      { atomic.AddUint64(&Counters.Syscalls, 1) }
func IncPageFaults()    { atomic.AddUint64(&Counters.PageFaults, 1) }
func IncContextSwitch() { atomic.AddUint64(&Counters.ContextSwitch, 1) }
func IncSignalsSent()   { atomic.AddUint64(&Counters.SignalsSent, 1) }
func IncTasksSpawned()  { atomic.AddUint64(&Counters.TasksSpawned, 1) }
func IncTasksReaped()   { atomic.AddUint64(&Counters.TasksReaped, 1) }

// Collector implements prometheus.Collector over Counters plus a
// caller-supplied live task count (sched has no global task table to
// range over, so RunningTasks is sampled via a callback instead).
type Collector struct {
	RunningTasks func() int

	syscalls      *prometheus.Desc
	pageFaults    *prometheus.Desc
	contextSwitch *prometheus.Desc
	signalsSent   *prometheus.Desc
	tasksSpawned  *prometheus.Desc
	tasksReaped   *prometheus.Desc
	runningTasks  *prometheus.Desc
}

// NewCollector builds a Collector ready to register with a
// prometheus.Registry.
func NewCollector(runningTasks func() int) *Collector {
	return &Collector{
		RunningTasks: runningTasks,
		syscalls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "syscalls_total"),
			"Total syscalls dispatched.", nil, nil),
		pageFaults: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "page_faults_total"),
			"Total page faults resolved.", nil, nil),
		contextSwitch: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "context_switches_total"),
			"Total scheduler context switches.", nil, nil),
		signalsSent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "signals_sent_total"),
			"Total signals raised.", nil, nil),
		tasksSpawned: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tasks_spawned_total"),
			"Total tasks created via clone/fork.", nil, nil),
		tasksReaped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tasks_reaped_total"),
			"Total zombie tasks reaped.", nil, nil),
		runningTasks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "running_tasks"),
			"Tasks currently runnable or running.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.syscalls
	ch <- c.pageFaults
	ch <- c.contextSwitch
	ch <- c.signalsSent
	ch <- c.tasksSpawned
	ch <- c.tasksReaped
	ch <- c.runningTasks
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.syscalls, prometheus.CounterValue, float64(atomic.LoadUint64(&Counters.Syscalls)))
	ch <- prometheus.MustNewConstMetric(c.pageFaults, prometheus.CounterValue, float64(atomic.LoadUint64(&Counters.PageFaults)))
	ch <- prometheus.MustNewConstMetric(c.contextSwitch, prometheus.CounterValue, float64(atomic.LoadUint64(&Counters.ContextSwitch)))
	ch <- prometheus.MustNewConstMetric(c.signalsSent, prometheus.CounterValue, float64(atomic.LoadUint64(&Counters.SignalsSent)))
	ch <- prometheus.MustNewConstMetric(c.tasksSpawned, prometheus.CounterValue, float64(atomic.LoadUint64(&Counters.TasksSpawned)))
	ch <- prometheus.MustNewConstMetric(c.tasksReaped, prometheus.CounterValue, float64(atomic.LoadUint64(&Counters.TasksReaped)))
	if c.RunningTasks != nil {
		ch <- prometheus.MustNewConstMetric(c.runningTasks, prometheus.GaugeValue, float64(c.RunningTasks()))
	}
}
