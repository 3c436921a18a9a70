package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"

	"github.com/Rouzip/hwcounter/pkg/config"
	"github.com/Rouzip/hwcounter/pkg/counter"
	"github.com/Rouzip/hwcounter/pkg/metrics"
	"github.com/Rouzip/hwcounter/pkg/profiler"
	"github.com/Rouzip/hwcounter/pkg/report"
	"github.com/Rouzip/hwcounter/pkg/utils"
	"github.com/Rouzip/hwcounter/pkg/workload"
	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

func init() {
	// counters count the thread that opened them, and main opens them
	runtime.LockOSThread()
}

// count hardware events around a busy loop, once or periodically
func main() {
	app := kingpin.New("bench", "Count hardware events around a busy loop.")
	configFile := app.Flag("config", "Path to a YAML config file").String()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.FromFile(*configFile); err != nil {
			klog.Fatal(err)
		}
	}
	if err := updateConfig(cfg); err != nil {
		klog.Fatal(err)
	}
	setUpLogging(cfg.Log.Verbosity)
	defer klog.Flush()

	if err := run(cfg); err != nil {
		klog.Fatal(err)
	}
}

func setUpLogging(verbosity int) {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	if err := fs.Set("v", strconv.Itoa(verbosity)); err != nil {
		klog.Warning(err)
	}
}

func run(cfg *config.Config) error {
	klog.V(2).Infof("configuration:\n%s", cfg)
	checkHost()

	opts, err := cfg.CounterOptions()
	if err != nil {
		return err
	}
	// fail-fast sets terminate here; degraded ones carry on with zeros
	set := counter.MustNew(opts)
	defer func() {
		if err := set.Close(); err != nil {
			klog.Error(err)
		}
	}()
	klog.Infof("counting %d/%d events, grouped=%v, policy=%s", set.Available(), len(set.Events()), set.Grouped(), set.Policy())

	b := &bench{
		set:        set,
		iterations: cfg.Workload.Iterations,
		buf:        make([]byte, cfg.Workload.Buffer),
		stride:     cfg.Workload.Stride,
		printer:    report.NewPrinter(os.Stdout),
	}
	if cfg.Crosscheck {
		p, err := profiler.New()
		if err != nil {
			klog.Warningf("crosscheck disabled: %v", err)
		} else {
			defer p.Close()
			b.cross = p
		}
	}

	if cfg.Interval == 0 {
		for i := 1; i <= cfg.Workload.Rounds; i++ {
			b.window(fmt.Sprintf("window %d", i))
		}
		return nil
	}

	ctx, cancel := utils.SetUpContext(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server failed: %v", err)
			cancel()
		}
	}()
	klog.Infof("serving metrics on %s, measuring every %s", cfg.Listen, cfg.Interval)

	// Until runs the window on this goroutine, which stays on the locked thread
	n := 0
	wait.Until(func() {
		n++
		b.window(fmt.Sprintf("window %d", n))
	}, cfg.Interval, ctx.Done())

	return server.Shutdown(context.Background())
}

func checkHost() {
	level, err := utils.PerfParanoid(procfs.DefaultMountPoint)
	if err != nil {
		klog.Warningf("perf_event_open looks unsupported: %v", err)
		return
	}
	if level > 2 {
		klog.Warningf("kernel.perf_event_paranoid=%d: %s", level, utils.DescribeParanoid(level))
		return
	}
	klog.V(1).Infof("kernel.perf_event_paranoid=%d: %s", level, utils.DescribeParanoid(level))
}

// crosschecker is the part of profiler.Profiler a window uses.
type crosschecker interface {
	Start() error
	Collect() (profiler.Result, error)
}

type bench struct {
	set        *counter.Set
	cross      crosschecker
	iterations int
	buf        []byte
	stride     int
	printer    *report.Printer
}

func (b *bench) work() {
	workload.Spin(b.iterations)
	workload.Touch(b.buf, b.stride, 1)
}

// crosscheck runs fn under the crosscheck profiler and returns what it
// counted, or nil when there is no profiler or it failed to start or read.
func (b *bench) crosscheck(fn func()) counter.Counts {
	if b.cross == nil {
		fn()
		return nil
	}
	if err := b.cross.Start(); err != nil {
		klog.Warningf("failed to start crosscheck, skipping it for this window: %v", err)
		fn()
		return nil
	}
	fn()
	res, err := b.cross.Collect()
	if err != nil {
		klog.Errorf("failed to read crosscheck: %v", err)
		return nil
	}
	return crosscheckCounts(res)
}

func (b *bench) window(title string) {
	var (
		counts counter.Counts
		err    error
	)
	cross := b.crosscheck(func() { counts, err = b.set.Measure(b.work) })
	if err != nil {
		klog.Errorf("failed to start counters: %v", err)
		return
	}

	metrics.RecordCounts(counts)
	if err := b.printer.Print(title, counts); err != nil {
		klog.Error(err)
	}
	for _, c := range cross {
		metrics.RecordValue(c.Event, profiler.Source, c.Value)
	}
	if cross != nil {
		if err := b.printer.Print(title+" ("+profiler.Source+", incl. kernel)", cross); err != nil {
			klog.Error(err)
		}
	}
}

func crosscheckCounts(res profiler.Result) counter.Counts {
	return counter.Counts{
		{Event: counter.Cycles.Name, Value: res.Cycles, Available: true},
		{Event: counter.Instructions.Name, Value: res.Instructions, Available: true},
	}
}
