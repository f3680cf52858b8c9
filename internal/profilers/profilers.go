// Package profilers sets up profiling of the training and evaluation tools.
//
// If linked, it installs the profiler flags. Beyond the usual HTTP, CPU and heap profiles, the
// pipeline runs its stages (preprocessing, training of each model, evaluation) through Stage, which
// tags the CPU samples with a "stage" pprof label, records the time spent in each one and, with
// -mem_profile, writes one heap profile per stage.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"io"
	"k8s.io/klog/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"time"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, runs the HTTP profiler at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "Write CPU profile to `file`. Samples are labeled by pipeline stage.")
	flagMemProfile = flag.String("mem_profile", "", "Write heap profiles to `file`: one after each pipeline "+
		"stage (with the stage name added to the file name), and one at exit.")
	profilerAddr string

	// globalCtx is set on the call to Setup.
	globalCtx = context.Background()

	muTimings sync.Mutex
	timings   []StageTiming
)

// LabelStage is the pprof label key holding the name of the pipeline stage.
const LabelStage = "stage"

// StageTiming is the time spent in one stage of the pipeline.
type StageTiming struct {
	Name    string
	Elapsed time.Duration
	Err     error
}

// Setup starts the HTTP (flag -prof) and CPU profilers (flag -cpu_profile), if they were configured.
// Call OnQuit before exiting.
func Setup(ctx context.Context) {
	globalCtx = ctx
	if *flagProfiler >= 0 {
		setupHTTPProfiler()
	}
	if *flagCPUProfile != "" {
		startCPUProfile()
	}
}

// OnQuit stops the CPU profile, writes the final heap profile, logs the stage timings and, if the
// HTTP profiler is running, waits for an interrupt.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
	}
	if *flagMemProfile != "" {
		writeHeapProfile(*flagMemProfile)
	}
	if klog.V(1).Enabled() {
		var sb strings.Builder
		PrintTimings(&sb)
		klog.Info(sb.String())
	}
	if *flagProfiler >= 0 {
		httpProfilerOnQuit()
	}
}

// Stage runs fn as the named stage of the pipeline: its CPU samples carry the LabelStage label,
// its duration is recorded (see Timings) and, if -mem_profile is set, a heap profile is written
// when it finishes. It returns the error returned by fn.
func Stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	var err error
	pprof.Do(ctx, pprof.Labels(LabelStage, name), func(ctx context.Context) {
		err = fn(ctx)
	})
	elapsed := time.Since(start)
	muTimings.Lock()
	timings = append(timings, StageTiming{Name: name, Elapsed: elapsed, Err: err})
	muTimings.Unlock()
	klog.V(1).Infof("Stage %q: %s", name, elapsed)
	if *flagMemProfile != "" {
		writeHeapProfile(StageProfilePath(*flagMemProfile, name))
	}
	return err
}

// Timings returns the stages run so far, in the order they finished.
func Timings() []StageTiming {
	muTimings.Lock()
	defer muTimings.Unlock()
	return append([]StageTiming(nil), timings...)
}

// PrintTimings writes one line per stage run so far.
func PrintTimings(w io.Writer) {
	for _, t := range Timings() {
		status := "ok"
		if t.Err != nil {
			status = "failed: " + t.Err.Error()
		}
		_, _ = fmt.Fprintf(w, "- %-20s %12s  %s\n", t.Name, t.Elapsed.Round(time.Millisecond), status)
	}
}

var nonFileChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// StageProfilePath returns the heap profile file for the stage: the stage name is inserted before
// the extension of base, e.g. "mem.prof" and "train/model_0" give "mem.train_model_0.prof".
func StageProfilePath(base, stage string) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + nonFileChars.ReplaceAllString(stage, "_") + ext
}

// startCPUProfile creates the file pointed by *flagCPUProfile and starts the CPU profiling there.
func startCPUProfile() {
	f, err := os.Create(*flagCPUProfile)
	if err != nil {
		klog.Fatal("could not create CPU profile: ", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		klog.Fatal("could not start CPU profile: ", err)
	}
}

// writeHeapProfile to path, after a garbage collection. Failures are only logged.
func writeHeapProfile(path string) {
	f, err := os.Create(path)
	if err != nil {
		klog.Errorf("could not create heap profile: %v", err)
		return
	}
	defer func() { _ = f.Close() }()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		klog.Errorf("could not write heap profile: %v", err)
	}
}

// setupHTTPProfiler serves net/http/pprof on localhost at the -prof port.
func setupHTTPProfiler() {
	profilerAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
	fmt.Printf("Starting profiler on %s/debug/pprof\n", profilerAddr)
	fmt.Printf("- Samples are labeled by stage, e.g.: $ go tool pprof -tagfocus=%s=preprocess %s/debug/pprof/profile\n",
		LabelStage, profilerAddr)
	fmt.Printf("- The program is kept alive at the end, interrupt it (Ctrl+C) to exit\n")
	go func() {
		klog.Fatal(http.ListenAndServe(profilerAddr, nil))
	}()
}

// httpProfilerOnQuit keeps the program alive, with the HTTP profiler serving, until interrupted.
func httpProfilerOnQuit() {
	if globalCtx.Err() != nil {
		// Already interrupted.
		return
	}
	// Collect what is garbage, so the heap profile only shows what is still referenced.
	for range 10 {
		runtime.GC()
	}
	fmt.Printf("- Pipeline finished: profiler still serving at %s/debug/pprof, Ctrl+C to exit\n", profilerAddr)
	<-globalCtx.Done()
	fmt.Printf("... exiting ...\n")
}
