// Command-line tool for inspecting, serving, exporting, and archiving
// multi-resolution acquisition datasets.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/micro-manager/mmstore/archive"
	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/server"
	"github.com/micro-manager/mmstore/storage"
	"github.com/micro-manager/mmstore/store"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Path to TOML configuration file.
	configFile = flag.String("config", "", "")
)

const helpMessage = `
mmstore reads and maintains multi-resolution acquisition datasets.

Usage: mmstore [options] <command> [key=value ...]

      -config     =string   TOML configuration file.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	info        dir=<dataset>
	serve       dir=<dataset> [web=<address>]
	export      dir=<dataset> out=<file.tif> [axes=channel=0,time=1] [level=0]
	finalize    dir=<dataset>
	archive     dir=<dataset> bucket=<bucket URL> [prefix=<path>]
	restore     dir=<dataset> bucket=<bucket URL> [prefix=<path>]
	uniquename  dir=<parent dir> prefix=<acquisition name>

Bucket URLs may be s3://bucket/prefix, gcs://bucket, vast://endpoint/bucket,
file:///path, or mem://.  Omitting dir uses the current directory.
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() { fmt.Print(helpMessage) }
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}
	if *runVerbose {
		mm.SetLogMode(mm.DebugMode)
	}

	config, err := store.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	config.Logging.SetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = DoCommand(ctx, config, mm.Command(flag.Args()))
	stop()
	mm.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(ctx context.Context, config *store.Config, cmd mm.Command) error {
	switch cmd.Name() {
	case "about":
		fmt.Printf("mmstore format %s\nIndex engines: %s\n", store.FormatVersion, storage.EnginesAvailable())
		return nil
	case "info":
		return DoInfo(config, cmd)
	case "serve":
		return DoServe(ctx, config, cmd)
	case "export":
		return DoExport(ctx, config, cmd)
	case "finalize":
		return DoFinalize(config, cmd)
	case "archive":
		return DoArchive(ctx, config, cmd)
	case "restore":
		return DoRestore(ctx, cmd)
	case "uniquename":
		return DoUniqueName(cmd)
	default:
		return fmt.Errorf("unknown command %q, try 'mmstore help'", cmd.Name())
	}
}

func openDataset(config *store.Config, cmd mm.Command, readOnly bool) (*store.Store, error) {
	dir, err := cmd.DatasetDir()
	if err != nil {
		return nil, err
	}
	opts := config.Store
	opts.ReadOnly = readOnly
	return store.Open(dir, opts)
}

// DoInfo prints the summary and statistics of a dataset.
func DoInfo(config *store.Config, cmd mm.Command) error {
	s, err := openDataset(config, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	summary := s.Summary()
	stats := s.Stats()
	fmt.Printf("Dataset:      %s\n", s.Dir())
	fmt.Printf("UUID:         %s\n", s.UUID())
	fmt.Printf("Plane size:   %d x %d, %d bytes/pixel\n", summary.Width, summary.Height, summary.BytesPerPixel)
	fmt.Printf("Planes:       %d (%s)\n", stats.NumPlanes, mm.ByteSize(uint64(stats.BytesWritten)))
	fmt.Printf("Levels:       %d\n", s.NumLevels())
	fmt.Printf("Finished:     %t\n", stats.Finished)
	if bounds, ok := s.GetImageBounds(); ok {
		fmt.Printf("Image bounds: %s\n", bounds)
	}
	for _, name := range s.Index().AxisNames() {
		lo, hi, _ := s.AxisBounds(name)
		fmt.Printf("Axis %-8s [%d, %d]\n", name+":", lo, hi)
	}
	return nil
}

// DoServe opens a dataset and serves the HTTP API until interrupted.
func DoServe(ctx context.Context, config *store.Config, cmd mm.Command) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	config.Store.Registerer = reg

	s, err := openDataset(config, cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	webConfig := config.Server
	if address, found := cmd.Parameter(mm.KeyWeb); found {
		webConfig.Address = address
	}
	return server.New(s, webConfig, reg).Serve(ctx)
}

// DoExport writes one stitched plane of a resolution level as a TIFF file.
func DoExport(ctx context.Context, config *store.Config, cmd mm.Command) error {
	output, found := cmd.Parameter(mm.KeyOutput)
	if !found {
		return fmt.Errorf("export requires %s=<file.tif>", mm.KeyOutput)
	}
	axesStr, _ := cmd.Parameter(mm.KeyAxes)
	axes, err := mm.ParseAxesPosition(axesStr)
	if err != nil {
		return err
	}
	level, err := cmd.IntParameter(mm.KeyLevel, 0)
	if err != nil {
		return err
	}
	s, err := openDataset(config, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	f, err := os.Create(output)
	if err != nil {
		return mm.NewIOError("create", output, err)
	}
	if err := s.ExportTIFF(ctx, f, axes, level, mm.Rect{}); err != nil {
		f.Close()
		os.Remove(output)
		return err
	}
	if err := f.Close(); err != nil {
		return mm.NewIOError("close", output, err)
	}
	mm.Infof("Exported %s level %d to %s\n", axes, level, output)
	return nil
}

// DoFinalize finishes a dataset left unfinished, e.g., after a crash.
func DoFinalize(config *store.Config, cmd mm.Command) error {
	s, err := openDataset(config, cmd, false)
	if err != nil {
		return err
	}
	if err := s.FinishedWriting(); err != nil {
		s.Close()
		return err
	}
	fmt.Printf("Finished writing %s\n", s)
	return s.Close()
}

func bucketParameters(cmd mm.Command) (ref, prefix string, err error) {
	ref, found := cmd.Parameter(mm.KeyBucket)
	if !found {
		return "", "", fmt.Errorf("%s requires %s=<bucket URL>", cmd.Name(), mm.KeyBucket)
	}
	prefix, _ = cmd.Parameter(mm.KeyPrefix)
	return ref, prefix, nil
}

// DoArchive uploads a finished dataset to a bucket.
func DoArchive(ctx context.Context, config *store.Config, cmd mm.Command) error {
	ref, prefix, err := bucketParameters(cmd)
	if err != nil {
		return err
	}
	s, err := openDataset(config, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	bucket, err := archive.OpenBucket(ctx, ref)
	if err != nil {
		return err
	}
	defer bucket.Close()
	if prefix == "" {
		prefix = filepath.Base(s.Dir())
	}
	manifest, err := archive.Upload(ctx, bucket, s, prefix)
	if err != nil {
		return err
	}
	fmt.Printf("Archived %d files of dataset %s to %s/%s\n", len(manifest.Files), manifest.UUID, ref, prefix)
	return nil
}

// DoRestore downloads an archived dataset into a new directory.
func DoRestore(ctx context.Context, cmd mm.Command) error {
	ref, prefix, err := bucketParameters(cmd)
	if err != nil {
		return err
	}
	dir, err := cmd.DatasetDir()
	if err != nil {
		return err
	}
	bucket, err := archive.OpenBucket(ctx, ref)
	if err != nil {
		return err
	}
	defer bucket.Close()
	manifest, err := archive.Download(ctx, bucket, prefix, dir)
	if err != nil {
		return err
	}
	fmt.Printf("Restored dataset %s to %s\n", manifest.UUID, dir)
	return nil
}

// DoUniqueName prints the next unused acquisition directory name.
func DoUniqueName(cmd mm.Command) error {
	dir, err := cmd.DatasetDir()
	if err != nil {
		return err
	}
	prefix, found := cmd.Parameter(mm.KeyPrefix)
	if !found {
		return fmt.Errorf("uniquename requires %s=<acquisition name>", mm.KeyPrefix)
	}
	name, err := store.GetUniqueAcqName(dir, prefix)
	if err != nil {
		return err
	}
	fmt.Println(name)
	return nil
}
