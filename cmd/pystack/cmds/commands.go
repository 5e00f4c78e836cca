package cmds

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/joaorafaelm/pystack/pkg/config"
	"github.com/joaorafaelm/pystack/pkg/logflags"
	"github.com/joaorafaelm/pystack/pkg/proc"
	"github.com/joaorafaelm/pystack/pkg/proc/native"
	"github.com/joaorafaelm/pystack/pkg/pyruntime"
	"github.com/joaorafaelm/pystack/pkg/sampler"
	"github.com/joaorafaelm/pystack/pkg/version"
)

const (
	defaultRate = 0.01
	maxPid      = math.MaxInt32
)

var errUsage = errors.New("expected exactly one PID")

const pystackCommandLongDesc = `pystack prints the Python stack of a running process.

With --seconds set it samples the stack every --rate seconds and prints the
samples in folded stack format, ready for flamegraph.pl:

	pystack -s 10 -r 0.005 PID | flamegraph.pl > profile.svg

Samples that could not be taken are reported on a "(null)" line.`

// options holds the values of the command line flags.
type options struct {
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// rate is the sample interval in seconds.
	rate float64
	// seconds is the duration of the sampling run; zero prints a single trace.
	seconds float64
	// maxDepth bounds the number of frames walked.
	maxDepth int
}

// New returns an initialized command tree. The exit status of a run is
// stored in *status.
func New(conf *config.Config, status *int) *cobra.Command {
	var o options

	rootCommand := &cobra.Command{
		Use:           "pystack [flags] PID",
		Short:         "pystack prints the Python stack of a running process.",
		Long:          pystackCommandLongDesc,
		Version:       version.PystackVersion.Short(),
		SilenceErrors: true,
		SilenceUsage:  true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errUsage
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			*status = run(cmd, args[0], conf, &o)
		},
	}
	rootCommand.SetVersionTemplate("{{.Version}}\n")

	flags := rootCommand.Flags()
	flags.Float64VarP(&o.rate, "rate", "r", defaultRate, "Sample interval in seconds.")
	flags.Float64VarP(&o.seconds, "seconds", "s", 0, "Sample for this many seconds and print folded stacks. 0 prints a single trace.")
	flags.IntVar(&o.maxDepth, "max-depth", pyruntime.DefaultMaxDepth, "Maximum number of frames walked before the stack is considered corrupted.")
	flags.BoolVarP(&o.log, "log", "", false, "Enable debug logging.")
	flags.StringVarP(&o.logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output: ptrace, locator, stack, sampler.")
	flags.StringVarP(&o.logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")

	return rootCommand
}

// Execute runs pystack with args and returns the process exit status.
func Execute(args []string, stdout, stderr io.Writer) int {
	status := 0
	cmd := New(config.LoadConfig(), &status)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		fmt.Fprint(stderr, cmd.UsageString())
		return 1
	}
	return status
}

func run(cmd *cobra.Command, arg string, conf *config.Config, o *options) int {
	stderr := cmd.ErrOrStderr()

	pid, err := parsePid(arg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if err := logflags.Setup(o.log, o.logOutput, o.logDest); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()
	logflags.SamplerLogger().Debugf("%s\n%s", version.PystackVersion, version.BuildInfo())

	cfg, err := samplerConfig(cmd.Flags(), conf, o)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	cfg.Pid = pid
	cfg.Out = cmd.OutOrStdout()

	dbp := native.New(pid)
	defer dbp.Close()

	return exitStatus(stderr, sampler.New(dbp, cfg).Run())
}

// parsePid accepts decimal process ids in (0, 2^31-1].
func parsePid(arg string) (int, error) {
	pid, err := strconv.ParseInt(arg, 10, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("invalid PID %q", arg)
	}
	if err != nil || pid <= 0 || pid > maxPid {
		return 0, fmt.Errorf("PID %s is out of valid PID range.", arg)
	}
	return int(pid), nil
}

// samplerConfig merges the config file with the command line; flags
// that were set explicitly win.
func samplerConfig(flags *pflag.FlagSet, conf *config.Config, o *options) (sampler.Config, error) {
	rate := o.rate
	if !flags.Changed("rate") && conf.Rate != nil {
		rate = *conf.Rate
	}
	maxDepth := o.maxDepth
	if !flags.Changed("max-depth") && conf.MaxDepth != nil {
		maxDepth = *conf.MaxDepth
	}

	switch {
	case rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0):
		return sampler.Config{}, fmt.Errorf("invalid sample rate %v", rate)
	case o.seconds < 0 || math.IsNaN(o.seconds) || math.IsInf(o.seconds, 0):
		return sampler.Config{}, fmt.Errorf("invalid sampling duration %v", o.seconds)
	case maxDepth <= 0:
		return sampler.Config{}, fmt.Errorf("invalid max depth %d", maxDepth)
	}

	cfg := sampler.Config{
		Duration: time.Duration(o.seconds * float64(time.Second)),
		Interval: time.Duration(rate * float64(time.Second)),
		Locate: pyruntime.LocateOptions{
			Version:              conf.PythonVersion,
			TStateCurrentOffsets: conf.TStateCurrentOffsets,
		},
		Walker: pyruntime.WalkerConfig{MaxDepth: maxDepth},
	}
	if cfg.Interval <= 0 {
		return sampler.Config{}, fmt.Errorf("sample rate %v is below the clock resolution", rate)
	}
	if conf.MaxStringLen != nil {
		cfg.Walker.MaxStringLen = *conf.MaxStringLen
	}
	if conf.CodeCacheSize != nil {
		cfg.Walker.CodeCacheSize = *conf.CodeCacheSize
		if cfg.Walker.CodeCacheSize == 0 {
			cfg.Walker.CodeCacheSize = -1
		}
	}
	return cfg, nil
}

// exitStatus reports err on stderr and maps it to an exit status: 0 for
// success and NonFatal errors, 1 for everything else.
func exitStatus(stderr io.Writer, err error) int {
	switch {
	case err == nil:
		return 0
	case proc.IsNonFatal(err):
		fmt.Fprintf(stderr, "%v\n", err)
		return 0
	case errors.Is(err, sampler.ErrEmptyStack):
		fmt.Fprintf(stderr, "internal error: %v\n", err)
		return 1
	default:
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
}
