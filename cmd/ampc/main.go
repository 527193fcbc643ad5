package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"syscall"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ampc/config"
	"ampc/convert"
	"ampc/misc"
	"ampc/state"
)

const convertHelp = `
SOURCE:
    rendered site page(s) to process:
        single page: "[path_to_file]page.html", its site pathname is taken from --pathname or the file name
        site root directory: "[path_to_directory]public" - every page under it, symbolic links are not followed
        page in archive: "[path_to_archive]site.zip[path_in_archive]/page.html"
        site root in archive: "[path_to_archive]site.zip[path_in_archive]" - every page under archive path

    Pages are .html, .htm and .xhtml files, index pages stand for their
    directory. Pages under path identifier are rewritten to AMP, other
    eligible pages get "amphtml" link, the rest is kept as is. Archives
    inside archives are not looked into.

DESTINATION:
    directory to write pages to, current working directory if absent
`

const dumpconfigHelp = `
DESTINATION:
    file to write configuration to, STDOUT if absent

Without --default effective configuration is written: embedded defaults
merged with configuration file given by --config.
`

// setup loads configuration and prepares logging and debug report. It runs
// after command line is parsed and before any command.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if cmd.NArg() == 0 {
		return ctx, nil
	}

	var (
		env        = state.EnvFromContext(ctx)
		configFile = cmd.String("config")
		err        error
	)

	if env.Cfg, err = config.LoadConfiguration(configFile); err != nil {
		return ctx, fmt.Errorf("unable to prepare configuration: %w", err)
	}
	if cmd.Bool("debug") {
		if env.Rpt, err = env.Cfg.Reporting.Prepare(); err != nil {
			return ctx, fmt.Errorf("unable to prepare debug reporter: %w", err)
		}
		keepConfiguration(env, configFile)
	}
	if env.Log, err = env.Cfg.Logging.Prepare(env.Rpt); err != nil {
		return ctx, fmt.Errorf("unable to prepare logs: %w", err)
	}
	env.RedirectStdLog()

	env.Log.Debug("Program started",
		zap.Strings("args", os.Args), zap.String("ver", misc.GetVersion()), zap.String("runtime", runtime.Version()),
		zap.String("hash", misc.GetGitHash()), zap.Stringer("run", env.RunID))
	switch {
	case env.Rpt != nil:
		env.Log.Info("Creating debug report", zap.String("location", env.Rpt.Name()))
	case configFile == "":
		env.Log.Info("Using defaults (no configuration file)")
	}
	return ctx, nil
}

// keepConfiguration puts effective configuration into debug report.
func keepConfiguration(env *state.LocalEnv, configFile string) {
	name := "config/default.yaml"
	if configFile != "" {
		name = "config/" + filepath.Base(configFile)
	}
	if data, err := config.Dump(env.Cfg); err == nil {
		env.Rpt.StoreData(name, data)
	}
}

// teardown flushes logs and writes debug report. Log is closed here, so
// problems are returned instead.
func teardown(ctx context.Context, cmd *cli.Command) (err error) {
	env := state.EnvFromContext(ctx)

	if env.Log != nil {
		env.Log.Debug("Program ended", zap.Duration("elapsed", env.Uptime()), zap.Strings("parsed args", cmd.Args().Slice()))
	}
	env.RestoreStdLog()

	if er := env.Rpt.Close(); er != nil {
		err = multierr.Append(err, fmt.Errorf("unable to close debug report: %w", er))
	}
	if env.Cfg != nil && env.Cfg.Logging.FileLogger.Destination != "" {
		err = multierr.Append(err, dropEmptyPanicLog(env.Cfg.Logging.FileLogger.Destination))
	}
	return err
}

func dropEmptyPanicLog(logName string) error {
	debug.SetCrashOutput(nil, debug.CrashOptions{})
	name := config.PanicLogName(logName)
	if fi, err := os.Stat(name); err != nil || fi.Size() != 0 {
		return nil
	}
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("unable to remove empty panic log file '%s': %w", name, err)
	}
	return nil
}

// Commands return plain errors. When log is available the error is logged
// there and not repeated on stderr.
var errLogged bool

func logError(ctx context.Context, _ *cli.Command, err error) {
	if log := state.EnvFromContext(ctx).Log; log != nil {
		log.Error("Program ended with error", zap.Error(err))
		errLogged = true
	}
}

func passUsageError(_ context.Context, _ *cli.Command, err error, _ bool) error {
	return err
}

func unknownCommand(ctx context.Context, _ *cli.Command, name string) {
	if log := state.EnvFromContext(ctx).Log; log != nil {
		log.Warn("Unknown command, nothing to do", zap.String("command", name))
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:            misc.GetAppName(),
		Usage:           "converts rendered site pages to AMP",
		Version:         misc.GetVersion() + " (" + runtime.Version() + ") : " + misc.GetGitHash(),
		HideHelpCommand: true,
		Before:          setup,
		After:           teardown,
		OnUsageError:    passUsageError,
		ExitErrHandler:  logError,
		CommandNotFound: unknownCommand,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, DefaultText: "", Usage: "load configuration from `FILE` (YAML)"},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "log everything and collect pages, outlines and image sizes into report archive"},
		},
		Commands: []*cli.Command{
			{
				Name:         "convert",
				Usage:        "Produces AMP versions of site pages and links regular pages to them",
				OnUsageError: passUsageError,
				Action:       convert.Run,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "pathname",
						Usage: "site `PATHNAME` of a single page, derived from file name when absent"},
					&cli.BoolFlag{Name: "nodirs", Aliases: []string{"nd"}, Usage: "write all pages into destination directory, naming them after their pathnames"},
					&cli.BoolFlag{Name: "overwrite", Aliases: []string{"ow"}, Usage: "replace pages already present in destination"},
					&cli.StringFlag{Name: "force-zip-cp",
						Usage: "treat non UTF-8 file names in archives as `ENCODING` (IANA character set name)"},
				},
				ArgsUsage:          "SOURCE [DESTINATION]",
				CustomHelpTemplate: cli.CommandHelpTemplate + convertHelp,
			},
			{
				Name:  "dumpconfig",
				Usage: "Writes default or effective configuration (YAML)",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "default", Usage: "write embedded defaults"},
				},
				OnUsageError:       passUsageError,
				Action:             dumpConfiguration,
				ArgsUsage:          "[DESTINATION]",
				CustomHelpTemplate: cli.CommandHelpTemplate + dumpconfigHelp,
			},
		},
	}
}

func main() {
	// interrupt cancels context, pending image resolutions give up
	ctx, stop := signal.NotifyContext(state.ContextWithEnv(context.Background()), os.Interrupt, syscall.SIGTERM)

	err := newApp().Run(ctx, os.Args)
	stop()
	if err != nil {
		if !errLogged {
			fmt.Fprintf(os.Stderr, "Program ended with error: %v\n", err)
		}
		os.Exit(1)
	}
}

func dumpConfiguration(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)
	if cmd.Args().Len() > 1 {
		env.Log.Warn("Malformed command line, too many destinations", zap.Strings("ignoring", cmd.Args().Slice()[1:]))
	}

	kind, dump := "actual", func() ([]byte, error) { return config.Dump(env.Cfg) }
	if cmd.Bool("default") {
		kind, dump = "default", config.Prepare
	}
	data, err := dump()
	if err != nil {
		return fmt.Errorf("unable to get configuration: %w", err)
	}

	name := cmd.Args().Get(0)
	if name == "" {
		env.Log.Info("Writing configuration", zap.String("state", kind), zap.String("file", "STDOUT"))
		_, err = os.Stdout.Write(data)
	} else {
		env.Log.Info("Writing configuration", zap.String("state", kind), zap.String("file", name))
		err = os.WriteFile(name, data, 0644)
	}
	if err != nil {
		return fmt.Errorf("unable to write configuration: %w", err)
	}
	return nil
}
