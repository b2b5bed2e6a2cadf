package cli

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/evflow/evflow/config"
	"github.com/evflow/evflow/logging"
	"github.com/evflow/evflow/mainloop"
)

const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 5
)

// RunAction runs the configured pipelines until SIGINT or SIGTERM.
func RunAction(c *cli.Context) (err error) {
	path := c.String(configFlag)
	tree := config.NewTree()
	if err := tree.LoadFile(path); err != nil {
		return err
	}
	if err := applyDefaults(tree); err != nil {
		return err
	}

	logger, closeLogger, err := newLogger(tree, c.Bool(debugFlag), c.App.Writer)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, closeLogger())
	}()
	logging.ReplaceGlobal(logger)
	overrides, err := levelOverrides(c.StringSlice(levelFlag))
	if err != nil {
		return err
	}
	logging.SetLevelOverrides(overrides)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(ctx, tree, path, config.DefaultWatchDebounce, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, watcher.Close())
	}()

	logger.Infow("starting", "config", path, "pipelines", pipelineIDs(tree))
	return mainloop.NewScheduler(tree, logger).Run(ctx, definitions(tree)...)
}

// newLogger builds the process logger from the "/logger/" node: its level and, if set, a
// rotated log file written next to the console output.
func newLogger(tree *config.Tree, debug bool, console io.Writer) (logging.Logger, func() error, error) {
	node := tree.Node(loggerPath)
	logger := logging.NewBlankLogger("evflow")
	logger.SetLevel(logging.INFO)
	logger.AddAppender(logging.NewWriterAppender(console))
	if levelStr := node.GetString(logLevelKey); levelStr != "" {
		level, err := logging.LevelFromString(levelStr)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s%s", loggerPath, logLevelKey)
		}
		logger.SetLevel(level)
	}
	if debug {
		logger.SetLevel(logging.DEBUG)
	} else {
		node.AddAttributeListener(logger, func(_ *config.Node, ev config.AttributeEvent, key string, typ config.AttributeType, value interface{}) {
			if key != logLevelKey || ev == config.AttributeRemoved || typ != config.StringType {
				return
			}
			level, err := logging.LevelFromString(value.(string))
			if err != nil {
				logger.Warnw("ignoring log level", "error", err)
				return
			}
			logger.SetLevel(level)
		})
	}

	logFile := node.GetString(logFileKey)
	if logFile == "" {
		return logger, logger.Sync, nil
	}
	appender, err := logging.NewFileAppender(logFile, logFileMaxSizeMB, logFileMaxBackups)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening log file")
	}
	logger.AddAppender(appender)
	return logger, appender.Close, nil
}

func levelOverrides(flags []string) ([]logging.LevelOverride, error) {
	overrides := make([]logging.LevelOverride, 0, len(flags))
	for _, f := range flags {
		o, err := logging.ParseLevelOverride(f)
		if err != nil {
			return nil, errors.Wrap(err, "--"+levelFlag)
		}
		overrides = append(overrides, o)
	}
	return overrides, nil
}
