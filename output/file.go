package output

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/evflow/evflow/module"
)

// File output configuration keys.
const (
	DirectoryKey = "directory"
	PrefixKey    = "prefix"
)

// DefaultFilePrefix is the default prefix of output file names.
const DefaultFilePrefix = "evflow"

// FileExtension is the extension of files written by FileOutput.
const FileExtension = ".aedat"

// FileOutput writes the stream to a new file named after the prefix and the start time.
type FileOutput struct {
	Common

	Path string
}

// FileConfig is the configuration of a FileOutput.
type FileConfig struct {
	Directory string `json:"directory"`
	Prefix    string `json:"prefix"`
}

// Init creates the output file.
func (f *FileOutput) Init(inst *module.Instance) error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	if err := inst.Node.PutStringIfAbsent(DirectoryKey, home); err != nil {
		inst.Logger.Warnw("keeping existing directory setting", "error", err)
	}
	if err := inst.Node.PutStringIfAbsent(PrefixKey, DefaultFilePrefix); err != nil {
		inst.Logger.Warnw("keeping existing prefix setting", "error", err)
	}

	var cfg FileConfig
	if err := inst.Node.Decode(&cfg); err != nil {
		return errors.Wrap(err, "reading file output configuration")
	}
	file, err := createUnique(filepath.Join(cfg.Directory, FileName(cfg.Prefix, time.Now())))
	if err != nil {
		return errors.Wrap(err, "creating output file")
	}
	f.Path = file.Name()
	inst.Logger.Infow("writing to file", "path", f.Path)
	return f.Start(inst, NewStreamSink(file))
}

// FileName returns the name of a file started at t.
func FileName(prefix string, t time.Time) string {
	return prefix + "-" + t.Format("2006_01_02_15_04_05") + FileExtension
}

// createUnique creates path, or path with a counter before the extension if it already exists.
func createUnique(path string) (*os.File, error) {
	base := strings.TrimSuffix(path, FileExtension)
	for i := 0; ; i++ {
		candidate := path
		if i > 0 {
			candidate = base + "-" + strconv.Itoa(i) + FileExtension
		}
		file, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil || !errors.Is(err, fs.ErrExist) || i >= 100 {
			return file, err
		}
	}
}
