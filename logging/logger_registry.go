package logging

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// LevelOverride forces the level of every registered logger whose name matches Pattern. Names
// are configuration node paths, e.g. "/mainloop/1/3-Statistics/", and patterns use path.Match
// syntax, so "/mainloop/*/3-Statistics/" covers the statistics module of every pipeline.
type LevelOverride struct {
	Pattern string
	Level   Level
}

// ParseLevelOverride parses "PATTERN=LEVEL".
func ParseLevelOverride(s string) (LevelOverride, error) {
	pattern, levelStr, ok := strings.Cut(s, "=")
	if !ok || pattern == "" {
		return LevelOverride{}, errors.Errorf("expected PATTERN=LEVEL, got %q", s)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return LevelOverride{}, errors.Wrapf(err, "pattern %q", pattern)
	}
	level, err := LevelFromString(levelStr)
	if err != nil {
		return LevelOverride{}, err
	}
	return LevelOverride{Pattern: pattern, Level: level}, nil
}

func (o LevelOverride) matches(name string) bool {
	ok, err := path.Match(o.Pattern, name)
	return err == nil && ok
}

// Registry tracks named loggers so their levels can be changed while running.
type Registry struct {
	mu        sync.RWMutex
	loggers   map[string]Logger
	overrides []LevelOverride
}

var globalLoggerRegistry = NewRegistry()

// NewRegistry returns an empty logger registry.
func NewRegistry() *Registry {
	return &Registry{loggers: map[string]Logger{}}
}

// RegisterLogger adds logger under name and applies the last matching override, if any.
func (lr *Registry) RegisterLogger(name string, logger Logger) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.loggers[name] = logger
	if level, ok := overrideFor(lr.overrides, name); ok {
		logger.SetLevel(level)
	}
}

// DeregisterLogger removes the named logger and reports whether it was registered.
func (lr *Registry) DeregisterLogger(name string) bool {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	_, ok := lr.loggers[name]
	delete(lr.loggers, name)
	return ok
}

// LoggerNamed returns the logger registered under name.
func (lr *Registry) LoggerNamed(name string) (Logger, bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok := lr.loggers[name]
	return logger, ok
}

// UpdateLoggerLevel sets the level of one registered logger.
func (lr *Registry) UpdateLoggerLevel(name string, level Level) error {
	logger, ok := lr.LoggerNamed(name)
	if !ok {
		return errors.Errorf("no logger named %q", name)
	}
	logger.SetLevel(level)
	return nil
}

// SetOverrides replaces the active overrides and applies them to the registered loggers. Later
// overrides win over earlier ones. Loggers no override matches keep their level.
func (lr *Registry) SetOverrides(overrides []LevelOverride) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.overrides = append([]LevelOverride(nil), overrides...)
	for name, logger := range lr.loggers {
		if level, ok := overrideFor(lr.overrides, name); ok {
			logger.SetLevel(level)
		}
	}
}

// RegisteredLoggerNames returns the sorted names of the registered loggers.
func (lr *Registry) RegisteredLoggerNames() []string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	names := make([]string, 0, len(lr.loggers))
	for name := range lr.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func overrideFor(overrides []LevelOverride, name string) (Level, bool) {
	for i := len(overrides) - 1; i >= 0; i-- {
		if overrides[i].matches(name) {
			return overrides[i].Level, true
		}
	}
	return 0, false
}

// RegisterLogger registers logger in the global registry.
func RegisterLogger(name string, logger Logger) {
	globalLoggerRegistry.RegisterLogger(name, logger)
}

// DeregisterLogger removes a logger from the global registry.
func DeregisterLogger(name string) bool {
	return globalLoggerRegistry.DeregisterLogger(name)
}

// LoggerNamed looks a logger up in the global registry.
func LoggerNamed(name string) (Logger, bool) {
	return globalLoggerRegistry.LoggerNamed(name)
}

// UpdateLoggerLevel sets the level of a logger in the global registry.
func UpdateLoggerLevel(name string, level Level) error {
	return globalLoggerRegistry.UpdateLoggerLevel(name, level)
}

// SetLevelOverrides replaces the overrides of the global registry.
func SetLevelOverrides(overrides []LevelOverride) {
	globalLoggerRegistry.SetOverrides(overrides)
}
