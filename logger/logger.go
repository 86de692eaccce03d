// Package logger builds zap cores from declarative configuration so a
// session's log destination, level, and file handling can be chosen at
// startup.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Path string `yaml:"path"`
	// If Path is a file, Mode determines how the log file is managed.
	// FileModeAppend is the default if the value is undefined.
	Mode  FileMode      `yaml:"mode,omitempty"`
	Name  string        `yaml:"name,omitempty"`
	Level zapcore.Level `yaml:"level"`
}

// UnmarshalYAML decodes the level by name ("debug", "info", ...) since
// zapcore.Level only speaks encoding.TextUnmarshaler, which the yaml
// package does not consult.
func (c *Config) UnmarshalYAML(unmarshal func(any) error) error {
	var raw struct {
		Path  string   `yaml:"path"`
		Mode  FileMode `yaml:"mode,omitempty"`
		Name  string   `yaml:"name,omitempty"`
		Level string   `yaml:"level"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	c.Path, c.Mode, c.Name = raw.Path, raw.Mode, raw.Name
	if raw.Level != "" {
		level, err := zapcore.ParseLevel(raw.Level)
		if err != nil {
			return err
		}
		c.Level = level
	}
	return nil
}

// New builds a logger from conf.  An empty path logs to stderr.
func New(conf Config) (*zap.Logger, error) {
	core, err := NewCore(conf)
	if err != nil {
		return nil, err
	}
	return zap.New(core, zap.AddStacktrace(zapcore.WarnLevel)), nil
}

func NewCore(conf Config) (zapcore.Core, error) {
	if conf.Path == "" {
		conf.Path = "stderr"
	}
	w, err := OpenFile(conf.Path, conf.Mode)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(jsonEncoder(), w, conf.Level)
	if conf.Name != "" {
		core = newNameFilterCore(core, conf.Name)
	}
	return core, nil
}

func jsonEncoder() zapcore.Encoder {
	conf := zap.NewProductionEncoderConfig()
	conf.CallerKey = ""
	return zapcore.NewJSONEncoder(conf)
}
