// internal/logger/logger.go
// Component-scoped structured logging on top of zerolog, with optional rotated file output.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls where and how log lines are written.
type LogConfig struct {
	Level      string `json:"level"` // debug, info, warn, error, fatal
	LogToFile  bool   `json:"log_to_file"`
	LogToJSON  bool   `json:"log_to_json"`
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"`    // megabytes
	MaxBackups int    `json:"max_backups"` // number of rotated files kept
	MaxAge     int    `json:"max_age"`     // days
	Compress   bool   `json:"compress"`
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		LogToFile:  false,
		LogToJSON:  true,
		FilePath:   "dispatch.log",
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

var levelColors = map[string]string{
	"DEBUG": "\033[36m",
	"INFO":  "\033[32m",
	"WARN":  "\033[33m",
	"ERROR": "\033[31m",
	"FATAL": "\033[35m",
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			"component",
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"component"},
		FormatLevel: func(i interface{}) string {
			level := strings.ToUpper(fmt.Sprintf("%s", i))
			color, ok := levelColors[level]
			if !ok {
				color = "\033[37m"
			}
			return color + "[ " + fmt.Sprintf("%-5s", level) + " ]\033[0m"
		},
		FormatTimestamp: func(i interface{}) string {
			return fmt.Sprintf("\033[90m%s\033[0m", i)
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("\033[34m%s\033[0m: ", i)
		},
		FormatErrFieldName: func(i interface{}) string {
			return fmt.Sprintf("\033[31m%s\033[0m: ", i)
		},
	}
}

// InitLogger configures the process-wide zerolog logger. Loggers created with
// NewLogger afterwards inherit its level and outputs.
func InitLogger(config LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	if config.LogToJSON {
		writers = append(writers, os.Stdout)
	} else {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if config.LogToFile && config.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
	}

	output := writers[0]
	if len(writers) > 1 {
		output = io.MultiWriter(writers...)
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

type Logger struct {
	logger zerolog.Logger
}

// NewLogger returns a logger tagged with the given component name.
func NewLogger(component string) *Logger {
	return &Logger{
		logger: log.With().Str("component", component).Logger(),
	}
}

// New wraps an arbitrary writer; used by tests that inspect log output.
func New(w io.Writer, component string) *Logger {
	return &Logger{
		logger: zerolog.New(w).With().Str("component", component).Logger(),
	}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		logger: l.logger.With().Interface(key, value).Logger(),
	}
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{
		logger: ctx.Logger(),
	}
}

func (l *Logger) Debug(msg string)                       { l.logger.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.logger.Debug().Msgf(format, v...) }
func (l *Logger) Info(msg string)                        { l.logger.Info().Msg(msg) }
func (l *Logger) Infof(format string, v ...interface{})  { l.logger.Info().Msgf(format, v...) }
func (l *Logger) Warn(msg string)                        { l.logger.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.logger.Warn().Msgf(format, v...) }
func (l *Logger) Error(msg string)                       { l.logger.Error().Msg(msg) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.logger.Error().Msgf(format, v...) }
func (l *Logger) Fatal(msg string)                       { l.logger.Fatal().Msg(msg) }
func (l *Logger) Fatalf(format string, v ...interface{}) { l.logger.Fatal().Msgf(format, v...) }
