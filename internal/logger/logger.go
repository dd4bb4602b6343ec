package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 键值对风格的日志接口
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	// Err 记录错误日志，err 作为 error 字段输出
	Err(err error, msg string, kv ...any)
	// With 返回携带固定字段的子日志器
	With(kv ...any) Logger
}

// Options 日志初始化选项
type Options struct {
	Level   string   // debug/info/warn/error
	Writer  []string // console、file
	File    string   // 文件输出路径
	MaxSize int      // 单个日志文件大小上限（MB）
}

type zeroLogger struct {
	z zerolog.Logger
}

// New 基于 zerolog 创建日志器
func New(opts Options) Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	for _, w := range opts.Writer {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
		case "file":
			file := opts.File
			if file == "" {
				file = "logs/cdpfluent.log"
			}
			maxSize := opts.MaxSize
			if maxSize <= 0 {
				maxSize = 20
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    maxSize,
				MaxBackups: 5,
				MaxAge:     7,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}

	z := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zeroLogger{z: z}
}

// NewWithWriter 输出到指定 writer 的 JSON 日志器，测试时使用
func NewWithWriter(w io.Writer, level string) Logger {
	lv, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lv = zerolog.DebugLevel
	}
	return &zeroLogger{z: zerolog.New(w).Level(lv)}
}

// NewNop 创建不输出任何内容的日志器
func NewNop() Logger {
	return &zeroLogger{z: zerolog.Nop()}
}

func (l *zeroLogger) Debug(msg string, kv ...any) { l.z.Debug().Fields(kv).Msg(msg) }

func (l *zeroLogger) Info(msg string, kv ...any) { l.z.Info().Fields(kv).Msg(msg) }

func (l *zeroLogger) Warn(msg string, kv ...any) { l.z.Warn().Fields(kv).Msg(msg) }

func (l *zeroLogger) Error(msg string, kv ...any) { l.z.Error().Fields(kv).Msg(msg) }

func (l *zeroLogger) Err(err error, msg string, kv ...any) {
	l.z.Error().Err(err).Fields(kv).Msg(msg)
}

func (l *zeroLogger) With(kv ...any) Logger {
	return &zeroLogger{z: l.z.With().Fields(kv).Logger()}
}
