package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logTimestampFormat = "2006-01-02 15:04:05"

// InitLogger 初始化全局 logrus 日志
func InitLogger(cfg *Config) error {
	return ConfigureLogger(logrus.StandardLogger(), cfg.Log)
}

// ConfigureLogger applies level, format and output settings to logger.
func ConfigureLogger(logger *logrus.Logger, lc LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		logger.Warnf("Invalid log level '%s', using 'info'", lc.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(lc.Format) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: logTimestampFormat,
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: logTimestampFormat,
		})
	}

	switch strings.ToLower(lc.Output) {
	case "file":
		w, err := rotatingWriter(lc)
		if err != nil {
			return err
		}
		logger.SetOutput(w)
	case "both":
		w, err := rotatingWriter(lc)
		if err != nil {
			return err
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, w))
	default:
		logger.SetOutput(os.Stdout)
	}

	logger.Infof("Logger initialized - Level: %s, Format: %s, Output: %s", lc.Level, lc.Format, lc.Output)
	return nil
}

// rotatingWriter 创建按大小轮转的日志文件
func rotatingWriter(lc LogConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(lc.FilePath), 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   lc.FilePath,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
		LocalTime:  true,
	}, nil
}
