package main

import (
	"io"

	"github.com/Aglay/Escape/kernel/kfmt"
	"github.com/sirupsen/logrus"
)

// newLogger returns a logger that writes to w at the configured level.
func newLogger(cfg logConfig, w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// attachKernelLog routes the kernel log to logger at debug level, one entry
// per line. The returned function detaches it again.
func attachKernelLog(logger *logrus.Logger, enabled bool) func() {
	if !enabled {
		kfmt.SetOutputSink(io.Discard)
		return func() { kfmt.SetOutputSink(nil) }
	}

	w := logger.WriterLevel(logrus.DebugLevel)
	kfmt.SetOutputSink(w)

	return func() {
		kfmt.SetOutputSink(nil)
		_ = w.Close()
	}
}
