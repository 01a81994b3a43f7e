package logging

import (
	"fmt"
	"io"
	"os"
)

// EarlyLog prints to stderr before the structured logger exists, that is
// while flags and configuration are still being read.
type EarlyLog struct {
	service string
	out     io.Writer
	exit    func(int)
}

func NewEarlyLog(service string) *EarlyLog {
	return &EarlyLog{service: service, out: os.Stderr, exit: os.Exit}
}

func (l *EarlyLog) write(level, msg string, args ...interface{}) {
	fmt.Fprintf(l.out, "%s [%s] %s\n", level, l.service, fmt.Sprintf(msg, args...))
}

func (l *EarlyLog) Fatal(msg string, args ...interface{}) {
	l.write("FATAL", msg, args...)
	l.exit(1)
}

func (l *EarlyLog) Warn(msg string, args ...interface{}) {
	l.write("WARN", msg, args...)
}

func (l *EarlyLog) Info(msg string, args ...interface{}) {
	l.write("INFO", msg, args...)
}
