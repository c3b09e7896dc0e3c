// Package kfmt implements the kernel log. Output produced before an output
// sink is attached is captured in a ring buffer and replayed into the sink
// once SetOutputSink is called.
package kfmt

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/gmelodie/cruzos/kernel/sync"
	"github.com/sirupsen/logrus"
)

var (
	// earlyPrintBuffer is a ring buffer that stores log output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where the log sends its output. If set to
	// nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// sinkLock guards outputSink and earlyPrintBuffer.
	sinkLock sync.Spinlock

	logger = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(sinkWriter{})
	l.SetFormatter(moduleFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// sinkWriter forwards writes to the active output sink.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

// moduleFormatter renders entries as "[module] message key=value ...".
type moduleFormatter struct{}

// Format implements logrus.Formatter.
func (moduleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer

	if module, ok := entry.Data["module"]; ok {
		fmt.Fprintf(&buf, "[%v] ", module)
	}
	buf.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		if key != "module" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&buf, " %s=%v", key, entry.Data[key])
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// SetOutputSink sets the default target for the kernel log to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently attached output sink or nil if output
// is still being buffered.
func GetOutputSink() io.Writer {
	sinkLock.Acquire()
	defer sinkLock.Release()
	return outputSink
}

// SetLevel sets the minimum level of entries emitted by module loggers.
func SetLevel(level logrus.Level) {
	logger.SetLevel(level)
}

// ParseLevel converts a level name (e.g. "debug") into a logrus.Level.
func ParseLevel(name string) (logrus.Level, error) {
	return logrus.ParseLevel(name)
}

// Logger returns a log entry tagged with the supplied module name.
func Logger(module string) *logrus.Entry {
	return logger.WithField("module", module)
}

// Printf writes unstructured output to the active sink regardless of the
// configured level. It is used for banners and memory map dumps.
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(sinkWriter{}, format, args...)
}

// Fprintf behaves like Printf but writes to w. If w is nil the output goes to
// the active sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = sinkWriter{}
	}
	fmt.Fprintf(w, format, args...)
}
