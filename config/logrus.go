package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a JSON logger writing to stdout and, when dir is set,
// to a daily file stock-engine-YYYY-MM-DD.log in dir.
func NewLogger(level, dir string) (*logrus.Logger, error) {
	logg := logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	logg.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logg.SetLevel(lvl)

	if dir == "" {
		return logg, nil
	}
	file, err := NewDailyFile(dir, time.Now)
	if err != nil {
		logg.WithError(err).Warn("failed to log to file, using stdout only")
		return logg, nil
	}
	logg.SetOutput(io.MultiWriter(os.Stdout, file))
	return logg, nil
}

// DailyFile appends to stock-engine-YYYY-MM-DD.log in its directory and
// switches to a new file on the first write of each day.
type DailyFile struct {
	mu   sync.Mutex
	dir  string
	now  func() time.Time
	day  string
	file *os.File
}

// NewDailyFile creates dir if needed and opens today's file.
func NewDailyFile(dir string, now func() time.Time) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f := &DailyFile{dir: dir, now: now}
	if err := f.open(now().Format(dayLayout)); err != nil {
		return nil, err
	}
	return f, nil
}

const dayLayout = "2006-01-02"

// LogFileName is the file a DailyFile writes on day.
func LogFileName(dir string, day time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("stock-engine-%s.log", day.Format(dayLayout)))
}

func (f *DailyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if day := f.now().Format(dayLayout); day != f.day {
		if err := f.open(day); err != nil {
			return 0, err
		}
	}
	return f.file.Write(p)
}

func (f *DailyFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func (f *DailyFile) open(day string) error {
	t, _ := time.Parse(dayLayout, day)
	file, err := os.OpenFile(LogFileName(f.dir, t), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if f.file != nil {
		f.file.Close()
	}
	f.file, f.day = file, day
	return nil
}

// LogError records a failure together with the payload that caused it, so
// the operation can be replayed by hand.
func LogError(logger logrus.FieldLogger, moduleName string, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
