package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "autoelect/internal/transport"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Remote  RemoteConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// RemoteConfig forwards records at or above MinLevel to the operator chat.
type RemoteConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./autoelect.log"

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Service owns the process sinks and can rebuild them on config reload.
type Service struct {
	mu     sync.Mutex
	file   *os.File
	remote *remoteSink

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger. sender may be nil, in
// which case remote forwarding stays off.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	s := &Service{}
	if sender != nil {
		s.remote = newRemoteSink(sender)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetRemoteTarget names the chat that receives forwarded records.
func (s *Service) SetRemoteTarget(to kit.ChatTarget) {
	if s.remote != nil {
		s.remote.setTarget(to)
	}
}

// Apply rebuilds the writer chain. Loggers already handed out switch over immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(stdout))
	}

	old := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			fmt.Fprintf(stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	if s.remote != nil {
		s.remote.configure(cfg.Remote)
		if cfg.Remote.Enabled {
			s.remote.start()
			sinks = append(sinks, s.remote)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if old != nil {
		_ = old.Close()
	}
}

// Close stops remote forwarding and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if s.remote != nil {
		s.remote.stop()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
