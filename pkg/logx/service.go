package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Ops     OpsConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// OpsConfig controls the ops-chat sink. ChatID 0 disables delivery.
type OpsConfig struct {
	Enabled    bool
	ChatID     int64
	MinLevel   string
	RatePerSec int
}

// Sender delivers a plain-text log line to an ops chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Service owns the live zerolog root and its sinks.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file fileSink

	sender   Sender
	opsQueue chan opsItem
	opsOnce  sync.Once
	opsStop  context.CancelFunc
	opsWG    sync.WaitGroup

	// guarded by mu
	chatID   int64
	limiter  *rate.Limiter
	minLevel zerolog.Level

	dropped atomic.Uint64
}

type opsItem struct {
	chatID int64
	msg    string
}

// New creates the logging service, applies cfg immediately and returns the root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		cfg:      cfg,
		opsQueue: make(chan opsItem, 256),
	}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender installs (or clears) the ops-chat delivery backend.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Dropped returns how many ops-chat lines were discarded because the queue was full.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file.swap(nil)
	stop := s.opsStop
	s.opsStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.opsWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps logger outputs/levels at runtime. Safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.chatID = cfg.Ops.ChatID
	s.minLevel = ParseLevel(cfg.Ops.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Ops.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	var file *os.File
	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./botfleet.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: failed opening log file %q: %v\n", path, err)
		} else {
			file = f
			writers = append(writers, &s.file)
		}
	}
	if cfg.Ops.Enabled {
		s.opsOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.opsStop = cancel
			s.opsWG.Add(1)
			go func() {
				defer s.opsWG.Done()
				s.opsWorker(ctx)
			}()
		})
		writers = append(writers, &opsWriter{svc: s})
		if s.chatID == 0 {
			fmt.Fprintln(Stderr(), "logx: ops logging enabled but logging.ops.chat_id is not set")
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(zl)

	// Older roots share the sink, so in-flight writes follow the swap.
	if old := s.file.swap(file); old != nil {
		_ = old.Close()
	}
}

// fileSink is the file output shared by every root Apply builds. Swapping
// the file under mu keeps writes off a closed descriptor.
type fileSink struct {
	mu sync.Mutex
	f  *os.File
}

func (w *fileSink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return len(p), nil
	}
	return w.f.Write(p)
}

func (w *fileSink) swap(f *os.File) *os.File {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.f
	w.f = f
	return old
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func (s *Service) opsWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.opsQueue:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			_ = sender.SendText(ctx, it.chatID, it.msg)
		}
	}
}

// Stdout returns the configured stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the configured stderr sink.
func Stderr() io.Writer { return os.Stderr }
