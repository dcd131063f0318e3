package config

import (
	"context"
	"os"
	"sync"
	"time"

	logx "autoelect/pkg/logx"
)

// Manager owns the config file. It parses strictly, keeps the last committed Config,
// and hands every accepted change to its subscribers.
type Manager struct {
	path     string
	debounce time.Duration

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error

	mu      sync.RWMutex
	current *Config
	hash    uint64

	smu  sync.Mutex
	subs map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		debounce: 250 * time.Millisecond,
		subs:     map[chan *Config]struct{}{},
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the check a reloaded file must pass before it is committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(m.path, data)
}

// Load parses and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.current, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe returns a channel that receives each committed reload. A slow subscriber
// only ever sees the newest config.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.smu.Lock()
	m.subs[ch] = struct{}{}
	m.smu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.smu.Lock()
	defer m.smu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) broadcast(cfg *Config) {
	m.smu.Lock()
	defer m.smu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// Full: discard the oldest pending config and try again.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload re-reads the file and publishes it when it parses, differs from the committed
// config and passes validation. Anything else keeps the previous config.
func (m *Manager) reload(ctx context.Context) bool {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed; keeping previous", logx.String("path", m.path), logx.Err(err))
		return false
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		return false
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}
	m.Commit(cfg)
	m.broadcast(cfg)
	m.log.Debug("config committed", logx.String("version", Version(cfg)))
	return true
}
