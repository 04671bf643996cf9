package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	logx "wadispatch/pkg/logx"
)

// ConfigManager owns the current config and fans reloaded versions out to
// subscribers.
type ConfigManager struct {
	path string

	mu   sync.RWMutex
	cfg  *Config
	sum  [blake2b.Size256]byte
	log  logx.Logger
	vfn  func(ctx context.Context, cfg *Config) error
	subs map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetValidator installs a hook that a reloaded config must pass before it
// is committed. Load and LoadOrDefault do not run it.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.vfn = fn
	m.mu.Unlock()
}

// Parse decodes the file over Defaults(), so omitted keys keep their
// default values, then applies env overrides and Validate. Unknown keys
// and trailing documents are errors in every format.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	doc, format, err := toJSON(m.path, raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", m.path, err)
	}

	cfg := Defaults()
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s config %s: %w", format, m.path, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s config %s: unexpected data after the document", format, m.path)
	}

	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Defaults()
// with env overrides. found reports whether the file existed.
func (m *ConfigManager) LoadOrDefault() (cfg *Config, found bool, err error) {
	cfg, err = m.Load()
	switch {
	case err == nil:
		return cfg, true, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, err
	}
	cfg = Defaults()
	ApplyEnv(cfg)
	m.Commit(cfg)
	return cfg, false, nil
}

// Commit makes cfg current without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	sum := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives each accepted reload. A full
// channel keeps only the newest config.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publishLocked runs under m.mu so Unsubscribe cannot close a channel mid-send.
func (m *ConfigManager) publishLocked(cfg *Config) {
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
					continue
				default:
				}
			}
			break
		}
	}
}

// reload re-reads the file and, if it parses, passes the validator and
// differs from the current config, commits and publishes it.
func (m *ConfigManager) reload(ctx context.Context) {
	m.mu.RLock()
	log, vfn, cur := m.log, m.vfn, m.sum
	m.mu.RUnlock()

	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config reload skipped: parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	sum := fingerprint(cfg)
	if sum == cur {
		log.Debug("config reload skipped: unchanged", logx.String("path", m.path))
		return
	}
	if vfn != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = vfn(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.publishLocked(cfg)
	m.mu.Unlock()
	log.Debug("config change accepted", logx.String("path", m.path), logx.String("sum", fmt.Sprintf("%x", sum[:6])))
}

func fingerprint(cfg *Config) [blake2b.Size256]byte {
	b, err := json.Marshal(cfg)
	if err != nil || cfg == nil {
		return [blake2b.Size256]byte{}
	}
	return blake2b.Sum256(b)
}
