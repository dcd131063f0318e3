package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "autoelect/pkg/logx"
)

const (
	rewatchMin = 250 * time.Millisecond
	rewatchMax = 5 * time.Second
)

// Watch follows the config file until ctx ends. Bursts of events (editors write a file
// several times per save) collapse into one reload after the debounce delay. The
// directory is watched, not the file, so atomic rename-over saves are seen.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	wait := rewatchMin
	for {
		err := m.watchOnce(ctx, dir, name)
		if ctx.Err() != nil {
			return nil
		}
		d := wait + rand.N(wait/2+1)
		wait = min(wait*2, rewatchMax)
		m.log.Warn("config watcher restarting", logx.String("dir", dir), logx.Err(err), logx.Duration("after", d))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends.
func (m *Manager) watchOnce(ctx context.Context, dir, name string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("watching config", logx.String("path", m.path))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			if filepath.Base(ev.Name) == name && !ev.Has(fsnotify.Chmod) {
				debounce.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error stream closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				debounce.Reset(m.debounce)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}
