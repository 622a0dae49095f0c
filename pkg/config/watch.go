package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceDelay coalesces the burst of write events editors and atomic
// renames produce into one reload.
const debounceDelay = 200 * time.Millisecond

// Watcher reloads a policy file when it changes on disk and hands each
// valid new policy to a callback. A file that disappears or fails to
// parse is logged and the previous policy stays in effect.
type Watcher struct {
	path     string
	onChange func(Policy)
	log      zerolog.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}

	mu    sync.Mutex
	timer *time.Timer

	closeOnce sync.Once
}

// Watch starts watching path. The callback runs on the watcher's
// goroutine, after debouncing, with the freshly loaded policy. The
// parent directory is watched rather than the file itself so atomic
// save-and-rename updates are seen.
func Watch(path string, log zerolog.Logger, onChange func(Policy)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     abs,
		onChange: onChange,
		log:      log.With().Str("component", "config.watcher").Logger(),
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

// scheduleReload resets the debounce timer so only the last event of a
// burst triggers a reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	policy, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("policy reload failed, keeping previous")
		return
	}
	w.log.Info().Str("path", w.path).Msg("policy reloaded")
	w.onChange(policy)
}

// Close stops watching. Pending debounced reloads are cancelled. Close
// is idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.fsw.Close()
		<-w.done
	})
	return err
}
