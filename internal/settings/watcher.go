package settings

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher reloads the settings file on change. fsnotify is the fast
// path; a slow mtime poll runs alongside it as a safety net for editors
// that replace the file and for filesystems without inotify.
func (m *Manager) StartWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[Settings] fsnotify unavailable (%v), polling only", err)
		watcher = nil
	} else if err := watcher.Add(m.path); err != nil {
		log.Printf("[Settings] cannot watch %s (%v), polling only", m.path, err)
		watcher.Close()
		watcher = nil
	}

	if watcher != nil {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// Editors write in bursts; let the file settle.
						time.Sleep(100 * time.Millisecond)
						if err := m.Reload(); err != nil {
							log.Printf("[Settings] reload failed: %v", err)
						} else {
							log.Printf("[Settings] reloaded %s", m.path)
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[Settings] watch error: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reloadIfChanged()
			}
		}
	}()
}

// reloadIfChanged compares mtime first so the poll loop does not spam
// reload logs every minute.
func (m *Manager) reloadIfChanged() {
	st, err := os.Stat(m.path)
	if err != nil {
		return
	}

	m.mu.RLock()
	changed := st.ModTime().After(m.mtime)
	m.mu.RUnlock()

	if !changed {
		return
	}
	if err := m.Reload(); err != nil {
		log.Printf("[Settings] reload failed: %v", err)
	} else {
		log.Printf("[Settings] reloaded %s", m.path)
	}
}
