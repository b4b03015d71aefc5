package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the re-decoded configuration every time the file
// changes on disk. Editors often emit several events per save; events closer
// than debounce apart are folded into one reload.
func (l *Loader) Watch(debounce time.Duration, fn func(*Config, error)) {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		fn(decode(l.v))
	}

	l.v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		if debounce <= 0 {
			reload()
			return
		}
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, reload)
		mu.Unlock()
	})
	l.v.WatchConfig()
}
