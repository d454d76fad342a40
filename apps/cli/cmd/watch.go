package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	// WatchDebounceDelay is the debounce delay for file watch events
	WatchDebounceDelay = 300 * time.Millisecond
)

// watcher reruns tests when files matching any of its globs change.
type watcher struct {
	globs []string
	fw    *fsnotify.Watcher
	log   zerolog.Logger
	delay time.Duration
}

func newWatcher(globs []string, log zerolog.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &watcher{globs: globs, fw: fw, log: log, delay: WatchDebounceDelay}

	watched := make(map[string]bool)
	for _, g := range globs {
		root := globRoot(g)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() || watched[path] {
				return nil
			}
			if name := d.Name(); path != root && (name == ".git" || name == "node_modules") {
				return filepath.SkipDir
			}
			watched[path] = true
			return fw.Add(path)
		})
		if err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}
	return w, nil
}

// run calls onChange, debounced, until ctx is done.
func (w *watcher) run(ctx context.Context, onChange func(path string)) error {
	defer w.fw.Close()

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		changed string
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fw.Add(event.Name)
				}
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !w.matches(event.Name) {
				continue
			}
			changed = event.Name
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			onChange(changed)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *watcher) matches(path string) bool {
	for _, g := range w.globs {
		if matchGlob(g, path) {
			return true
		}
	}
	return false
}

// globRoot is the directory part of a glob before its first wildcard.
func globRoot(glob string) string {
	parts := strings.Split(filepath.ToSlash(glob), "/")
	var static []string
	for _, p := range parts[:len(parts)-1] {
		if strings.ContainsAny(p, "*?[") {
			break
		}
		static = append(static, p)
	}
	if len(static) == 0 {
		return "."
	}
	root := strings.Join(static, "/")
	if root == "" {
		return "/"
	}
	return filepath.FromSlash(root)
}

// matchGlob is filepath.Match with "**" matching any number of directories.
func matchGlob(glob, path string) bool {
	g := strings.Split(filepath.ToSlash(filepath.Clean(glob)), "/")
	p := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	return matchSegments(g, p)
}

func matchSegments(g, p []string) bool {
	for len(g) > 0 {
		if g[0] == "**" {
			for i := 0; i <= len(p); i++ {
				if matchSegments(g[1:], p[i:]) {
					return true
				}
			}
			return false
		}
		if len(p) == 0 {
			return false
		}
		if ok, err := filepath.Match(g[0], p[0]); err != nil || !ok {
			return false
		}
		g, p = g[1:], p[1:]
	}
	return len(p) == 0
}
