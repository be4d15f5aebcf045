// Copyright 2025-2026 Beike Language and Intelligence (BLI).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prompts holds the named prompt templates. Defaults are embedded;
// setting PROMPT_DIR overlays same-named .md files from disk, and edits to
// those files take effect live so prompt iteration does not need restarts.
package prompts

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/blilab/agentsynth/pkg/logger"
)

//go:embed templates/*.md
var builtin embed.FS

// Store resolves template names to text, disk overrides first.
type Store struct {
	mu    sync.RWMutex
	dir   string
	cache map[string]string

	watcher *fsnotify.Watcher
}

// NewStore builds a store overlaying dir; empty dir means embedded
// templates only. PROMPT_DIR is consulted when dir is empty.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = os.Getenv("PROMPT_DIR")
	}
	s := &Store{dir: dir, cache: make(map[string]string)}
	if dir == "" {
		return s, nil
	}

	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("prompt dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("prompt watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("prompt watcher: %w", err)
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *Store) watch() {
	log := logger.GetLogger()
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(event.Name), ".md")
			s.mu.Lock()
			delete(s.cache, name)
			s.mu.Unlock()
			log.Debug("prompt template invalidated", "name", name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("prompt watcher error", "error", err)
		}
	}
}

// Close stops the override watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Get returns the raw template text for name.
func (s *Store) Get(name string) (string, error) {
	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	text, err := s.load(name)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.cache[name] = text
	s.mu.Unlock()
	return text, nil
}

func (s *Store) load(name string) (string, error) {
	if s.dir != "" {
		data, err := os.ReadFile(filepath.Join(s.dir, name+".md"))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("prompt %q: %w", name, err)
		}
	}
	data, err := builtin.ReadFile("templates/" + name + ".md")
	if err != nil {
		return "", fmt.Errorf("prompt %q not found", name)
	}
	return string(data), nil
}

// Render substitutes {KEY} placeholders in the named template. Unreferenced
// vars are ignored; placeholders with no var stay verbatim so a missing
// binding is visible in the outgoing prompt.
func (s *Store) Render(name string, vars map[string]string) (string, error) {
	text, err := s.Get(name)
	if err != nil {
		return "", err
	}
	for key, value := range vars {
		text = strings.ReplaceAll(text, "{"+key+"}", value)
	}
	return text, nil
}

var (
	defaultStore *Store
	defaultOnce  sync.Once
)

// Default returns the process-wide store (PROMPT_DIR overlay if set).
func Default() *Store {
	defaultOnce.Do(func() {
		s, err := NewStore("")
		if err != nil {
			logger.GetLogger().Warn("prompt dir unusable, using embedded templates", "error", err)
			s = &Store{cache: make(map[string]string)}
		}
		defaultStore = s
	})
	return defaultStore
}

// Render renders from the default store.
func Render(name string, vars map[string]string) (string, error) {
	return Default().Render(name, vars)
}

// MustRender is Render for templates known at compile time; it panics only
// on a missing embedded template, which is a build defect.
func MustRender(name string, vars map[string]string) string {
	text, err := Render(name, vars)
	if err != nil {
		panic(err)
	}
	return text
}
