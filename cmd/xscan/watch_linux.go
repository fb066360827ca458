// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"os"
	"time"

	"github.com/maruel/interrupt"
	fsnotify "gopkg.in/fsnotify.v1"
)

// watchFiles returns once the executable or one of the extra files is
// modified, so the process can be restarted by its supervisor.
func watchFiles(extra ...string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	files := append([]string{exe}, extra...)
	mods := make(map[string]time.Time, len(files))
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return err
		}
		mods[f] = fi.ModTime()
		if err = watcher.Add(f); err != nil {
			return err
		}
	}
	for {
		select {
		case <-interrupt.Channel:
			return nil
		case err = <-watcher.Errors:
			return err
		case e := <-watcher.Events:
			mod0, ok := mods[e.Name]
			if !ok {
				continue
			}
			if fi, err := os.Stat(e.Name); err != nil || !fi.ModTime().Equal(mod0) {
				return err
			}
		}
	}
}
