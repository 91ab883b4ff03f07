//go:build prod

package gotov8

import "errors"

// HotReload is unavailable in prod builds.
type HotReload struct{}

func (engine *Engine) initDevTools() error {
	return nil
}

// Watch is unavailable in prod builds.
func (engine *Engine) Watch(path string, fn func(label string)) error {
	return errors.New("script watching is not available in prod builds")
}

func (engine *Engine) stopHotReload() {}
