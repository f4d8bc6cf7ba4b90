package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView exposes the operator-controlled pause switches for native modules.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects module entry points while the module is administratively
// paused. A nil view or empty module name disables the check.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
