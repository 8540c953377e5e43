package device

import (
	"fmt"
	"strconv"

	"github.com/climon-dev/climon/internal/storage"
)

// Settings store coordinates for the persisted operating mode.
const (
	modeNamespace = "mode_config"
	modeKey       = "device_mode"
)

// LoadMode reads the persisted operating mode. ok is false when no
// mode has been saved yet; callers fall back to the boot default.
func LoadMode(kv *storage.Store) (mode Mode, ok bool, err error) {
	raw, err := kv.Get(modeNamespace, modeKey)
	if err != nil {
		return ModeOff, false, err
	}
	if raw == "" {
		return ModeOff, false, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return ModeOff, false, fmt.Errorf("corrupt persisted mode %q: %w", raw, err)
	}
	m, err := ParseMode(v)
	if err != nil {
		return ModeOff, false, err
	}
	return m, true, nil
}

// SaveMode persists the operating mode so it survives reboots.
func SaveMode(kv *storage.Store, m Mode) error {
	return kv.Set(modeNamespace, modeKey, strconv.Itoa(int(m)))
}
