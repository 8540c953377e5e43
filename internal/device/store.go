package device

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/climon-dev/climon/internal/actuators"
	"github.com/climon-dev/climon/internal/config"
)

// Store serializes access to the device state. The guard is a one-slot
// channel semaphore acquired with a timeout: any caller that cannot
// get the slot within the bound fails with ErrBusy rather than
// blocking a command handler or the publish loop forever.
//
// Hardware writes happen before the in-memory registry is updated, so
// the registry only ever reflects levels the controller accepted.
type Store struct {
	sem     chan struct{}
	timeout time.Duration
	ctrl    actuators.Controller
	names   []string // registry, fixed at construction

	intervalChanged atomic.Bool

	// Guarded by sem.
	mode     Mode
	interval int
	loads    map[string]bool
}

// NewStore creates the state store. The controller drives the actual
// loads; mode and intervalSec seed the in-memory state (callers load
// the persisted mode first). timeout bounds semaphore acquisition.
// names is the load registry; when empty it defaults to [LoadNames].
// Adding an actuator means registering one more name here, nothing in
// command handling changes.
func NewStore(ctrl actuators.Controller, mode Mode, intervalSec int, timeout time.Duration, names ...string) *Store {
	if len(names) == 0 {
		names = LoadNames()
	}
	loads := make(map[string]bool, len(names))
	for _, n := range names {
		loads[n] = false
	}
	return &Store{
		sem:      make(chan struct{}, 1),
		timeout:  timeout,
		ctrl:     ctrl,
		names:    append([]string(nil), names...),
		mode:     mode,
		interval: intervalSec,
		loads:    loads,
	}
}

// Names returns the registered load names in registration order. The
// registry does not change after construction, so this needs no lock.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Store) acquire() error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-time.After(s.timeout):
		return ErrBusy
	}
}

func (s *Store) release() {
	<-s.sem
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() (State, error) {
	if err := s.acquire(); err != nil {
		return State{}, err
	}
	defer s.release()

	loads := make(map[string]bool, len(s.loads))
	for n, v := range s.loads {
		loads[n] = v
	}
	return State{Mode: s.mode, IntervalSec: s.interval, Loads: loads}, nil
}

// SetDevice switches one load. The controller is driven first; the
// registry is only updated when the hardware accepted the level.
// Unknown names fail with ErrUnknownDevice and touch nothing.
func (s *Store) SetDevice(name string, on bool) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	if _, ok := s.loads[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	if err := s.ctrl.Set(name, on); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	s.loads[name] = on
	return nil
}

// SetDevices applies a batch of load changes. Every entry is attempted
// even when an earlier one fails; the combined error reports each
// failure. Loads absent from the map are left alone.
func (s *Store) SetDevices(changes map[string]bool) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	var errs []error
	for _, name := range s.names {
		on, ok := changes[name]
		if !ok {
			continue
		}
		if err := s.ctrl.Set(name, on); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", name, err))
			continue
		}
		s.loads[name] = on
	}
	for name := range changes {
		if _, ok := s.loads[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownDevice, name))
		}
	}
	return errors.Join(errs...)
}

// SetMode changes the operating mode.
func (s *Store) SetMode(m Mode) error {
	if _, err := ParseMode(int(m)); err != nil {
		return err
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	s.mode = m
	return nil
}

// SetInterval changes the reporting interval. Values outside the
// allowed range fail with ErrInvalidInterval and leave the current
// interval in place. On success the interval-changed flag is raised so
// the publish loop restarts its data timer immediately.
func (s *Store) SetInterval(sec int) error {
	if sec < config.MinIntervalSec || sec > config.MaxIntervalSec {
		return fmt.Errorf("%w: %d (must be %d-%d)",
			ErrInvalidInterval, sec, config.MinIntervalSec, config.MaxIntervalSec)
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	s.interval = sec
	s.intervalChanged.Store(true)
	return nil
}

// ConsumeIntervalChanged reports whether the interval changed since
// the last call, clearing the flag.
func (s *Store) ConsumeIntervalChanged() bool {
	return s.intervalChanged.Swap(false)
}

// SyncFromHardware overwrites the registry with the controller's
// actual levels. The publish loop calls this before a state backup so
// drift (a load toggled behind the store's back) shows up on the wire.
func (s *Store) SyncFromHardware() error {
	actual, err := s.ctrl.States()
	if err != nil {
		return fmt.Errorf("read hardware state: %w", err)
	}

	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	for name := range s.loads {
		if v, ok := actual[name]; ok {
			s.loads[name] = v
		}
	}
	return nil
}
