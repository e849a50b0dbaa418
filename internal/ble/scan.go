package ble

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	// DefaultScanDuration bounds every discovery session.
	DefaultScanDuration = 10 * time.Second
	// DefaultDeviceCacheSize caps how many distinct devices a session remembers.
	DefaultDeviceCacheSize = 256

	scanBuffer = 16
)

// ScanStream is the finite sequence of devices produced by one session.
type ScanStream struct {
	devices chan Device
	err     error
}

// Devices yields discovered devices, duplicates included, and is closed
// when the session ends.
func (s *ScanStream) Devices() <-chan Device { return s.devices }

// Err reports why the session ended. It is only meaningful once Devices is
// closed; nil means the duration elapsed or the scan was stopped.
func (s *ScanStream) Err() error { return s.err }

type scanSession struct {
	stop chan struct{}
	once sync.Once
}

func (s *scanSession) cancel() { s.once.Do(func() { close(s.stop) }) }

// Scanner runs one discovery session at a time and remembers the devices it
// saw so they can later be connected to by address.
type Scanner struct {
	driver   Driver
	duration time.Duration
	cache    *lru.Cache

	mu      sync.Mutex
	session *scanSession
}

func newScanner(driver Driver, duration time.Duration, cacheSize int) (*Scanner, error) {
	if duration <= 0 {
		duration = DefaultScanDuration
	}
	if cacheSize <= 0 {
		cacheSize = DefaultDeviceCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, wrapError(KindInternal, err)
	}
	return &Scanner{driver: driver, duration: duration, cache: cache}, nil
}

// DevicesNearby starts a discovery session. It fails with
// KindAlreadySearching while another session is running. The session ends
// after the scan duration, on Stop, when ctx is done or when the driver
// reports a failure.
func (s *Scanner) DevicesNearby(ctx context.Context, filter ScanFilter) (*ScanStream, error) {
	s.mu.Lock()
	if s.session != nil {
		s.mu.Unlock()
		slog.Error("[BLE] scan already in progress")
		return nil, NewError(KindAlreadySearching, "")
	}
	session := &scanSession{stop: make(chan struct{})}
	s.session = session
	s.cache.Purge()
	s.mu.Unlock()

	found := make(chan Device, scanBuffer)
	failed := make(chan error, 1)
	ended := make(chan struct{})

	onResult := func(d Device) {
		if !filter.Matches(d) {
			return
		}
		select {
		case <-ended:
			return
		default:
		}
		s.cache.Add(d.Address, d)
		select {
		case found <- d:
		case <-ended:
		}
	}
	onFailure := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	if err := s.driver.StartScan(filter, onResult, onFailure); err != nil {
		s.finish(session)
		slog.Error("[BLE] starting scan", "error", err)
		return nil, wrapError(KindCannotStartSearching, err)
	}
	slog.Info("[BLE] scan started", "duration", s.duration, "service", filter.Service, "name", filter.Name)

	stream := &ScanStream{devices: make(chan Device)}
	go func() {
		timer := time.NewTimer(s.duration)
		defer timer.Stop()
		defer func() {
			if err := s.driver.StopScan(); err != nil {
				slog.Warn("[BLE] stopping scan", "error", err)
			}
			close(ended)
			s.finish(session)
			close(stream.devices)
			slog.Info("[BLE] scan finished")
		}()

		for {
			select {
			case d := <-found:
				select {
				case stream.devices <- d:
					continue
				case <-timer.C:
				case <-session.stop:
				case <-ctx.Done():
				case err := <-failed:
					stream.err = wrapError(KindCannotStartSearching, err)
				}
				return
			case err := <-failed:
				stream.err = wrapError(KindCannotStartSearching, err)
				return
			case <-timer.C:
				return
			case <-session.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}

func (s *Scanner) finish(session *scanSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == session {
		s.session = nil
	}
}

// Stop ends the running session, if any.
func (s *Scanner) Stop() {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session != nil {
		session.cancel()
	}
}

// Searching reports whether a session is running.
func (s *Scanner) Searching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Lookup returns the device last seen with address.
func (s *Scanner) Lookup(address string) (Device, bool) {
	v, ok := s.cache.Get(address)
	if !ok {
		return Device{}, false
	}
	return v.(Device), true
}

// Detected returns every device remembered from the last session, oldest first.
func (s *Scanner) Detected() []Device {
	keys := s.cache.Keys()
	devices := make([]Device, 0, len(keys))
	for _, k := range keys {
		if v, ok := s.cache.Peek(k); ok {
			devices = append(devices, v.(Device))
		}
	}
	return devices
}

// Collect runs a session to completion and returns the distinct devices seen.
func (s *Scanner) Collect(ctx context.Context, filter ScanFilter) ([]Device, error) {
	stream, err := s.DevicesNearby(ctx, filter)
	if err != nil {
		return nil, err
	}
	for range stream.Devices() {
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return s.Detected(), nil
}
