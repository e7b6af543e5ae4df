package hal

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/linuxmatters/vpuenc/internal/media"
)

// Auto selects the first available backend for a coding
const Auto = "auto"

// ErrNoBackend is returned when no available backend serves a coding
var ErrNoBackend = errors.New("no hal backend available")

// BackendInfo describes a registered backend
type BackendInfo struct {
	Name        string
	Description string
	Codings     []media.CodingType
	Available   bool // whether the device probe succeeded
}

// backendEntry is one backend in the priority list
type backendEntry struct {
	name    string
	desc    string
	codings []media.CodingType
	probe   func() bool
	factory func() Backend
}

var (
	registryMu sync.RWMutex
	// backendPriority holds registered backends, most preferred first
	backendPriority []backendEntry
)

// Register appends a backend to the priority list. probe reports whether the
// device is usable on this machine; nil means always available.
func Register(name, desc string, codings []media.CodingType, probe func() bool, factory func() Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backendPriority = append(backendPriority, backendEntry{
		name:    name,
		desc:    desc,
		codings: codings,
		probe:   probe,
		factory: factory,
	})
}

// Detect probes every backend serving coding, in priority order
func Detect(coding media.CodingType) []BackendInfo {
	registryMu.RLock()
	specs := slices.Clone(backendPriority)
	registryMu.RUnlock()

	var backends []BackendInfo
	for _, s := range specs {
		if !slices.Contains(s.codings, coding) {
			continue
		}
		backends = append(backends, BackendInfo{
			Name:        s.name,
			Description: s.desc,
			Codings:     s.codings,
			Available:   s.probe == nil || s.probe(),
		})
	}
	return backends
}

// New creates and initialises a backend for cfg.Coding.
// Name Auto or "" picks the first available backend in priority order.
func New(name string, cfg *Config) (Backend, error) {
	if name == "" {
		name = Auto
	}

	registryMu.RLock()
	specs := slices.Clone(backendPriority)
	registryMu.RUnlock()

	for _, s := range specs {
		if !slices.Contains(s.codings, cfg.Coding) {
			continue
		}
		if name != Auto && s.name != name {
			continue
		}
		if s.probe != nil && !s.probe() {
			if name == Auto {
				continue
			}
			return nil, fmt.Errorf("%s: device not present: %w", s.name, ErrNoBackend)
		}

		b := s.factory()
		if err := b.Init(cfg); err != nil {
			return nil, fmt.Errorf("init %s backend: %w", s.name, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%s for %s: %w", name, cfg.Coding, ErrNoBackend)
}

// Status returns a human-readable status of every registered backend
func Status() string {
	var sb strings.Builder
	sb.WriteString("Encoder Backend Status:\n")

	for _, coding := range []media.CodingType{media.CodingAVC, media.CodingHEVC, media.CodingMJPEG, media.CodingVP8} {
		for _, b := range Detect(coding) {
			status := "not available"
			if b.Available {
				status = "available"
			}
			sb.WriteString("  ")
			sb.WriteString(b.Description)
			sb.WriteString(" (")
			sb.WriteString(b.Name)
			sb.WriteString(", ")
			sb.WriteString(coding.String())
			sb.WriteString("): ")
			sb.WriteString(status)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
