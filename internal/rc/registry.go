package rc

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/media"
)

// DefaultName is the strategy used when none is requested
const DefaultName = "smooth"

// ErrUnknown is returned when no strategy with the requested name serves a coding
var ErrUnknown = errors.New("unknown rate control strategy")

// Controller is a pluggable bit-allocation strategy.
//
// The encoder calls the frame hooks in a fixed order per frame:
// FrmCheckDrop, FrmStart, HalStart, HalEnd, FrmCheckReenc and FrmEnd, with
// HalStart..FrmCheckReenc repeated for each re-encode.
type Controller interface {
	Name() string
	UpdateUsrCfg(cfg *Config) error
	FrmCheckDrop(t *Task) error
	FrmStart(t *Task) error
	HalStart(t *Task) error
	HalEnd(t *Task) error
	FrmCheckReenc(t *Task) error
	FrmEnd(t *Task) error
	Close() error
}

// Factory creates a controller for one encoder instance
type Factory func(coding media.CodingType, log *zap.Logger) (Controller, error)

type strategy struct {
	name    string
	codings []media.CodingType
	factory Factory
}

var (
	registryMu sync.RWMutex
	strategies []strategy
)

func init() {
	Register(DefaultName, []media.CodingType{
		media.CodingAVC, media.CodingHEVC, media.CodingMJPEG, media.CodingVP8,
	}, newSmooth)
}

// Register adds a strategy serving codings. A later registration with the
// same name replaces the earlier one.
func Register(name string, codings []media.CodingType, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for i := range strategies {
		if strategies[i].name == name {
			strategies[i] = strategy{name: name, codings: codings, factory: f}
			return
		}
	}
	strategies = append(strategies, strategy{name: name, codings: codings, factory: f})
}

// New creates the named strategy for coding; an empty name selects DefaultName
func New(name string, coding media.CodingType, log *zap.Logger) (Controller, error) {
	if name == "" {
		name = DefaultName
	}
	if log == nil {
		log = zap.NewNop()
	}

	registryMu.RLock()
	var found *strategy
	for i := range strategies {
		s := &strategies[i]
		if s.name == name && slices.Contains(s.codings, coding) {
			found = s
			break
		}
	}
	registryMu.RUnlock()

	if found == nil {
		return nil, fmt.Errorf("%s for %s: %w", name, coding, ErrUnknown)
	}
	return found.factory(coding, log.Named("rc").With(zap.String("strategy", name)))
}

// Names lists the strategies that serve coding, in registration order
func Names(coding media.CodingType) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var names []string
	for _, s := range strategies {
		if slices.Contains(s.codings, coding) {
			names = append(names, s.name)
		}
	}
	return names
}
