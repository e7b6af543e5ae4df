package enccfg

import "fmt"

// Ref change bits
const (
	RefChangeLtr uint32 = 1 << iota
	RefChangeTemporal
)

// MaxTemporalLayers is the deepest temporal hierarchy supported
const MaxTemporalLayers = 4

// RefCfg controls the reference structure: long-term references and temporal
// layering
type RefCfg struct {
	Change uint32

	MaxLtrCount    int // long-term reference slots, 0 disables LTR
	LtrInterval    int // mark every N-th non-IDR frame long-term, 0 disables
	TemporalLayers int // 1..MaxTemporalLayers
}

// ApplyRef merges the flagged fields of src into dst
func ApplyRef(dst, src *RefCfg) error {
	change := src.Change
	if change == 0 {
		return nil
	}
	next := *dst
	if change&RefChangeLtr != 0 {
		next.MaxLtrCount = src.MaxLtrCount
		next.LtrInterval = src.LtrInterval
	}
	if change&RefChangeTemporal != 0 {
		next.TemporalLayers = src.TemporalLayers
	}
	if err := next.Validate(); err != nil {
		return err
	}
	next.Change = dst.Change | change
	*dst = next
	return nil
}

// Validate checks the structure is encodable
func (c RefCfg) Validate() error {
	if c.MaxLtrCount < 0 || c.MaxLtrCount > 16 {
		return fmt.Errorf("max ltr count %d: %w", c.MaxLtrCount, ErrValue)
	}
	if c.LtrInterval < 0 || (c.LtrInterval > 0 && c.MaxLtrCount == 0) {
		return fmt.Errorf("ltr interval %d with %d slots: %w", c.LtrInterval, c.MaxLtrCount, ErrValue)
	}
	if c.TemporalLayers < 1 || c.TemporalLayers > MaxTemporalLayers {
		return fmt.Errorf("temporal layers %d: %w", c.TemporalLayers, ErrValue)
	}
	return nil
}
