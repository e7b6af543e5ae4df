package enccfg

import (
	"fmt"

	"go.uber.org/zap"
)

// Hw change bits
const (
	HwChangeQpRow uint32 = 1 << iota
	HwChangeAqThrdI
	HwChangeAqThrdP
	HwChangeAqStepI
	HwChangeAqStepP
)

// AqStepLimit bounds each adaptive-quantisation step
const AqStepLimit = 16

// HwCfg holds backend tuning tables
type HwCfg struct {
	Change uint32

	QpDeltaRowI int
	QpDeltaRow  int

	AqThrdI [16]uint8
	AqThrdP [16]uint8
	AqStepI [16]int8
	AqStepP [16]int8
}

// ApplyHw merges the flagged tables of src into dst
func ApplyHw(dst, src *HwCfg, log *zap.Logger) error {
	change := src.Change
	if change == 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	bak := *dst

	if change&HwChangeQpRow != 0 {
		dst.QpDeltaRowI = src.QpDeltaRowI
		dst.QpDeltaRow = src.QpDeltaRow
	}
	if change&HwChangeAqThrdI != 0 {
		dst.AqThrdI = src.AqThrdI
	}
	if change&HwChangeAqThrdP != 0 {
		dst.AqThrdP = src.AqThrdP
	}
	if change&HwChangeAqStepI != 0 {
		dst.AqStepI = src.AqStepI
	}
	if change&HwChangeAqStepP != 0 {
		dst.AqStepP = src.AqStepP
	}

	if err := checkAqSteps(dst); err != nil {
		log.Warn("hw cfg rejected, restoring previous config", zap.Error(err))
		*dst = bak
		return err
	}
	dst.Change |= change
	return nil
}

func checkAqSteps(c *HwCfg) error {
	for i := range c.AqStepI {
		if s := int(c.AqStepI[i]); s < -AqStepLimit || s > AqStepLimit {
			return fmt.Errorf("aq_step_i[%d] = %d: %w", i, s, ErrValue)
		}
		if s := int(c.AqStepP[i]); s < -AqStepLimit || s > AqStepLimit {
			return fmt.Errorf("aq_step_p[%d] = %d: %w", i, s, ErrValue)
		}
	}
	if c.QpDeltaRowI < 0 || c.QpDeltaRowI > 3 || c.QpDeltaRow < 0 || c.QpDeltaRow > 3 {
		return fmt.Errorf("qp delta row %d/%d: %w", c.QpDeltaRowI, c.QpDeltaRow, ErrValue)
	}
	return nil
}
