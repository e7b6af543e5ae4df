package rc

import (
	"fmt"

	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/media"
)

// Config is the user configuration pushed to a controller with UpdateUsrCfg
type Config struct {
	Coding media.CodingType
	Width  int
	Height int

	Mode    enccfg.RcMode
	Quality enccfg.RcQuality

	BpsTarget int
	BpsMax    int
	BpsMin    int

	FpsIn  enccfg.Fps
	FpsOut enccfg.Fps
	Gop    int

	MaxReencTimes int

	DropMode      enccfg.DropMode
	DropThreshold int
	DropGap       int

	InitIPRatio int

	QpInit    int
	QpMax     int
	QpMin     int
	QpMaxI    int
	QpMinI    int
	QpMaxStep int
	QpDeltaIP int

	StatsTime int
}

// ConfigFromSet builds the controller view of an encoder configuration
func ConfigFromSet(set *enccfg.Set) Config {
	r := &set.Rc
	return Config{
		Coding:        set.Codec.Coding,
		Width:         set.Prep.Width,
		Height:        set.Prep.Height,
		Mode:          r.Mode,
		Quality:       r.Quality,
		BpsTarget:     r.BpsTarget,
		BpsMax:        r.BpsMax,
		BpsMin:        r.BpsMin,
		FpsIn:         r.FpsIn,
		FpsOut:        r.FpsOut,
		Gop:           r.Gop,
		MaxReencTimes: r.MaxReencTimes,
		DropMode:      r.DropMode,
		DropThreshold: r.DropThreshold,
		DropGap:       r.DropGap,
		InitIPRatio:   r.InitIPRatio,
		QpInit:        r.QpInit,
		QpMax:         r.QpMax,
		QpMin:         r.QpMin,
		QpMaxI:        r.QpMaxI,
		QpMinI:        r.QpMinI,
		QpMaxStep:     r.QpMaxStep,
		QpDeltaIP:     r.QpDeltaIP,
		StatsTime:     r.StatsTime,
	}
}

// String renders the config as the one-line summary embedded in stream SEI
func (c Config) String() string {
	if c.Mode == enccfg.RcModeFixQP {
		return fmt.Sprintf("rc %s qp %d ip %d gop %d fps %d/%d:%d/%d %dx%d",
			c.Mode, c.QpInit, c.QpDeltaIP, c.Gop,
			c.FpsIn.Num, c.FpsIn.Denom, c.FpsOut.Num, c.FpsOut.Denom,
			c.Width, c.Height)
	}
	return fmt.Sprintf("rc %s bps %d [%d:%d] gop %d fps %d/%d:%d/%d qp [%d:%d] i [%d:%d] reenc %d %dx%d",
		c.Mode, c.BpsTarget, c.BpsMin, c.BpsMax, c.Gop,
		c.FpsIn.Num, c.FpsIn.Denom, c.FpsOut.Num, c.FpsOut.Denom,
		c.QpMin, c.QpMax, c.QpMinI, c.QpMaxI, c.MaxReencTimes,
		c.Width, c.Height)
}
