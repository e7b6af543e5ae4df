// Package session runs one encode from a frame source to an elementary
// stream writer. It owns the port queues, feeds the encoder from a producer
// goroutine and drains packets on the caller's goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/config"
	"github.com/linuxmatters/vpuenc/internal/encoder"
	"github.com/linuxmatters/vpuenc/internal/media"
	"github.com/linuxmatters/vpuenc/internal/port"
	"github.com/linuxmatters/vpuenc/internal/source"
)

// Options configures Run
type Options struct {
	Config *config.RuntimeConfig
	Source source.Source
	Output io.Writer
	Logger *zap.Logger

	HeaderMode encoder.HeaderMode
	SeiMode    encoder.SeiMode
	RcName     string
	HalName    string

	// Frames caps the number of frames read from Source; 0 reads to io.EOF
	Frames int
}

// Progress is reported after every completed frame
type Progress struct {
	Frame   int // frames completed so far
	Size    int // bytes of this frame
	Bytes   int64
	Intra   bool
	Dropped bool // the frame produced no data
	Elapsed time.Duration
}

// Summary describes a finished session
type Summary struct {
	Frames      int
	Packets     int
	IntraFrames int
	Bytes       int64
	Duration    time.Duration
	Encoder     encoder.Stats
}

// Run encodes every frame of opts.Source and writes the packets to
// opts.Output. onProgress may be nil.
func Run(ctx context.Context, opts Options, onProgress func(Progress)) (Summary, error) {
	var sum Summary
	if opts.Config == nil || opts.Source == nil || opts.Output == nil {
		return sum, errors.New("session needs a config, a source and an output")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("session")

	in := port.NewQueue("input", config.InputQueueSize)
	out := port.NewQueue("output", config.OutputQueueSize)
	coding := opts.Config.Coding
	if coding == media.CodingUnknown {
		coding = media.CodingAVC
	}

	enc, err := encoder.New(encoder.Options{
		Coding:  coding,
		Input:   in,
		Output:  out,
		Logger:  log,
		RcName:  opts.RcName,
		HalName: opts.HalName,
	})
	if err != nil {
		return sum, fmt.Errorf("create encoder: %w", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if err := enc.Start(ctx); err != nil {
		return sum, fmt.Errorf("start encoder: %w", err)
	}
	defer func() {
		if err := enc.Stop(); err != nil {
			log.Warn("encoder stop", zap.Error(err))
		}
	}()

	if err := configure(enc, &opts); err != nil {
		return sum, err
	}

	start := time.Now()
	p := &producer{in: in.Producer(), opts: &opts, log: log}
	go func() {
		if err := p.run(ctx); err != nil {
			cancel(err)
		}
	}()

	if err := drain(ctx, out.Consumer(), opts.Output, &sum, start, onProgress); err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
		return sum, err
	}

	sum.Duration = time.Since(start)
	sum.Encoder = enc.Stats()
	log.Info("session complete",
		zap.Int("frames", sum.Frames),
		zap.Int("packets", sum.Packets),
		zap.Int64("bytes", sum.Bytes),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

// configure applies the runtime configuration and stream modes
func configure(enc *encoder.Encoder, opts *Options) error {
	set := opts.Config.EncoderConfig()
	if err := enc.Control(encoder.CmdSetCfg, &set); err != nil {
		return fmt.Errorf("configure encoder: %w", err)
	}
	hdr := opts.HeaderMode
	if err := enc.Control(encoder.CmdSetHeaderMode, &hdr); err != nil {
		return fmt.Errorf("set header mode: %w", err)
	}
	sei := opts.SeiMode
	if err := enc.Control(encoder.CmdSetSeiCfg, &sei); err != nil {
		return fmt.Errorf("set sei mode: %w", err)
	}
	return nil
}

// drain writes packets until the end-of-stream packet arrives
func drain(ctx context.Context, c *port.Port, w io.Writer, sum *Summary, start time.Time, onProgress func(Progress)) error {
	// accumulated across the partitions of one frame
	frameBytes, frameIntra := 0, false
	for {
		if err := c.Poll(ctx, true); err != nil {
			return fmt.Errorf("wait for packet: %w", err)
		}
		task, err := c.Dequeue()
		if err != nil {
			return fmt.Errorf("take packet: %w", err)
		}
		pkt := task.Packet()

		var (
			eos, frameDone, intra bool
			n                     int
		)
		if pkt != nil {
			data := pkt.Bytes()
			n = len(data)
			if n > 0 {
				if _, err := w.Write(data); err != nil {
					c.Enqueue(task)
					return fmt.Errorf("write packet: %w", err)
				}
			}
			eos = pkt.Flags&media.PacketFlagEOS != 0
			partial := pkt.Flags&media.PacketFlagPartition != 0 &&
				pkt.Flags&media.PacketFlagLastPartition == 0
			frameDone = !eos && !partial
			intra = pkt.HasFlag(media.PacketFlagIntra) || pkt.Meta.Bool(media.KeyOutputIntra)
		}
		if err := c.Enqueue(task); err != nil {
			return fmt.Errorf("return packet: %w", err)
		}

		sum.Packets++
		sum.Bytes += int64(n)
		frameBytes += n
		frameIntra = frameIntra || intra
		if frameDone {
			sum.Frames++
			if frameIntra {
				sum.IntraFrames++
			}
			if onProgress != nil {
				onProgress(Progress{
					Frame:   sum.Frames,
					Size:    frameBytes,
					Bytes:   sum.Bytes,
					Intra:   frameIntra,
					Dropped: frameBytes == 0,
					Elapsed: time.Since(start),
				})
			}
			frameBytes, frameIntra = 0, false
		}
		if eos {
			return nil
		}
	}
}

// producer fills input tasks from the source and finishes with an EOS frame
type producer struct {
	in   *port.Port
	opts *Options
	log  *zap.Logger
}

func (p *producer) run(ctx context.Context) error {
	cfg := p.opts.Config
	w, h := cfg.GetSize()
	for n := 0; ; n++ {
		task, err := p.acquire(ctx)
		if err != nil {
			return fmt.Errorf("input task: %w", err)
		}

		f := task.Frame()
		if f == nil || f.Buffer == nil || f.Width != w || f.Height != h || f.Format != cfg.Format {
			f.Release()
			f = media.NewFrame(w, h, cfg.Format)
		}
		f.Meta.Clear()

		done := p.opts.Frames > 0 && n >= p.opts.Frames
		if !done {
			err = p.opts.Source.Next(f)
			done = errors.Is(err, io.EOF)
			if err != nil && !done {
				return fmt.Errorf("source frame %d: %w", n, err)
			}
		}
		if done {
			f.Release()
			f = &media.Frame{EOS: true, PTS: int64(n), DTS: int64(n)}
		}

		task.SetFrame(f)
		if err := p.in.Enqueue(task); err != nil {
			return fmt.Errorf("queue frame %d: %w", n, err)
		}
		if done {
			p.log.Debug("end of stream queued", zap.Int("frames", n))
			return nil
		}
	}
}

// acquire takes a free input task, backing off while the encoder holds
// every slot
func (p *producer) acquire(ctx context.Context) (*port.Task, error) {
	var task *port.Task
	op := func() error {
		t, err := p.in.Dequeue()
		if errors.Is(err, port.ErrClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		task = t
		return nil
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = time.Millisecond
	ebo.MaxInterval = 20 * time.Millisecond
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	if err := backoff.Retry(op, backoff.WithContext(ebo, ctx)); err != nil {
		return nil, err
	}
	return task, nil
}
