package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/linuxmatters/vpuenc/internal/cli"
	"github.com/linuxmatters/vpuenc/internal/config"
	"github.com/linuxmatters/vpuenc/internal/encoder"
	"github.com/linuxmatters/vpuenc/internal/enccfg"
	"github.com/linuxmatters/vpuenc/internal/hal"
	"github.com/linuxmatters/vpuenc/internal/logging"
	"github.com/linuxmatters/vpuenc/internal/media"
	"github.com/linuxmatters/vpuenc/internal/rc"
	"github.com/linuxmatters/vpuenc/internal/session"
	"github.com/linuxmatters/vpuenc/internal/source"
	"github.com/linuxmatters/vpuenc/internal/ui"
)

// version is set via ldflags at build time
// Local dev builds: "dev"
// Release builds: git tag (e.g. "v0.1.0")
var version = "dev"

var CLI struct {
	Output string `arg:"" name:"output" help:"Output elementary stream, - for stdout" optional:""`

	Coding     string `help:"Codec" enum:"h264,h265,mjpeg,vp8" default:"h264" group:"Stream"`
	Size       string `help:"Frame size" default:"${size}" placeholder:"WxH" group:"Stream"`
	Format     string `help:"Input pixel format" enum:"nv12,i420" default:"nv12" group:"Stream"`
	Fps        int    `help:"Frame rate" default:"${fps}" group:"Stream"`
	HeaderMode string `help:"Stream header placement" enum:"default,each-idr" default:"default" group:"Stream"`
	Sei        string `help:"Version and rate-control SEI" enum:"off,seq,frame" default:"off" group:"Stream"`
	LowDelay   bool   `help:"Emit each frame in partitions as the backend finishes them" group:"Stream"`

	Rc          string `help:"Rate-control mode" enum:"vbr,cbr,fixqp,avbr" default:"cbr" group:"Rate control"`
	Bps         int    `help:"Target bitrate in bits per second" default:"${bps}" group:"Rate control"`
	Gop         int    `help:"Frames between intra frames" default:"${gop}" group:"Rate control"`
	MaxReenc    int    `help:"Re-encode attempts per frame" default:"${max_reenc}" group:"Rate control"`
	RateControl string `help:"Rate-control strategy" default:"${rc_strategy}" group:"Rate control"`

	Frames    int    `help:"Frames to encode, 0 reads the whole input" default:"${frames}" group:"Source"`
	Input     string `help:"Raw YUV input file instead of the test pattern, - for stdin" group:"Source"`
	Image     string `help:"Background image for the test pattern" type:"existingfile" group:"Source"`
	TextColor string `help:"Frame counter colour" default:"${text_color}" placeholder:"RRGGBB" group:"Source"`
	NoCounter bool   `help:"Hide the frame counter" group:"Source"`

	Backend      string `help:"Encoder backend" default:"${backend}" group:"Backend"`
	ListBackends bool   `help:"List the backends and rate-control strategies for --coding" group:"Backend"`

	LogLevel   string `help:"Log level" enum:"debug,info,warn,error" default:"warn"`
	LogFile    string `help:"Write logs here while the progress UI is shown" type:"path"`
	NoProgress bool   `help:"Disable the progress UI"`
	Version    bool   `help:"Show version information"`
}

func main() {
	kong.Parse(&CLI,
		kong.Name("vpuenc"),
		kong.Description(cli.AppDescription),
		kong.Vars{
			"version":     version,
			"backend":     hal.Auto,
			"rc_strategy": rc.DefaultName,
			"size":        fmt.Sprintf("%dx%d", config.Width, config.Height),
			"fps":         strconv.Itoa(config.FPS),
			"bps":         strconv.Itoa(config.Bitrate),
			"gop":         strconv.Itoa(config.Gop),
			"max_reenc":   strconv.Itoa(config.MaxReenc),
			"frames":      strconv.Itoa(config.Frames),
			"text_color":  fmt.Sprintf("%02X%02X%02X", config.TextColorR, config.TextColorG, config.TextColorB),
		},
		kong.UsageOnError(),
		kong.Help(cli.StyledHelpPrinter(kong.HelpOptions{Compact: true})),
	)
	encoder.Version = version

	if CLI.Version {
		cli.PrintVersion(version)
		os.Exit(0)
	}

	if CLI.ListBackends {
		if err := printBackends(); err != nil {
			cli.PrintError(err.Error())
			os.Exit(1)
		}
		os.Exit(0)
	}

	if CLI.Output == "" {
		cli.PrintError("<output> is required")
		os.Exit(1)
	}

	if err := run(); err != nil {
		cli.PrintError(err.Error())
		os.Exit(1)
	}
}

func runtimeConfig() (*config.RuntimeConfig, error) {
	coding, err := media.ParseCodingType(CLI.Coding)
	if err != nil {
		return nil, err
	}
	w, h, err := config.ParseResolution(CLI.Size)
	if err != nil {
		return nil, err
	}
	format, err := media.ParseFormat(CLI.Format)
	if err != nil {
		return nil, err
	}
	mode, err := enccfg.ParseRcMode(CLI.Rc)
	if err != nil {
		return nil, err
	}
	r, g, b, err := config.ParseHexColor(CLI.TextColor)
	if err != nil {
		return nil, err
	}
	if CLI.Fps <= 0 {
		return nil, fmt.Errorf("invalid fps: %d", CLI.Fps)
	}

	return &config.RuntimeConfig{
		Coding:     coding,
		Width:      w,
		Height:     h,
		Format:     format,
		RcMode:     mode,
		LowDelay:   CLI.LowDelay,
		Bitrate:    &CLI.Bps,
		FPS:        &CLI.Fps,
		Gop:        &CLI.Gop,
		MaxReenc:   &CLI.MaxReenc,
		TextColorR: &r,
		TextColorG: &g,
		TextColorB: &b,
	}, nil
}

// openSource returns the frame source and a closer for it
func openSource(cfg *config.RuntimeConfig) (source.Source, io.Closer, error) {
	w, h := cfg.GetSize()

	if CLI.Input != "" {
		if CLI.Image != "" || CLI.NoCounter {
			cli.PrintWarning("--image and --no-counter only apply to the test pattern")
		}
		var f *os.File
		if CLI.Input == "-" {
			f = os.Stdin
		} else {
			var err error
			if f, err = os.Open(CLI.Input); err != nil {
				return nil, nil, fmt.Errorf("opening input: %w", err)
			}
		}
		raw, err := source.NewRaw(bufio.NewReaderSize(f, 1<<20), w, h, cfg.Format)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return raw, f, nil
	}

	if CLI.Frames <= 0 {
		return nil, nil, errors.New("the test pattern needs --frames greater than zero")
	}
	r, g, b := cfg.GetTextColor()
	opts := source.PatternOptions{
		Width:     w,
		Height:    h,
		Frames:    CLI.Frames,
		TextColor: color.RGBA{R: r, G: g, B: b, A: 255},
		NoCounter: CLI.NoCounter,
	}
	if CLI.Image != "" {
		bg, err := source.LoadBackground(CLI.Image, w, h)
		if err != nil {
			return nil, nil, err
		}
		opts.Background = bg
	}
	p, err := source.NewPattern(opts)
	if err != nil {
		return nil, nil, err
	}
	return p, nil, nil
}

func run() error {
	cfg, err := runtimeConfig()
	if err != nil {
		return err
	}
	header, err := encoder.ParseHeaderMode(CLI.HeaderMode)
	if err != nil {
		return err
	}
	sei, err := encoder.ParseSeiMode(CLI.Sei)
	if err != nil {
		return err
	}

	toStdout := CLI.Output == "-"
	showUI := !CLI.NoProgress

	// logs share the terminal only when the UI is off
	logOut := io.Writer(os.Stderr)
	if showUI {
		logOut = io.Discard
		if CLI.LogFile != "" {
			lf, err := os.Create(CLI.LogFile)
			if err != nil {
				return fmt.Errorf("creating log file: %w", err)
			}
			defer lf.Close()
			logOut = lf
		}
	}
	log, err := logging.New(CLI.LogLevel, logOut)
	if err != nil {
		return err
	}
	defer log.Sync()

	src, closer, err := openSource(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	var out io.Writer = os.Stdout
	if !toStdout {
		f, err := os.Create(CLI.Output)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		out = f
	}
	bw := bufio.NewWriterSize(out, 1<<20)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := session.Options{
		Config:     cfg,
		Source:     src,
		Output:     bw,
		Logger:     log,
		HeaderMode: header,
		SeiMode:    sei,
		RcName:     CLI.RateControl,
		HalName:    CLI.Backend,
	}
	if CLI.Input != "" {
		opts.Frames = CLI.Frames
	}

	log.Info("starting session",
		zap.String("coding", cfg.Coding.String()),
		zap.String("size", CLI.Size),
		zap.String("format", cfg.Format.String()),
		zap.String("rc", cfg.RcMode.String()),
		zap.Int("bps", cfg.GetBitrate()),
		zap.String("backend", CLI.Backend))

	var sum session.Summary
	if showUI {
		sum, err = runWithUI(ctx, cfg, opts, toStdout)
	} else {
		sum, err = session.Run(ctx, opts, nil)
	}
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	if !showUI {
		printSummary(cfg, sum)
	}
	return nil
}

func title(cfg *config.RuntimeConfig) string {
	w, h := cfg.GetSize()
	return fmt.Sprintf("%s %dx%d %s  │  %s %s @ %d fps",
		cfg.Coding, w, h, cfg.Format,
		cfg.RcMode, cli.FormatBitrate(float64(cfg.GetBitrate())), cfg.GetFPS())
}

func runWithUI(ctx context.Context, cfg *config.RuntimeConfig, opts session.Options, toStdout bool) (session.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var teaOpts []tea.ProgramOption
	if toStdout {
		teaOpts = append(teaOpts, tea.WithOutput(os.Stderr))
	}
	model := ui.NewModel(title(cfg))
	p := tea.NewProgram(model, teaOpts...)

	total := CLI.Frames
	type result struct {
		sum session.Summary
		err error
	}
	done := make(chan result, 1)

	go func() {
		sum, err := session.Run(ctx, opts, func(pr session.Progress) {
			p.Send(ui.EncodeProgress{
				Frame:       pr.Frame,
				TotalFrames: total,
				Size:        pr.Size,
				Bytes:       pr.Bytes,
				Intra:       pr.Intra,
				Dropped:     pr.Dropped,
				Elapsed:     pr.Elapsed,
			})
		})
		if err != nil {
			p.Send(ui.EncodeFailed{Err: err})
		} else {
			output := CLI.Output
			if toStdout {
				output = "stdout"
			}
			p.Send(ui.EncodeComplete{
				OutputFile:  output,
				Frames:      sum.Frames,
				IntraFrames: sum.IntraFrames,
				Dropped:     sum.Encoder.Dropped,
				Reencodes:   sum.Encoder.Reencodes,
				Bytes:       sum.Bytes,
				FPS:         cfg.GetFPS(),
				Duration:    sum.Duration,
			})
		}
		done <- result{sum, err}
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return session.Summary{}, fmt.Errorf("running UI: %w", err)
	}

	// the UI may have been closed early with ctrl+c
	cancel()
	r := <-done
	return r.sum, r.err
}

func printSummary(cfg *config.RuntimeConfig, sum session.Summary) {
	output := CLI.Output
	if output == "-" {
		output = "stdout"
	}
	rows := []cli.SummaryRow{
		{Key: "Output", Value: output},
		{Key: "Stream", Value: title(cfg)},
		{Key: "Frames", Value: fmt.Sprintf("%d (%d intra, %d dropped, %d re-encodes)",
			sum.Frames, sum.IntraFrames, sum.Encoder.Dropped, sum.Encoder.Reencodes)},
		{Key: "Size", Value: cli.FormatBytes(sum.Bytes)},
		{Key: "Time", Value: cli.FormatDuration(sum.Duration)},
	}
	if sum.Frames > 0 {
		seconds := float64(sum.Frames) / float64(cfg.GetFPS())
		rows = append(rows, cli.SummaryRow{Key: "Bitrate", Value: cli.FormatBitrate(float64(sum.Bytes*8) / seconds)})
	}
	if sum.Encoder.Failures > 0 {
		rows = append(rows, cli.SummaryRow{Key: "Failures", Value: fmt.Sprint(sum.Encoder.Failures)})
	}
	cli.PrintSummary(os.Stderr, "Encoding Complete!", rows)
}

// printBackends lists the backends and rate-control strategies for the coding
func printBackends() error {
	coding, err := media.ParseCodingType(CLI.Coding)
	if err != nil {
		return err
	}
	var rows []cli.SummaryRow
	for _, b := range hal.Detect(coding) {
		state := "available"
		if !b.Available {
			state = "not detected"
		}
		rows = append(rows, cli.SummaryRow{Key: b.Name, Value: fmt.Sprintf("%s (%s)", b.Description, state)})
	}
	for _, name := range rc.Names(coding) {
		rows = append(rows, cli.SummaryRow{Key: "rc " + name, Value: "rate-control strategy"})
	}
	cli.PrintSummary(os.Stdout, "Backends for "+coding.String(), rows)
	return nil
}
