package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"starguide/internal/config"
	"starguide/internal/logging"
	sg "starguide/pkg/starguide"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath   string
	searchRegion int
	mode         string
	guide        bool
	calibrated   bool
	calDistance  float64
	debayer      bool
	exposureMs   int
	autoExposure bool
	overlayDir   string
	saveLostDir  string
	metricsAddr  string
	logLevel     string
	logFormat    string
}

func parseFlags(args []string) (*options, []string, error) {
	o := &options{}
	fs := flag.NewFlagSet("starguide", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "tuning config JSON file")
	fs.IntVar(&o.searchRegion, "search-region", 0, "search box half-width in pixels (overrides config)")
	fs.StringVar(&o.mode, "mode", "", "star find mode: centroid or peak (overrides config)")
	fs.BoolVar(&o.guide, "guide", false, "start guiding after selection to track field rotation")
	fs.BoolVar(&o.calibrated, "calibrated", false, "mount is already calibrated")
	fs.Float64Var(&o.calDistance, "cal-distance", 25, "calibration travel in pixels, reserved at the frame edge when uncalibrated")
	fs.BoolVar(&o.debayer, "debayer", false, "debayer RGGB frames before tracking")
	fs.IntVar(&o.exposureMs, "exposure", 0, "exposure in ms; 0 reads EXPTIME from FITS")
	fs.BoolVar(&o.autoExposure, "auto-exposure", false, "report exposure in the status line")
	fs.StringVar(&o.overlayDir, "overlay-dir", "", "write a JPEG overlay per frame into this directory")
	fs.StringVar(&o.saveLostDir, "save-lost", "", "write frames where auto-select failed or the primary was lost into this directory")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
	fs.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&o.logFormat, "log-format", "text", "text or json")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() < 1 {
		return nil, nil, errors.New("usage: starguide [flags] <frame> [frame...]")
	}
	return o, fs.Args(), nil
}

func loadParams(o *options) (*sg.Params, error) {
	var cfg *config.TuningConfig
	if o.configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(o.configPath)
		if err != nil {
			return nil, err
		}
	}
	params, err := sg.ParamsFromTuning(cfg)
	if err != nil {
		return nil, err
	}
	if o.searchRegion != 0 {
		params.Tracker.SearchRegion = o.searchRegion
	}
	if o.mode != "" {
		mode, err := sg.ParseFindMode(o.mode)
		if err != nil {
			return nil, err
		}
		params.Tracker.FindMode = mode
	}
	return params, nil
}

func run(args []string) error {
	o, paths, err := parseFlags(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	logger := logging.New(logging.Config{Level: o.logLevel, Format: o.logFormat})

	params, err := loadParams(o)
	if err != nil {
		return err
	}

	var collector *sg.TrackerCollector
	if o.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector, err = sg.NewTrackerCollector(reg)
		if err != nil {
			return errors.Wrap(err, "register metrics")
		}
		srv := &http.Server{Addr: o.metricsAddr, Handler: metricsMux(collector), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(ctx, "metrics server failed", logging.String("error", err.Error()))
			}
		}()
		defer srv.Close()
		logger.Info(ctx, "serving metrics", logging.String("addr", o.metricsAddr))
	}

	tracker := sg.NewTracker(params, sg.WithLogger(logger), sg.WithMetrics(collector))
	if tracker.SearchRegion() != params.Tracker.SearchRegion {
		logger.Warn(ctx, "search region clamped",
			logging.Int("requested", params.Tracker.SearchRegion),
			logging.Int("using", tracker.SearchRegion()))
	}
	mount := sg.MountState{Calibrated: o.calibrated, CalibrationDistance: o.calDistance}

	for i, path := range paths {
		frame, exposureMs, err := loadFrame(path, o.debayer)
		if err != nil {
			return errors.Wrapf(err, "load %s", path)
		}
		if o.exposureMs > 0 {
			exposureMs = o.exposureMs
		}
		tracker.SetExposure(exposureMs, o.autoExposure)

		if !tracker.HasStar() {
			if err := tracker.AutoSelect(frame, mount); err != nil {
				fmt.Printf("%s: %v\n", filepath.Base(path), err)
				if o.saveLostDir != "" {
					out, err := saveAutoSelectFailure(o.saveLostDir, time.Now(), i, frame, exposureMs, keepAutoSelectFailures)
					if err != nil {
						logger.Warn(ctx, "could not save auto-select frame", logging.String("error", err.Error()))
					} else {
						logger.Info(ctx, "auto-select failed, frame saved", logging.String("path", out))
					}
				}
				continue
			}
			p, _ := tracker.Primary()
			fmt.Printf("%s: selected star at %s SNR=%.1f with %d secondaries\n",
				filepath.Base(path), p.Position, p.SNR, len(tracker.Secondaries()))
			if o.guide {
				tracker.StartGuiding()
			}
			if err := writeOverlay(o, i, path, frame, tracker.OverlayView(sg.FrameStatus{Status: p.Status, Mass: p.Mass, SNR: p.SNR})); err != nil {
				return err
			}
			continue
		}

		st, err := tracker.Update(frame)
		line := st.Message()
		if st.Status.Found() {
			line = fmt.Sprintf("%s %s", st.Position, line)
		}
		if st.Secondaries > 0 {
			line += fmt.Sprintf("  secondaries=%d/%d", st.ValidSecondaries, st.Secondaries)
		}
		if tracker.IsGuiding() {
			line += fmt.Sprintf("  rot=%.3f", st.RotationCorrection)
		}
		fmt.Printf("%s: %s\n", filepath.Base(path), line)

		if err != nil && o.saveLostDir != "" {
			out := filepath.Join(o.saveLostDir, fmt.Sprintf("lost_%04d.fits", i))
			if err := sg.SaveFrame(out, frame, exposureMs); err != nil {
				logger.Warn(ctx, "could not save lost frame", logging.String("path", out), logging.String("error", err.Error()))
			}
		}
		if err := writeOverlay(o, i, path, frame, tracker.OverlayView(st)); err != nil {
			return err
		}
	}
	return nil
}

func loadFrame(path string, debayer bool) (*sg.Frame, int, error) {
	var frame *sg.Frame
	exposureMs := 0
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".fits") || strings.HasSuffix(lower, ".fit") {
		data, err := sg.ReadFits(path)
		if err != nil {
			return nil, 0, err
		}
		if data.Metadata != nil {
			if ms, ok := data.Metadata.ExposureMillis(); ok {
				exposureMs = ms
			}
		}
		frame, err = sg.FrameFromFits(data)
		if err != nil {
			return nil, 0, err
		}
	} else {
		var err error
		frame, err = loadNonFitsImage(path)
		if err != nil {
			return nil, 0, err
		}
	}
	if debayer {
		frame = sg.DebayerFrame(frame)
	}
	return frame, exposureMs, nil
}

func writeOverlay(o *options, i int, path string, frame *sg.Frame, view sg.OverlayView) error {
	if o.overlayDir == "" {
		return nil
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(o.overlayDir, fmt.Sprintf("%04d_%s.jpg", i, name))
	return sg.RenderOverlay(frame, view, out)
}

const (
	autoSelectFailPrefix   = "autoselect_fail_"
	keepAutoSelectFailures = 10
)

// saveAutoSelectFailure writes the frame as FITS and keeps only the newest
// keep auto-select failures in dir. Names sort by time, then frame index.
func saveAutoSelectFailure(dir string, now time.Time, i int, frame *sg.Frame, exposureMs, keep int) (string, error) {
	name := fmt.Sprintf("%s%s_%04d.fits", autoSelectFailPrefix, now.Format("2006-01-02_150405"), i)
	out := filepath.Join(dir, name)
	if err := sg.SaveFrame(out, frame, exposureMs); err != nil {
		return "", err
	}

	old, err := filepath.Glob(filepath.Join(dir, autoSelectFailPrefix+"*.fits"))
	if err != nil {
		return out, errors.Wrap(err, "list auto-select failures")
	}
	sort.Strings(old)
	for len(old) > keep {
		if err := os.Remove(old[0]); err != nil {
			return out, errors.Wrapf(err, "remove %s", old[0])
		}
		old = old[1:]
	}
	return out, nil
}

func metricsMux(c *sg.TrackerCollector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return mux
}
