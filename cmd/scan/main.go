package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kinfu-scanner/internal/config"
	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/device"
	"kinfu-scanner/internal/frames"
	"kinfu-scanner/internal/kernels"
	"kinfu-scanner/internal/scanner"
	"kinfu-scanner/internal/snapshot"
	"kinfu-scanner/internal/trajectory"
)

func main() {
	// CLI flags
	configFile := flag.String("config", "", "Path to config file (.json, .yaml)")
	inputDir := flag.String("input", "", "Session directory with depth/ and color/ (default: auto-detect)")
	outputDir := flag.String("output", "", "Output directory (default: <input>/scan-output)")
	workers := flag.Int("workers", 0, "Number of worker goroutines (default: NumCPU)")
	maxFrames := flag.Int("frames", 0, "Process only the first N frames")
	format := flag.String("format", "", "Snapshot format: webp or png (default: webp)")
	dbPath := flag.String("db", "", "Trajectory database (default: <output>/trajectory.db)")
	verbose := flag.Bool("v", false, "Verbose logging")

	flag.Parse()

	// Load config
	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}

	// CLI flags override config file
	cfg.Resolve(config.Flags{
		InputDir:  *inputDir,
		OutputDir: *outputDir,
		DBPath:    *dbPath,
		Format:    *format,
		Frames:    *maxFrames,
		Workers:   *workers,
	})

	if cfg.InputDir == "" {
		fmt.Fprintln(os.Stderr, "Error: cannot find a session directory. Use -input flag or config file.")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	scanner.SetLogger(logger)
	frames.SetLogger(logger)

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx := context.Background()

	sess, err := frames.Scan(cfg.InputDir)
	if err != nil {
		return err
	}
	total := sess.Len()
	if cfg.MaxFrames > 0 && cfg.MaxFrames < total {
		total = cfg.MaxFrames
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return err
	}

	dev := device.NewHost(device.HostConfig{})
	device.SetCurrent(dev)

	reg := prometheus.NewRegistry()
	s, err := scanner.NewHost(cfg.Params, dev, cfg.Workers, scanner.NewMetrics(reg))
	if err != nil {
		return err
	}
	defer s.Release()

	store, err := trajectory.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	sessionID, err := store.CreateSession(ctx, filepath.Base(cfg.InputDir))
	if err != nil {
		return err
	}

	writer, err := snapshot.NewWriter(snapshot.Config{
		Dir:     filepath.Join(cfg.OutputDir, "snapshots"),
		Format:  cfg.SnapshotFormat,
		Scale:   cfg.SnapshotScale,
		Workers: max(cfg.Workers/2, 1),
	})
	if err != nil {
		return err
	}

	// Print summary
	p := cfg.Params
	fmt.Printf("KinectFusion scan: %s\n", cfg.InputDir)
	fmt.Printf("Frames: %d (%dx%d, color: %v), Workers: %d\n", total, p.Cols, p.Rows, len(sess.Color) > 0, cfg.Workers)
	fmt.Printf("Volume: %dx%dx%d voxels, %.2fx%.2fx%.2f m\n",
		p.VolumeDims[0], p.VolumeDims[1], p.VolumeDims[2], p.VolumeSize[0], p.VolumeSize[1], p.VolumeSize[2])
	fmt.Printf("Output: %s\n", cfg.OutputDir)
	fmt.Println("------------------------------------------------------------")

	start := time.Now()
	var processed atomic.Int64

	// Progress reporter
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				n := processed.Load()
				if n > 0 {
					elapsed := time.Since(start).Seconds()
					rate := float64(n) / elapsed
					fmt.Printf("  [%d/%d] %.1f frames/sec\n", n, total, rate)
				}
			}
		}
	}()

	reader := frames.NewReader(sess, frames.ReaderConfig{
		Cols:      p.Cols,
		Rows:      p.Rows,
		Workers:   cfg.Workers,
		MaxFrames: cfg.MaxFrames,
	})

	depth := devbuf.OnDevice2D[kernels.Depth](dev)
	color := devbuf.OnDevice2D[kernels.RGB](dev)
	render := devbuf.OnDevice2D[kernels.RGB](dev)
	defer depth.Release()
	defer color.Release()
	defer render.Release()

	var tracked, lost, bad int
	var runErr error
	for f := range reader.Frames() {
		processed.Add(1)
		if f.Err != nil {
			slog.Warn("frame skipped", "frame", f.Index, "err", f.Err)
			bad++
			continue
		}
		if err := frames.Upload(f, &depth, &color); err != nil {
			runErr = fmt.Errorf("frame %d: %w", f.Index, err)
			break
		}

		ok, err := s.ProcessFrame(depth, color)
		if err != nil {
			runErr = fmt.Errorf("frame %d: %w", f.Index, err)
			break
		}
		if ok {
			tracked++
		} else if s.FrameCounter() == 0 && f.Index > 0 {
			lost++
		}

		pose := s.CameraPose(-1)
		if err := store.AppendPose(ctx, sessionID, trajectory.Record{Frame: f.Index, Tracked: ok, Pose: pose}); err != nil {
			runErr = err
			break
		}

		if f.Index%cfg.SnapshotInterval == 0 {
			if err := s.Render(&render, scanner.RenderSideBySide); err != nil {
				runErr = fmt.Errorf("frame %d: render: %w", f.Index, err)
				break
			}
			img, err := snapshot.ToImage(render)
			if err != nil {
				runErr = fmt.Errorf("frame %d: render: %w", f.Index, err)
				break
			}
			writer.Submit(snapshot.Entry{Frame: f.Index, Kind: "render", Tracked: ok, Pose: pose.Mat4()}, img)
		}
	}
	reader.Close()
	close(done)
	results := writer.Close()

	elapsed := time.Since(start)
	fmt.Println("------------------------------------------------------------")
	fmt.Printf("Done in %.1fs\n", elapsed.Seconds())
	fmt.Printf("Tracked: %d, Lost: %d, Unreadable: %d\n", tracked, lost, bad)

	if err := store.EndSession(ctx, sessionID, int(processed.Load())); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: end session: %v\n", err)
	}
	fmt.Printf("Session: %s (%s)\n", sessionID, cfg.DBPath)

	// Count snapshots
	var failed []snapshot.Result
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	fmt.Printf("Snapshots: %d/%d\n", len(results)-len(failed), len(results))
	for _, r := range failed[:min(len(failed), 20)] {
		fmt.Printf("  %s: %s\n", r.Image, r.Error)
	}

	// Write manifest
	manifestPath := filepath.Join(cfg.OutputDir, "manifest.json")
	if err := snapshot.WriteManifest(manifestPath, snapshot.Entries(results)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: manifest write failed: %v\n", err)
	} else {
		fmt.Printf("Manifest: %s\n", manifestPath)
	}

	plotPath := filepath.Join(cfg.OutputDir, "trajectory.png")
	if records, err := store.Poses(ctx, sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: read trajectory: %v\n", err)
	} else if err := trajectory.Plot(trajectory.Affines(records), filepath.Base(cfg.InputDir), plotPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: trajectory plot failed: %v\n", err)
	} else {
		fmt.Printf("Trajectory: %s\n", plotPath)
	}

	metricsPath := filepath.Join(cfg.OutputDir, "metrics.prom")
	if err := prometheus.WriteToTextfile(metricsPath, reg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: metrics write failed: %v\n", err)
	}

	slog.Debug("device stats", "stats", dev.Stats().String())

	return runErr
}
