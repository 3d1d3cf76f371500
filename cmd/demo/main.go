package main

// ============================================================================
// Demo: cache reuse, failure isolation and crash recovery
//
//   go run ./cmd/demo start   [dir]   # generate scans, run jobs, Ctrl+C = crash
//   go run ./cmd/demo recover [dir]   # restart on the same journal
// ============================================================================

import (
	"context"
	"fmt"
	"image/color"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/disintegration/imaging"

	"github.com/ChuLiYu/pulmoscan/internal/config"
	"github.com/ChuLiYu/pulmoscan/internal/content"
	"github.com/ChuLiYu/pulmoscan/internal/engine"
	"github.com/ChuLiYu/pulmoscan/internal/executor"
	"github.com/ChuLiYu/pulmoscan/internal/storage/wal"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

const (
	demoScans  = 24
	crashScans = 200
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover> [dir]")
		os.Exit(1)
	}
	mode := os.Args[1]
	dir := "demo-data"
	if len(os.Args) > 2 {
		dir = os.Args[2]
	}
	logger := config.NewLogger(os.Stderr, "warn", "text")

	var err error
	switch mode {
	case "start":
		err = runStart(dir, logger)
	case "recover":
		err = runRecover(dir, logger)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		log.Fatalf("demo failed: %v", err)
	}
}

// ============================================================================
// Setup
// ============================================================================

// generateScans 產生 64x64 的單色合成影像；已存在的檔案不重寫
func generateScans(dir, prefix string, n int) ([]string, error) {
	refs := make([]string, n)
	for i := 0; i < n; i++ {
		refs[i] = fmt.Sprintf("%s-%03d.png", prefix, i)
		path := filepath.Join(dir, refs[i])
		if _, err := os.Stat(path); err == nil {
			continue
		}
		shade := uint8(i * 255 / n)
		img := imaging.New(64, 64, color.NRGBA{R: shade, G: shade, B: 255 - shade, A: 255})
		if err := imaging.Save(img, path); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

type demo struct {
	engine  *engine.Engine
	journal *wal.Journal
}

func newDemo(dir string, logger *slog.Logger) (*demo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	journal, err := wal.OpenJournal(filepath.Join(dir, "jobs.wal"), wal.JournalOptions{Repair: true, Logger: logger})
	if err != nil {
		return nil, err
	}
	fs, err := content.NewFilesystem(dir, 0)
	if err != nil {
		journal.Close()
		return nil, err
	}

	// 模擬一個較慢的模型伺服器，讓 Ctrl+C 有機會抓到處理中的任務
	slow := executor.Func(func(ctx context.Context, inputs [][]byte) ([]executor.Prediction, error) {
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return executor.Digest{}.Predict(ctx, inputs)
	})

	cfg := engine.DefaultConfig()
	cfg.MaxBatchSize = 8
	e, err := engine.New(cfg, engine.Deps{
		Executor: executor.NewPreprocessor(slow, executor.PreprocessConfig{ResizeShort: 256, CropSize: 224}),
		Content:  fs,
		Sink:     journal,
		Logger:   logger,
	})
	if err != nil {
		journal.Close()
		return nil, err
	}
	if err := e.Start(); err != nil {
		journal.Close()
		return nil, err
	}
	return &demo{engine: e, journal: journal}, nil
}

func (d *demo) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.engine.Stop(ctx); err != nil {
		fmt.Printf("⚠️  engine stop: %v\n", err)
	}
	d.journal.Close()
	fmt.Println("✓ Engine stopped")
}

func (d *demo) run(refs []string) (types.JobSnapshot, error) {
	id, err := d.engine.Submit(context.Background(), refs)
	if err != nil {
		return types.JobSnapshot{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return d.engine.Wait(ctx, id)
}

func printJob(title string, job types.JobSnapshot) {
	fmt.Printf("\n📊 %s (%s)\n", title, job.ID)
	fmt.Printf("  Status:     %s\n", job.Status)
	fmt.Printf("  Succeeded:  %d/%d\n", job.Succeeded, job.Total)
	fmt.Printf("  Failed:     %d\n", job.Failed)
	fmt.Printf("  From cache: %d (hit rate %.0f%%)\n", job.Cached, job.CacheHitRate*100)
	for _, it := range job.Items {
		if it.Status == types.ItemFailed {
			fmt.Printf("  ❌ %s: %s (%s)\n", it.SourceRef, it.ErrorKind, it.Error)
		}
	}
}

// ============================================================================
// Modes
// ============================================================================

func runStart(dir string, logger *slog.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	scans, err := generateScans(dir, "scan", demoScans)
	if err != nil {
		return err
	}
	crash, err := generateScans(dir, "crash", crashScans)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "corrupt.png"), []byte("not an image"), 0o644); err != nil {
		return err
	}
	fmt.Printf("✓ Generated %d scans in %s\n", demoScans+crashScans, dir)

	d, err := newDemo(dir, logger)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	first, err := d.run(scans)
	if err != nil {
		d.close()
		return err
	}
	printJob("Job 1: fresh scans", first)

	second, err := d.run(append(append([]string(nil), scans...), "corrupt.png"))
	if err != nil {
		d.close()
		return err
	}
	printJob("Job 2: same scans plus one corrupt file", second)
	fmt.Println("\n💡 Identical content is never computed twice, and one bad item does not fail the job.")

	id, err := d.engine.Submit(context.Background(), crash)
	if err != nil {
		d.close()
		return err
	}
	fmt.Printf("\n✓ Submitted job 3 (%s) with %d scans\n", id, len(crash))
	fmt.Println("💡 Press Ctrl+C NOW to simulate a crash, then run './demo recover'")

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			// 不呼叫 Stop：日誌停在任務處理中的狀態
			fmt.Println("\n💥 Simulated crash: exiting without shutdown")
			os.Exit(1)
		case <-ticker.C:
			job, err := d.engine.Get(context.Background(), id)
			if err != nil {
				d.close()
				return err
			}
			fmt.Printf("  Job 3: %s, %d/%d done\n", job.Status, job.Succeeded+job.Failed, job.Total)
			if job.Status.Terminal() {
				fmt.Println("\n⚠️  Job 3 finished before the crash; run again and press Ctrl+C faster")
				d.close()
				return nil
			}
		}
	}
}

func runRecover(dir string, logger *slog.Logger) error {
	d, err := newDemo(dir, logger)
	if err != nil {
		return err
	}
	defer d.close()

	jobs, err := d.journal.List(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("\n📊 %d jobs in the journal after restart:\n", len(jobs))
	for _, job := range jobs {
		interrupted := 0
		for _, it := range job.Items {
			if it.ErrorKind == types.KindInternal {
				interrupted++
			}
		}
		fmt.Printf("  %s  %-16s  %d/%d succeeded", job.ID, job.Status, job.Succeeded, job.Total)
		if interrupted > 0 {
			fmt.Printf("  (%d items interrupted by the crash)", interrupted)
		}
		fmt.Println()
	}
	fmt.Println("\n💡 Interrupted jobs are closed on startup, so no job is left pending forever.")
	return nil
}
