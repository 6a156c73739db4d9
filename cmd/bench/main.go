package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/audit"
	"github.com/oktsec/attestd/internal/device"
	"github.com/oktsec/attestd/internal/identity"
	"github.com/oktsec/attestd/internal/pipeline"
	"github.com/oktsec/attestd/internal/policy"
	"github.com/oktsec/attestd/internal/replay"
	"github.com/oktsec/attestd/internal/store"
	"github.com/oktsec/attestd/internal/worker"
)

const (
	devices  = 50
	goodPCR  = "a3f5d8c2e1b4a6f7c9d2e5b8a1f4c7d0e3b6a9f2c5d8e1b4a7f0c3d6e9b2a5f8"
	otherPCR = "0000000000000000000000000000000000000000000000000000000000000000"
)

type fleetDevice struct {
	d  *attest.Device
	kp *identity.Keypair
}

func main() {
	dir, _ := os.MkdirTemp("", "attestd-bench-*")
	defer func() { _ = os.RemoveAll(dir) }()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := store.OpenSQLite(filepath.Join(dir, "bench.db"), logger)
	if err != nil {
		panic(err)
	}
	defer func() { _ = s.Close() }()

	set, err := policy.NewSet("bench", policy.Policy{
		ID: "baseline", Name: "Boot baseline", Version: 1, Kind: policy.KindPCRBaseline,
		Baseline: map[int]string{0: goodPCR},
	})
	if err != nil {
		panic(err)
	}

	reg := identity.NewRegistry(identity.DefaultSchemes()...)
	pool := worker.NewPool(runtime.NumCPU(), logger)
	defer func() { _ = pool.Close(ctx) }()

	p, err := pipeline.New(pipeline.Deps{
		Store:    s,
		Guard:    replay.NewGuard(s, 0, 0),
		Verifier: reg,
		Policies: policy.NewStatic(set),
		Machine:  device.NewMachine(1000, time.Hour),
		Events:   audit.NewRecorder(logger, audit.SinkFunc(s.AppendEvent)),
		Executor: pool,
		Logger:   logger,
	}, pipeline.Config{})
	if err != nil {
		panic(err)
	}
	defer p.Close()

	fleet := make([]fleetDevice, devices)
	for i := range fleet {
		kp, err := identity.GenerateKeypair(reg, fmt.Sprintf("bench-%d", i), identity.AlgEd25519)
		if err != nil {
			panic(err)
		}
		d, err := p.RegisterDevice(ctx, pipeline.Registration{
			Serial:     fmt.Sprintf("BENCH-%04d", i),
			Class:      "gateway",
			PublicKeys: []attest.PublicKey{{Algorithm: kp.Algorithm, Key: kp.PublicKey}},
		})
		if err != nil {
			panic(err)
		}
		fleet[i] = fleetDevice{d: d, kp: kp}
	}

	scales := []int{1000, 5000, 10000, 25000}

	fmt.Printf("=== ATTESTATION BENCHMARK (%d devices, %d workers) ===\n", devices, runtime.NumCPU())
	fmt.Println()

	written := 0
	for _, target := range scales {
		toWrite := target - written
		if toWrite <= 0 {
			continue
		}

		start := time.Now()
		ids := make([]string, 0, toWrite)
		for j := range toWrite {
			fd := fleet[(written+j)%devices]
			pcr := goodPCR
			if (written+j)%7 == 0 {
				pcr = otherPCR
			}
			payload := attest.ReportPayload{
				ReportVersion: attest.ReportVersion,
				Timestamp:     time.Now().UTC(),
				Nonce:         uuid.NewString(),
				Measurements:  []attest.Measurement{{Index: 0, Type: "pcr", Algorithm: "sha256", Value: pcr}},
			}
			if err := identity.SignReport(reg, fd.kp, fd.d.Serial, &payload); err != nil {
				panic(err)
			}
			rcpt, err := p.Submit(ctx, fd.d.ID, payload)
			if err != nil {
				panic(err)
			}
			ids = append(ids, rcpt.ReportID)
		}
		submitTime := time.Since(start)

		for _, id := range ids {
			if _, err := p.Verify(ctx, id); err != nil {
				panic(err)
			}
		}
		totalTime := time.Since(start)
		written = target

		_, _ = s.DB().Exec("ANALYZE")

		type benchmark struct {
			name string
			fn   func()
		}
		now := time.Now().UTC()
		sample := fleet[0].d.ID
		benchmarks := []benchmark{
			{"Recent 50", func() { _, _ = s.FindReports(ctx, store.ReportFilter{}, store.Page{Limit: 50}) }},
			{"Device history", func() { _, _ = s.FindReports(ctx, store.ReportFilter{DeviceID: sample}, store.Page{Limit: 50}) }},
			{"Non-compliant", func() {
				_, _ = s.FindReports(ctx, store.ReportFilter{Compliance: attest.ComplianceNonCompliant}, store.Page{Limit: 50})
			}},
			{"Stats (24h)", func() { _, _ = s.ReportStats(ctx, now.Add(-24*time.Hour), now) }},
			{"Events (high)", func() {
				_, _ = s.QueryEvents(ctx, store.EventFilter{Severity: attest.SeverityHigh}, store.Page{Limit: 50})
			}},
			{"Pending scan", func() { _, _ = s.ListPending(ctx, now, 0) }},
		}

		fi, _ := os.Stat(filepath.Join(dir, "bench.db"))
		wal, _ := os.Stat(filepath.Join(dir, "bench.db-wal"))
		dbMB := float64(fi.Size()) / (1024 * 1024)
		walMB := float64(0)
		if wal != nil {
			walMB = float64(wal.Size()) / (1024 * 1024)
		}

		fmt.Printf("--- %d reports | %.1f MB | %.0f submits/sec | %.0f verdicts/sec ---\n",
			written, dbMB+walMB, float64(toWrite)/submitTime.Seconds(), float64(toWrite)/totalTime.Seconds())

		iters := 20
		for _, b := range benchmarks {
			start := time.Now()
			for range iters {
				b.fn()
			}
			elapsed := time.Since(start)
			avgMs := float64(elapsed.Microseconds()) / float64(iters) / 1000.0
			fmt.Printf("  %-22s %7.1f ms\n", b.name, avgMs)
		}
		fmt.Println()
	}
}
