package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/slot-scheduling/internal/db"
)

// The simulator hammers one doctor's day with concurrent advance and
// walk-in bookings, then verifies the uniqueness property directly against
// Postgres: at most one active appointment per slot index.

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	WalkInRatio float64
	ClinicID    string
	DoctorName  string
	Date        string
	PostgresDSN string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if cfg.ClinicID == "" || cfg.DoctorName == "" {
		log.Fatal("SIM_CLINIC_ID and SIM_DOCTOR_NAME are required")
	}
	if cfg.Date == "" {
		cfg.Date = time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	}

	log.Printf("config: duration=%s workers=%d walkin_ratio=%.2f doctor=%q date=%s",
		cfg.Duration, cfg.Workers, cfg.WalkInRatio, cfg.DoctorName, cfg.Date)

	var advance, walkIn OperationMetrics
	client := &http.Client{Timeout: 10 * time.Second}

	deadline := time.Now().Add(cfg.Duration)
	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if rand.Float64() < cfg.WalkInRatio {
					bookOnce(client, cfg, "WalkIn", &walkIn)
				} else {
					bookOnce(client, cfg, "Advance", &advance)
				}
			}
		}()
	}
	wg.Wait()

	report("advance", &advance)
	report("walk-in", &walkIn)

	if cfg.PostgresDSN != "" {
		if err := verifyUniqueness(cfg); err != nil {
			log.Fatalf("uniqueness check FAILED: %v", err)
		}
		log.Println("uniqueness check passed: at most one active appointment per slot")
	}
}

func bookOnce(client *http.Client, cfg SimConfig, kind string, metrics *OperationMetrics) {
	body, _ := json.Marshal(map[string]any{
		"clinic_id":   cfg.ClinicID,
		"doctor_name": cfg.DoctorName,
		"date":        cfg.Date,
		"type":        kind,
		"patient_ref": uuid.NewString(),
	})

	start := time.Now()
	resp, err := client.Post(cfg.APIBaseURL+"/bookings", "application/json", bytes.NewReader(body))
	latency := time.Since(start)
	if err != nil {
		metrics.Record(latency, false, false)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusCreated:
		metrics.Record(latency, true, false)
	case resp.StatusCode == http.StatusConflict:
		metrics.Record(latency, false, true)
	default:
		metrics.Record(latency, false, false)
	}
}

func report(name string, om *OperationMetrics) {
	avg, min, max, p50, p95 := om.Stats()
	fmt.Printf("%s: total=%d success=%d conflict=%d error=%d avg=%s min=%s max=%s p50=%s p95=%s\n",
		name,
		atomic.LoadInt64(&om.Total),
		atomic.LoadInt64(&om.Success),
		atomic.LoadInt64(&om.Conflict),
		atomic.LoadInt64(&om.Error),
		avg, min, max, p50, p95,
	)
}

func verifyUniqueness(cfg SimConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	return checkActiveSlotUniqueness(ctx, pool, cfg)
}

func checkActiveSlotUniqueness(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) error {
	rows, err := pool.Query(ctx, `
		SELECT slot_index, count(*)
		FROM appointments
		WHERE clinic_id = $1 AND doctor_name = $2 AND date = $3
		  AND status IN ('Pending', 'Confirmed', 'Skipped', 'Completed')
		GROUP BY slot_index
		HAVING count(*) > 1
	`, cfg.ClinicID, cfg.DoctorName, cfg.Date)
	if err != nil {
		return err
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var slotIndex, count int
		if err := rows.Scan(&slotIndex, &count); err != nil {
			return err
		}
		violations = append(violations, fmt.Sprintf("slot %d has %d active appointments", slotIndex, count))
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(violations) > 0 {
		return fmt.Errorf("%v", violations)
	}
	return nil
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:  getEnv("SIM_API_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 20),
		WalkInRatio: getFloat("SIM_WALKIN_RATIO", 0.3),
		ClinicID:    os.Getenv("SIM_CLINIC_ID"),
		DoctorName:  os.Getenv("SIM_DOCTOR_NAME"),
		Date:        os.Getenv("SIM_DATE"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
