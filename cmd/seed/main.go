package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/slot-scheduling/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	clinics, err := seedClinics(context.Background(), pool, 5)
	if err != nil {
		log.Fatalf("seed clinics: %v", err)
	}
	if err := seedDoctors(context.Background(), pool, clinics, 40); err != nil {
		log.Fatalf("seed doctors: %v", err)
	}

	log.Println("seed complete")
}

func seedClinics(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d clinics", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Company() + " Clinic"

		_, err := tx.Exec(ctx, `
			INSERT INTO clinics (id, name, created_at, updated_at)
			VALUES ($1, $2, now(), now())
		`, id, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("clinics seeded")
	return ids, nil
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, clinics []uuid.UUID, count int) error {
	log.Printf("seeding %d doctors", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	// Morning and evening session templates, minutes from midnight.
	sessions := [][2]int{
		{9 * 60, 13 * 60},
		{17 * 60, 20 * 60},
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		clinicID := clinics[gofakeit.Number(0, len(clinics)-1)]
		name := "Dr. " + gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]
		consult := []int{10, 15, 20}[gofakeit.Number(0, 2)]
		spacing := gofakeit.Number(0, 3)

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, clinic_id, name, specialty, avg_consult_minutes, walkin_spacing, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		`, id, clinicID, name, spec, consult, spacing)
		if err != nil {
			return err
		}

		// Monday through Saturday, one or two sessions per day.
		for weekday := 1; weekday <= 6; weekday++ {
			sessionCount := gofakeit.Number(1, 2)
			for pos := 0; pos < sessionCount; pos++ {
				win := sessions[pos]
				_, err := tx.Exec(ctx, `
					INSERT INTO doctor_sessions (id, doctor_id, weekday, position, start_minute, end_minute)
					VALUES ($1, $2, $3, $4, $5, $6)
				`, uuid.New(), id, weekday, pos, win[0], win[1])
				if err != nil {
					return err
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("doctors seeded")
	return nil
}
