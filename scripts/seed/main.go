// Command seed populates a development database with demo accounts,
// subjects, enrollments and schedule rules. It is idempotent: rows
// are inserted with ON CONFLICT DO NOTHING so repeated runs leave an
// already seeded database untouched.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/labqueue-io/lab-queue-api/internal/models"
	"github.com/labqueue-io/lab-queue-api/pkg/config"
	"github.com/labqueue-io/lab-queue-api/pkg/database"
)

type seedUser struct {
	Email    string
	Password string
	FullName string
	Role     models.UserRole
}

type seedRule struct {
	SubjectCode     string
	DayOfWeek       int
	StartTime       string
	DurationMinutes int
	WeekParity      string
}

var users = []seedUser{
	{"admin@labqueue.local", "admin123", "Site Admin", models.RoleAdmin},
	{"instructor@labqueue.local", "teach123", "Irene Instructor", models.RoleInstructor},
	{"alice@labqueue.local", "student1", "Alice Anders", models.RoleStudent},
	{"bob@labqueue.local", "student1", "Bob Brown", models.RoleStudent},
	{"carol@labqueue.local", "student1", "Carol Clark", models.RoleStudent},
}

var subjects = []models.Subject{
	{Code: "OS-301", Name: "Operating Systems", Description: "Process scheduling and memory management labs"},
	{Code: "DB-210", Name: "Database Systems", Description: "Relational modelling and SQL labs"},
	{Code: "NET-220", Name: "Computer Networks", Description: "Socket programming and protocol labs"},
}

var rules = []seedRule{
	{"OS-301", 1, "10:00", 90, "all"},
	{"OS-301", 4, "14:00", 90, "odd"},
	{"DB-210", 2, "12:00", 120, "all"},
	{"NET-220", 3, "09:00", 90, "even"},
	{"NET-220", 5, "15:30", 60, "all"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	userIDs, err := seedUsers(ctx, db)
	if err != nil {
		log.Fatalf("seed users: %v", err)
	}

	subjectIDs, err := seedSubjects(ctx, db)
	if err != nil {
		log.Fatalf("seed subjects: %v", err)
	}

	if err := seedEnrollments(ctx, db, userIDs, subjectIDs); err != nil {
		log.Fatalf("seed enrollments: %v", err)
	}

	if err := seedSchedules(ctx, db, subjectIDs); err != nil {
		log.Fatalf("seed schedules: %v", err)
	}

	log.Printf("seed complete: %d users, %d subjects, %d schedule rules", len(users), len(subjects), len(rules))
}

func seedUsers(ctx context.Context, db *sqlx.DB) (map[string]string, error) {
	const query = `INSERT INTO users (id, email, password_hash, full_name, role, active, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), NOW())
        ON CONFLICT (email) DO NOTHING`

	ids := make(map[string]string, len(users))
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password for %s: %w", u.Email, err)
		}
		if _, err := db.ExecContext(ctx, query, uuid.NewString(), u.Email, string(hash), u.FullName, u.Role); err != nil {
			return nil, fmt.Errorf("insert user %s: %w", u.Email, err)
		}
		// The insert may have been a no-op; always read the real id back.
		var id string
		if err := db.GetContext(ctx, &id, `SELECT id FROM users WHERE email = $1`, u.Email); err != nil {
			return nil, fmt.Errorf("resolve user %s: %w", u.Email, err)
		}
		ids[u.Email] = id
	}
	return ids, nil
}

func seedSubjects(ctx context.Context, db *sqlx.DB) (map[string]string, error) {
	const query = `INSERT INTO subjects (id, code, name, description, created_at, updated_at)
        VALUES ($1, $2, $3, $4, NOW(), NOW())
        ON CONFLICT (code) DO NOTHING`

	ids := make(map[string]string, len(subjects))
	for _, s := range subjects {
		if _, err := db.ExecContext(ctx, query, uuid.NewString(), s.Code, s.Name, s.Description); err != nil {
			return nil, fmt.Errorf("insert subject %s: %w", s.Code, err)
		}
		var id string
		if err := db.GetContext(ctx, &id, `SELECT id FROM subjects WHERE code = $1`, s.Code); err != nil {
			return nil, fmt.Errorf("resolve subject %s: %w", s.Code, err)
		}
		ids[s.Code] = id
	}
	return ids, nil
}

func seedEnrollments(ctx context.Context, db *sqlx.DB, userIDs, subjectIDs map[string]string) error {
	const query = `INSERT INTO enrollments (id, student_id, subject_id, joined_at, status)
        VALUES ($1, $2, $3, NOW(), $4)
        ON CONFLICT (student_id, subject_id) DO NOTHING`

	students := []string{"alice@labqueue.local", "bob@labqueue.local", "carol@labqueue.local"}
	for _, email := range students {
		for _, s := range subjects {
			if _, err := db.ExecContext(ctx, query, uuid.NewString(), userIDs[email], subjectIDs[s.Code], models.EnrollmentStatusActive); err != nil {
				return fmt.Errorf("enroll %s in %s: %w", email, s.Code, err)
			}
		}
	}
	return nil
}

func seedSchedules(ctx context.Context, db *sqlx.DB, subjectIDs map[string]string) error {
	const query = `INSERT INTO schedule_rules (id, subject_id, day_of_week, start_time, duration_minutes, week_parity, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        ON CONFLICT (subject_id, day_of_week, start_time) DO NOTHING`

	for _, r := range rules {
		if _, err := db.ExecContext(ctx, query, uuid.NewString(), subjectIDs[r.SubjectCode],
			r.DayOfWeek, r.StartTime, r.DurationMinutes, r.WeekParity); err != nil {
			return fmt.Errorf("insert rule %s/%d: %w", r.SubjectCode, r.DayOfWeek, err)
		}
	}
	return nil
}
