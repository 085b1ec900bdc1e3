package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrLRNExists is returned when registering a student whose LRN is taken.
var ErrLRNExists = errors.New("lrn already registered")

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- students ---

// CreateStudent inserts a student. The student_id is drawn from a
// database sequence so concurrent registrations never collide, formatted
// STD0001 style.
func (r *Repository) CreateStudent(ctx context.Context, s Student) (Student, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	var sectionID interface{}
	if s.SectionID != "" {
		sectionID = s.SectionID
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (id, lrn, student_id, first_name, last_name, email, section_id, parent_name, parent_email, parent_mobile)
		VALUES ($1, $2, 'STD' || lpad(nextval('student_number_seq')::text, 4, '0'), $3, $4, $5, $6, $7, $8, $9)
		RETURNING student_id, created_at
	`, s.ID, s.LRN, s.FirstName, s.LastName, s.Email, sectionID, s.ParentName, s.ParentEmail, s.ParentMobile)
	if err := row.Scan(&s.StudentID, &s.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Student{}, ErrLRNExists
		}
		return Student{}, err
	}
	return s, nil
}

const studentColumns = `
	s.id, s.lrn, s.student_id, s.first_name, s.last_name, s.email,
	COALESCE(s.section_id::text, ''), COALESCE(sec.name, ''),
	s.parent_name, s.parent_email, s.parent_mobile, s.created_at`

func scanStudent(row interface{ Scan(...any) error }) (Student, error) {
	var s Student
	err := row.Scan(&s.ID, &s.LRN, &s.StudentID, &s.FirstName, &s.LastName, &s.Email,
		&s.SectionID, &s.Section, &s.ParentName, &s.ParentEmail, &s.ParentMobile, &s.CreatedAt)
	return s, err
}

// StudentByLRN returns the student identified by a scanned LRN, or nil.
func (r *Repository) StudentByLRN(ctx context.Context, lrn string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+studentColumns+`
		FROM students s LEFT JOIN sections sec ON sec.id = s.section_id
		WHERE s.lrn = $1
	`, lrn)
	s, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListStudents returns all students ordered by name.
func (r *Repository) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+studentColumns+`
		FROM students s LEFT JOIN sections sec ON sec.id = s.section_id
		ORDER BY s.last_name, s.first_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

// --- sections and subjects ---

// CreateSubject inserts a subject; duplicate codes upsert the name.
func (r *Repository) CreateSubject(ctx context.Context, subj Subject) (Subject, error) {
	if subj.ID == "" {
		subj.ID = uuid.NewString()
	}
	if subj.Department == "" {
		subj.Department = "JHS"
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO subjects (id, code, name, department)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, subj.ID, subj.Code, subj.Name, subj.Department)
	if err := row.Scan(&subj.ID); err != nil {
		return Subject{}, err
	}
	return subj, nil
}

// ListSubjects returns all subjects ordered by code.
func (r *Repository) ListSubjects(ctx context.Context) ([]Subject, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, code, name, department FROM subjects ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subjects []Subject
	for rows.Next() {
		var s Subject
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.Department); err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

// SubjectByID returns a subject or nil.
func (r *Repository) SubjectByID(ctx context.Context, id string) (*Subject, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, code, name, department FROM subjects WHERE id = $1
	`, id)
	var s Subject
	if err := row.Scan(&s.ID, &s.Code, &s.Name, &s.Department); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// CreateSection inserts a section and links its subjects in order.
func (r *Repository) CreateSection(ctx context.Context, sec Section) (Section, error) {
	if sec.ID == "" {
		sec.ID = uuid.NewString()
	}
	if sec.Department == "" {
		sec.Department = "JHS"
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Section{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO sections (id, name, department)
		VALUES ($1, $2, $3)
		ON CONFLICT (name, department) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, sec.ID, sec.Name, sec.Department)
	if err := row.Scan(&sec.ID); err != nil {
		return Section{}, err
	}
	for i, subjectID := range sec.Subjects {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO section_subjects (section_id, subject_id, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (section_id, subject_id) DO UPDATE SET position = EXCLUDED.position
		`, sec.ID, subjectID, i); err != nil {
			return Section{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Section{}, err
	}
	return sec, nil
}

// FirstSubjectForSection returns the section's first subject, or nil when
// the section has none assigned.
func (r *Repository) FirstSubjectForSection(ctx context.Context, sectionID string) (*Subject, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT sub.id, sub.code, sub.name, sub.department
		FROM section_subjects ss
		JOIN subjects sub ON sub.id = ss.subject_id
		WHERE ss.section_id = $1
		ORDER BY ss.position, sub.code
		LIMIT 1
	`, sectionID)
	var s Subject
	if err := row.Scan(&s.ID, &s.Code, &s.Name, &s.Department); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// --- attendance records ---

const recordColumns = `id, student_id, subject_id, day, time_in, time_out, status, remarks, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	var subjectID sql.NullString
	err := row.Scan(&rec.ID, &rec.StudentID, &subjectID, &rec.Day, &rec.TimeIn, &rec.TimeOut,
		&rec.Status, &rec.Remarks, &rec.CreatedAt, &rec.UpdatedAt)
	if subjectID.Valid {
		rec.SubjectID = &subjectID.String
	}
	return rec, err
}

// RecordForDay returns the record for the uniqueness key, or nil.
func (r *Repository) RecordForDay(ctx context.Context, studentID string, day time.Time, subjectID *string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records WHERE student_id = $1 AND day = $2`
	args := []any{studentID, day}
	if subjectID == nil {
		query += ` AND subject_id IS NULL`
	} else {
		query += ` AND subject_id = $3`
		args = append(args, *subjectID)
	}
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// EarliestTimeIn returns the first recorded arrival for (subject, day)
// across all students except excludeStudentID, or nil when nobody has
// arrived yet.
func (r *Repository) EarliestTimeIn(ctx context.Context, subjectID string, day time.Time, excludeStudentID string) (*time.Time, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT time_in FROM attendance_records
		WHERE subject_id = $1 AND day = $2 AND time_in IS NOT NULL AND student_id <> $3
		ORDER BY time_in
		LIMIT 1
	`, subjectID, day, excludeStudentID)
	var t time.Time
	if err := row.Scan(&t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// InsertRecord writes a new record. A uniqueness-constraint race maps to
// ErrDuplicateRecord so the resolver can re-read and reject cleanly.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusPresent
	}
	var subjectID interface{}
	if rec.SubjectID != nil {
		subjectID = *rec.SubjectID
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, subject_id, day, time_in, time_out, status, remarks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, rec.ID, rec.StudentID, subjectID, rec.Day, rec.TimeIn, rec.TimeOut, rec.Status, rec.Remarks)
	if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrDuplicateRecord
		}
		return Record{}, err
	}
	return rec, nil
}

// UpdateRecord persists time and status mutations.
func (r *Repository) UpdateRecord(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET time_in = $2, time_out = $3, status = $4, remarks = $5, updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.TimeIn, rec.TimeOut, rec.Status, rec.Remarks)
	return err
}

// RecordByID returns a record or nil.
func (r *Repository) RecordByID(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Excuse marks a record EXCUSED with an explanatory remark. This is the
// only path that assigns EXCUSED; the resolver preserves it afterwards.
func (r *Repository) Excuse(ctx context.Context, id, remarks string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $2, remarks = $3, updated_at = NOW()
		WHERE id = $1
	`, id, StatusExcused, remarks)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListRecords returns records between two days inclusive, optionally
// filtered by LRN, newest first.
func (r *Repository) ListRecords(ctx context.Context, from, to time.Time, lrn string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT a.id, a.student_id, a.subject_id, a.day, a.time_in, a.time_out, a.status, a.remarks, a.created_at, a.updated_at
		FROM attendance_records a
		JOIN students s ON s.id = a.student_id
		WHERE a.day >= $1 AND a.day <= $2`
	args := []any{from, to}
	if lrn != "" {
		args = append(args, lrn)
		query += fmt.Sprintf(" AND s.lrn = $%d", len(args))
	}
	query += fmt.Sprintf(" ORDER BY a.day DESC, a.time_in DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// RecordsForDay returns every record for one calendar day.
func (r *Repository) RecordsForDay(ctx context.Context, day time.Time) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records WHERE day = $1 ORDER BY time_in
	`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// --- scanner devices ---

// UpsertDevice ensures a scanner kiosk record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, device_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, deviceID, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}
