package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateRecord is returned by Store.InsertRecord when the
// (student, day[, subject]) uniqueness constraint fired. The database
// index is the authoritative guard against near-simultaneous scans; the
// resolver downgrades the violation to an "already timed in" rejection.
var ErrDuplicateRecord = errors.New("attendance record already exists")

// Store is the persistence collaborator the resolver works against.
// Lookups return (nil, nil) when no row matches.
type Store interface {
	StudentByLRN(ctx context.Context, lrn string) (*Student, error)
	SubjectByID(ctx context.Context, id string) (*Subject, error)
	FirstSubjectForSection(ctx context.Context, sectionID string) (*Subject, error)
	RecordForDay(ctx context.Context, studentID string, day time.Time, subjectID *string) (*Record, error)
	// EarliestTimeIn finds the first arrival for (subject, day) across all
	// students except excludeStudentID. A student's own record must not
	// serve as its own anchor.
	EarliestTimeIn(ctx context.Context, subjectID string, day time.Time, excludeStudentID string) (*time.Time, error)
	InsertRecord(ctx context.Context, rec Record) (Record, error)
	UpdateRecord(ctx context.Context, rec Record) error
}

// Lateness policy modes.
const (
	LateModeCutoff        = "cutoff"
	LateModeSubjectAnchor = "subject_anchor"
)

// Policy configures how scan events are resolved. The two lateness
// variants and the orphan time_out handling are deliberate configuration,
// not inferred behavior.
type Policy struct {
	Mode      string
	Cutoff    string        // wall clock "15:04", cutoff mode
	Threshold time.Duration // grace window after the anchor, subject_anchor mode
	// AllowOrphanTimeOut creates a time_out-only record when a student
	// scans out without having scanned in. Off by default: the
	// recommended behavior is to reject the scan.
	AllowOrphanTimeOut bool
	Location           *time.Location
}

// Resolver applies the attendance event resolution rules: one record per
// (student, day[, subject]), time_in before time_out, duplicate scans
// rejected with the previously recorded time.
type Resolver struct {
	store  Store
	policy Policy
	cutoff time.Duration // offset of the cutoff clock from midnight
}

// NewResolver builds a resolver, normalizing policy defaults.
func NewResolver(store Store, policy Policy) *Resolver {
	if policy.Mode == "" {
		policy.Mode = LateModeCutoff
	}
	if policy.Threshold <= 0 {
		policy.Threshold = 30 * time.Minute
	}
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	cutoff := 8 * time.Hour
	if t, err := time.Parse("15:04", policy.Cutoff); err == nil {
		cutoff = time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	}
	return &Resolver{store: store, policy: policy, cutoff: cutoff}
}

// Resolve decides whether a scan event creates, updates or rejects an
// attendance record, and computes the resulting status. Rule violations
// come back as rejected ScanResults; the error return is reserved for
// storage failures.
func (r *Resolver) Resolve(ctx context.Context, evt ScanEvent) (ScanResult, error) {
	if evt.LRN == "" {
		return reject("", "Invalid QR code - LRN is required"), nil
	}
	if evt.Action != ActionTimeIn && evt.Action != ActionTimeOut {
		return reject("", fmt.Sprintf("Unknown action %q", evt.Action)), nil
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	at := evt.At.In(r.policy.Location)
	day := dayOf(at)

	student, err := r.store.StudentByLRN(ctx, evt.LRN)
	if err != nil {
		return ScanResult{}, fmt.Errorf("lookup student: %w", err)
	}
	if student == nil {
		return reject(ReasonStudentNotFound, fmt.Sprintf("No student found with LRN: %s", evt.LRN)), nil
	}

	var subject *Subject
	if r.policy.Mode == LateModeSubjectAnchor {
		subject, err = r.resolveSubject(ctx, *student, evt.SubjectID)
		if err != nil {
			return ScanResult{}, err
		}
		if subject == nil {
			res := reject(ReasonNoSubject, "No subject assigned to this section")
			res.Student = student
			return res, nil
		}
	}

	var subjectID *string
	if subject != nil {
		subjectID = &subject.ID
	}

	rec, err := r.store.RecordForDay(ctx, student.ID, day, subjectID)
	if err != nil {
		return ScanResult{}, fmt.Errorf("lookup record: %w", err)
	}

	var res ScanResult
	switch evt.Action {
	case ActionTimeIn:
		res, err = r.timeIn(ctx, *student, subjectID, day, at, rec)
	case ActionTimeOut:
		res, err = r.timeOut(ctx, *student, subjectID, day, at, rec)
	}
	if err != nil {
		return ScanResult{}, err
	}
	res.Student = student
	res.Subject = subject
	return res, nil
}

func (r *Resolver) timeIn(ctx context.Context, student Student, subjectID *string, day, at time.Time, rec *Record) (ScanResult, error) {
	if rec != nil && rec.TimeIn != nil {
		res := reject(ReasonAlreadyTimedIn,
			fmt.Sprintf("%s has already timed in at %s", student.FullName(), clock(*rec.TimeIn, r.policy.Location)))
		res.Status = rec.Status
		res.TimeIn = rec.TimeIn
		res.TimeOut = rec.TimeOut
		res.Record = rec
		return res, nil
	}

	if rec != nil {
		// Orphan record from the legacy time_out-first path: claim it.
		rec.TimeIn = &at
		status, err := r.recordStatus(ctx, *rec)
		if err != nil {
			return ScanResult{}, err
		}
		rec.Status = status
		if err := r.store.UpdateRecord(ctx, *rec); err != nil {
			return ScanResult{}, fmt.Errorf("update record: %w", err)
		}
		return accepted(*rec, fmt.Sprintf("Time in recorded for %s", student.FullName())), nil
	}

	fresh := Record{
		StudentID: student.ID,
		SubjectID: subjectID,
		Day:       day,
		TimeIn:    &at,
	}
	status, err := r.recordStatus(ctx, fresh)
	if err != nil {
		return ScanResult{}, err
	}
	fresh.Status = status

	created, err := r.store.InsertRecord(ctx, fresh)
	if errors.Is(err, ErrDuplicateRecord) {
		// Lost a race against a concurrent scan for the same key.
		// Re-read once and report the winner's time.
		existing, rerr := r.store.RecordForDay(ctx, student.ID, day, subjectID)
		if rerr != nil {
			return ScanResult{}, fmt.Errorf("re-read after conflict: %w", rerr)
		}
		if existing != nil && existing.TimeIn != nil {
			res := reject(ReasonAlreadyTimedIn,
				fmt.Sprintf("%s has already timed in at %s", student.FullName(), clock(*existing.TimeIn, r.policy.Location)))
			res.Status = existing.Status
			res.TimeIn = existing.TimeIn
			res.Record = existing
			return res, nil
		}
		return reject(ReasonAlreadyTimedIn, fmt.Sprintf("Attendance already recorded for %s today", student.FullName())), nil
	}
	if err != nil {
		return ScanResult{}, fmt.Errorf("insert record: %w", err)
	}
	return accepted(created, fmt.Sprintf("Time in recorded for %s", student.FullName())), nil
}

func (r *Resolver) timeOut(ctx context.Context, student Student, subjectID *string, day, at time.Time, rec *Record) (ScanResult, error) {
	if rec == nil || rec.TimeIn == nil {
		if rec == nil && r.policy.AllowOrphanTimeOut {
			orphan := Record{
				StudentID: student.ID,
				SubjectID: subjectID,
				Day:       day,
				TimeOut:   &at,
				Status:    StatusPresent,
			}
			created, err := r.store.InsertRecord(ctx, orphan)
			if err != nil && !errors.Is(err, ErrDuplicateRecord) {
				return ScanResult{}, fmt.Errorf("insert record: %w", err)
			}
			if err == nil {
				return accepted(created, fmt.Sprintf("Time out recorded for %s", student.FullName())), nil
			}
			// fall through to the rejection below on a create race
		}
		return reject(ReasonNotTimedIn, fmt.Sprintf("%s has not timed in yet today", student.FullName())), nil
	}
	if rec.TimeOut != nil {
		res := reject(ReasonAlreadyTimedOut,
			fmt.Sprintf("%s has already timed out at %s", student.FullName(), clock(*rec.TimeOut, r.policy.Location)))
		res.Status = rec.Status
		res.TimeIn = rec.TimeIn
		res.TimeOut = rec.TimeOut
		res.Record = rec
		return res, nil
	}

	rec.TimeOut = &at
	status, err := r.recordStatus(ctx, *rec)
	if err != nil {
		return ScanResult{}, err
	}
	rec.Status = status
	if err := r.store.UpdateRecord(ctx, *rec); err != nil {
		return ScanResult{}, fmt.Errorf("update record: %w", err)
	}
	dur := at.Sub(rec.TimeIn.In(r.policy.Location))
	msg := fmt.Sprintf("Time out recorded for %s. Duration: %s", student.FullName(), fmtDuration(dur))
	return accepted(*rec, msg), nil
}

// recordStatus recomputes a record's status under the configured lateness
// policy. EXCUSED is sticky and a record without time_in keeps whatever
// it has.
func (r *Resolver) recordStatus(ctx context.Context, rec Record) (Status, error) {
	if rec.Status == StatusExcused {
		return StatusExcused, nil
	}
	if rec.TimeIn == nil {
		if rec.Status == "" {
			return StatusPresent, nil
		}
		return rec.Status, nil
	}

	switch r.policy.Mode {
	case LateModeSubjectAnchor:
		if rec.SubjectID == nil {
			return StatusPresent, nil
		}
		first, err := r.store.EarliestTimeIn(ctx, *rec.SubjectID, rec.Day, rec.StudentID)
		if err != nil {
			return "", fmt.Errorf("lookup first arrival: %w", err)
		}
		if first == nil {
			// First student of the day anchors the subject and is
			// always on time.
			return StatusPresent, nil
		}
		return deriveStatus(rec.Status, rec.TimeIn, first.In(r.policy.Location), r.policy.Threshold), nil
	default:
		// rec.Day read back from a DATE column carries UTC midnight, not
		// school-local midnight, so the anchor is rebuilt from its
		// calendar components in the school zone.
		anchor := time.Date(rec.Day.Year(), rec.Day.Month(), rec.Day.Day(), 0, 0, 0, 0, r.policy.Location).Add(r.cutoff)
		return deriveStatus(rec.Status, rec.TimeIn, anchor, 0), nil
	}
}

// resolveSubject picks the subject a scan applies to: the explicit one
// from the payload when present, otherwise the first subject of the
// student's section.
func (r *Resolver) resolveSubject(ctx context.Context, student Student, subjectID string) (*Subject, error) {
	if subjectID != "" {
		subj, err := r.store.SubjectByID(ctx, subjectID)
		if err != nil {
			return nil, fmt.Errorf("lookup subject: %w", err)
		}
		return subj, nil
	}
	if student.SectionID == "" {
		return nil, nil
	}
	subj, err := r.store.FirstSubjectForSection(ctx, student.SectionID)
	if err != nil {
		return nil, fmt.Errorf("lookup section subject: %w", err)
	}
	return subj, nil
}

func reject(reason, message string) ScanResult {
	return ScanResult{Accepted: false, Reason: reason, Message: message}
}

func accepted(rec Record, message string) ScanResult {
	return ScanResult{
		Accepted: true,
		Status:   rec.Status,
		TimeIn:   rec.TimeIn,
		TimeOut:  rec.TimeOut,
		Message:  message,
		Record:   &rec,
	}
}

// dayOf truncates a localized timestamp to its calendar day.
func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func clock(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("03:04 PM")
}

func fmtDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", h, m)
}
