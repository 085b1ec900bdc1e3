package attendance

import "time"

// Status is the derived attendance state of a record.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	StatusAbsent  Status = "ABSENT"
	StatusExcused Status = "EXCUSED"
)

// Action is the scan direction carried in a QR scan event.
type Action string

const (
	ActionTimeIn  Action = "time_in"
	ActionTimeOut Action = "time_out"
)

// Student is the registered identity behind a QR badge.
type Student struct {
	ID           string    `json:"id"`
	LRN          string    `json:"lrn"`
	StudentID    string    `json:"student_id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Email        string    `json:"email,omitempty"`
	SectionID    string    `json:"section_id,omitempty"`
	Section      string    `json:"section,omitempty"`
	ParentName   string    `json:"parent_name,omitempty"`
	ParentEmail  string    `json:"parent_email,omitempty"`
	ParentMobile string    `json:"parent_mobile,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FullName returns "First Last" for user-facing messages.
func (s Student) FullName() string {
	return s.FirstName + " " + s.LastName
}

// Subject is a class subject, e.g. MATH7.
type Subject struct {
	ID         string `json:"id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
	Department string `json:"department"`
}

// Section groups students and carries an ordered subject list.
type Section struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Department string   `json:"department"`
	Subjects   []string `json:"subjects,omitempty"`
}

// Record is the single attendance row per (student, day[, subject]).
// SubjectID is nil in daily mode.
type Record struct {
	ID        string     `json:"id"`
	StudentID string     `json:"student_id"`
	SubjectID *string    `json:"subject_id,omitempty"`
	Day       time.Time  `json:"day"`
	TimeIn    *time.Time `json:"time_in,omitempty"`
	TimeOut   *time.Time `json:"time_out,omitempty"`
	Status    Status     `json:"status"`
	Remarks   string     `json:"remarks,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ScanEvent is the decoded QR scan payload plus the event clock.
type ScanEvent struct {
	LRN       string
	Action    Action
	SubjectID string
	At        time.Time
}

// Rejection reasons surfaced in ScanResult.Reason.
const (
	ReasonStudentNotFound = "student_not_found"
	ReasonNoSubject       = "no_subject_for_section"
	ReasonAlreadyTimedIn  = "already_timed_in"
	ReasonAlreadyTimedOut = "already_timed_out"
	ReasonNotTimedIn      = "not_timed_in"
)

// ScanResult is the structured outcome of resolving a scan event.
// Rejections are results, not errors: only infrastructure failures
// surface through the error return of Resolve.
type ScanResult struct {
	Accepted bool       `json:"accepted"`
	Reason   string     `json:"reason,omitempty"`
	Status   Status     `json:"status,omitempty"`
	TimeIn   *time.Time `json:"time_in,omitempty"`
	TimeOut  *time.Time `json:"time_out,omitempty"`
	Message  string     `json:"message"`

	Student *Student `json:"-"`
	Subject *Subject `json:"-"`
	Record  *Record  `json:"-"`
}
