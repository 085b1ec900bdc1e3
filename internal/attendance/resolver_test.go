package attendance

import (
	"context"
	"strings"
	"testing"
	"time"
)

// fakeStore is an in-memory Store for resolver tests.
type fakeStore struct {
	students        map[string]*Student // by LRN
	subjects        map[string]*Subject // by ID
	sectionSubjects map[string][]string // sectionID -> ordered subject IDs
	records         []*Record

	hideRecordOnce bool // first RecordForDay sees no row, to model a create race
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		students:        map[string]*Student{},
		subjects:        map[string]*Subject{},
		sectionSubjects: map[string][]string{},
	}
}

func (f *fakeStore) addStudent(s Student) *Student {
	cp := s
	f.students[s.LRN] = &cp
	return &cp
}

func (f *fakeStore) StudentByLRN(_ context.Context, lrn string) (*Student, error) {
	return f.students[lrn], nil
}

func (f *fakeStore) SubjectByID(_ context.Context, id string) (*Subject, error) {
	return f.subjects[id], nil
}

func (f *fakeStore) FirstSubjectForSection(_ context.Context, sectionID string) (*Subject, error) {
	ids := f.sectionSubjects[sectionID]
	if len(ids) == 0 {
		return nil, nil
	}
	return f.subjects[ids[0]], nil
}

// sameDay compares calendar components only, the way a DATE column does:
// the stored day may sit at UTC midnight while the lookup day sits at
// school-local midnight.
func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

func sameKey(rec *Record, studentID string, day time.Time, subjectID *string) bool {
	if rec.StudentID != studentID || !sameDay(rec.Day, day) {
		return false
	}
	if (rec.SubjectID == nil) != (subjectID == nil) {
		return false
	}
	return rec.SubjectID == nil || *rec.SubjectID == *subjectID
}

func (f *fakeStore) RecordForDay(_ context.Context, studentID string, day time.Time, subjectID *string) (*Record, error) {
	if f.hideRecordOnce {
		f.hideRecordOnce = false
		return nil, nil
	}
	for _, rec := range f.records {
		if sameKey(rec, studentID, day, subjectID) {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) EarliestTimeIn(_ context.Context, subjectID string, day time.Time, excludeStudentID string) (*time.Time, error) {
	var earliest *time.Time
	for _, rec := range f.records {
		if rec.SubjectID == nil || *rec.SubjectID != subjectID || !sameDay(rec.Day, day) {
			continue
		}
		if rec.StudentID == excludeStudentID || rec.TimeIn == nil {
			continue
		}
		if earliest == nil || rec.TimeIn.Before(*earliest) {
			t := *rec.TimeIn
			earliest = &t
		}
	}
	return earliest, nil
}

func (f *fakeStore) InsertRecord(_ context.Context, rec Record) (Record, error) {
	for _, existing := range f.records {
		if sameKey(existing, rec.StudentID, rec.Day, rec.SubjectID) {
			return Record{}, ErrDuplicateRecord
		}
	}
	if rec.ID == "" {
		rec.ID = "rec-" + time.Now().Format("150405.000000000")
	}
	cp := rec
	f.records = append(f.records, &cp)
	return rec, nil
}

func (f *fakeStore) UpdateRecord(_ context.Context, rec Record) error {
	for i, existing := range f.records {
		if existing.ID == rec.ID {
			cp := rec
			f.records[i] = &cp
			return nil
		}
	}
	return nil
}

func cutoffResolver(t *testing.T, store Store) *Resolver {
	t.Helper()
	return NewResolver(store, Policy{Mode: LateModeCutoff, Cutoff: "08:00", Location: time.UTC})
}

func anchorResolver(t *testing.T, store Store) *Resolver {
	t.Helper()
	return NewResolver(store, Policy{Mode: LateModeSubjectAnchor, Threshold: 30 * time.Minute, Location: time.UTC})
}

func at(hour, minute, second int) time.Time {
	return time.Date(2026, time.March, 2, hour, minute, second, 0, time.UTC)
}

func seedStudent(f *fakeStore, lrn, name string) *Student {
	return f.addStudent(Student{ID: "id-" + lrn, LRN: lrn, StudentID: "STD-" + lrn, FirstName: name, LastName: "Cruz"})
}

func mustResolve(t *testing.T, r *Resolver, evt ScanEvent) ScanResult {
	t.Helper()
	res, err := r.Resolve(context.Background(), evt)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return res
}

func TestTimeInThenRepeatThenTimeOut(t *testing.T) {
	store := newFakeStore()
	seedStudent(store, "100001", "Ana")
	r := cutoffResolver(t, store)

	res := mustResolve(t, r, ScanEvent{LRN: "100001", Action: ActionTimeIn, At: at(7, 50, 0)})
	if !res.Accepted {
		t.Fatalf("first time_in rejected: %s", res.Message)
	}
	if res.Status != StatusPresent {
		t.Errorf("status = %s, want PRESENT", res.Status)
	}
	if res.TimeIn == nil || !res.TimeIn.Equal(at(7, 50, 0)) {
		t.Errorf("time_in = %v, want 07:50", res.TimeIn)
	}

	// Re-submitting the same action is rejected and references the
	// originally recorded time; it never overwrites it.
	res = mustResolve(t, r, ScanEvent{LRN: "100001", Action: ActionTimeIn, At: at(7, 55, 0)})
	if res.Accepted {
		t.Fatal("duplicate time_in accepted")
	}
	if res.Reason != ReasonAlreadyTimedIn {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonAlreadyTimedIn)
	}
	if !strings.Contains(res.Message, "07:50 AM") {
		t.Errorf("message %q should reference the original time", res.Message)
	}
	if len(store.records) != 1 || !store.records[0].TimeIn.Equal(at(7, 50, 0)) {
		t.Fatalf("original record mutated: %+v", store.records)
	}

	res = mustResolve(t, r, ScanEvent{LRN: "100001", Action: ActionTimeOut, At: at(16, 0, 0)})
	if !res.Accepted {
		t.Fatalf("time_out rejected: %s", res.Message)
	}
	if res.TimeOut == nil || !res.TimeOut.Equal(at(16, 0, 0)) {
		t.Errorf("time_out = %v, want 16:00", res.TimeOut)
	}
	if res.Status != StatusPresent {
		t.Errorf("status after time_out = %s, want PRESENT", res.Status)
	}
	if !strings.Contains(res.Message, "Duration: 8h 10m") {
		t.Errorf("message %q should include the duration", res.Message)
	}
}

func TestTimeOutWithoutTimeInRejected(t *testing.T) {
	store := newFakeStore()
	seedStudent(store, "100002", "Ben")
	r := cutoffResolver(t, store)

	res := mustResolve(t, r, ScanEvent{LRN: "100002", Action: ActionTimeOut, At: at(12, 0, 0)})
	if res.Accepted {
		t.Fatal("orphan time_out accepted")
	}
	if res.Reason != ReasonNotTimedIn {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonNotTimedIn)
	}
	if len(store.records) != 0 {
		t.Fatalf("orphan time_out created a record: %+v", store.records)
	}
}

func TestOrphanTimeOutCreatesRecordWhenAllowed(t *testing.T) {
	store := newFakeStore()
	seedStudent(store, "100003", "Carla")
	r := NewResolver(store, Policy{Mode: LateModeCutoff, Cutoff: "08:00", AllowOrphanTimeOut: true, Location: time.UTC})

	res := mustResolve(t, r, ScanEvent{LRN: "100003", Action: ActionTimeOut, At: at(15, 30, 0)})
	if !res.Accepted {
		t.Fatalf("orphan time_out rejected under AllowOrphanTimeOut: %s", res.Message)
	}
	if len(store.records) != 1 || store.records[0].TimeOut == nil || store.records[0].TimeIn != nil {
		t.Fatalf("unexpected record state: %+v", store.records)
	}
}

func TestDuplicateTimeOutRejected(t *testing.T) {
	store := newFakeStore()
	seedStudent(store, "100004", "Dino")
	r := cutoffResolver(t, store)

	mustResolve(t, r, ScanEvent{LRN: "100004", Action: ActionTimeIn, At: at(7, 30, 0)})
	mustResolve(t, r, ScanEvent{LRN: "100004", Action: ActionTimeOut, At: at(15, 0, 0)})

	res := mustResolve(t, r, ScanEvent{LRN: "100004", Action: ActionTimeOut, At: at(15, 5, 0)})
	if res.Accepted {
		t.Fatal("duplicate time_out accepted")
	}
	if res.Reason != ReasonAlreadyTimedOut {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonAlreadyTimedOut)
	}
	if !strings.Contains(res.Message, "03:00 PM") {
		t.Errorf("message %q should reference the original time_out", res.Message)
	}
}

func TestCutoffLateness(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want Status
	}{
		{"before cutoff", at(7, 59, 0), StatusPresent},
		{"exactly at cutoff", at(8, 0, 0), StatusPresent},
		{"one minute past", at(8, 1, 0), StatusLate},
		{"one second past", at(8, 0, 1), StatusLate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			seedStudent(store, "200001", "Eva")
			r := cutoffResolver(t, store)
			res := mustResolve(t, r, ScanEvent{LRN: "200001", Action: ActionTimeIn, At: tt.in})
			if !res.Accepted {
				t.Fatalf("time_in rejected: %s", res.Message)
			}
			if res.Status != tt.want {
				t.Errorf("status = %s, want %s", res.Status, tt.want)
			}
		})
	}
}

func seedSubjectSection(f *fakeStore) {
	f.subjects["math7"] = &Subject{ID: "math7", Code: "MATH7", Name: "Mathematics"}
	f.sectionSubjects["sec-a"] = []string{"math7"}
}

func TestSubjectAnchorLateness(t *testing.T) {
	store := newFakeStore()
	seedSubjectSection(store)
	first := store.addStudent(Student{ID: "id-1", LRN: "300001", StudentID: "STD0001", FirstName: "First", LastName: "Cruz", SectionID: "sec-a"})
	store.addStudent(Student{ID: "id-2", LRN: "300002", StudentID: "STD0002", FirstName: "Second", LastName: "Cruz", SectionID: "sec-a"})
	store.addStudent(Student{ID: "id-3", LRN: "300003", StudentID: "STD0003", FirstName: "Third", LastName: "Cruz", SectionID: "sec-a"})
	r := anchorResolver(t, store)

	// First arrival defines the anchor and is always PRESENT, whatever
	// the wall clock says.
	res := mustResolve(t, r, ScanEvent{LRN: first.LRN, Action: ActionTimeIn, At: at(8, 0, 0)})
	if !res.Accepted || res.Status != StatusPresent {
		t.Fatalf("anchor student: accepted=%v status=%s", res.Accepted, res.Status)
	}
	if res.Record.SubjectID == nil || *res.Record.SubjectID != "math7" {
		t.Fatalf("subject not resolved from section: %+v", res.Record)
	}

	// Exactly threshold after the anchor is still PRESENT (exclusive).
	res = mustResolve(t, r, ScanEvent{LRN: "300002", Action: ActionTimeIn, At: at(8, 30, 0)})
	if res.Status != StatusPresent {
		t.Errorf("at anchor+30m: status = %s, want PRESENT", res.Status)
	}

	// One second beyond the threshold is LATE.
	res = mustResolve(t, r, ScanEvent{LRN: "300003", Action: ActionTimeIn, At: at(8, 30, 1)})
	if res.Status != StatusLate {
		t.Errorf("at anchor+30m1s: status = %s, want LATE", res.Status)
	}
}

func TestAnchorStudentAlwaysPresentEvenLateInTheDay(t *testing.T) {
	store := newFakeStore()
	seedSubjectSection(store)
	store.addStudent(Student{ID: "id-9", LRN: "300009", StudentID: "STD0009", FirstName: "Lone", LastName: "Cruz", SectionID: "sec-a"})
	r := anchorResolver(t, store)

	res := mustResolve(t, r, ScanEvent{LRN: "300009", Action: ActionTimeIn, At: at(10, 45, 0)})
	if res.Status != StatusPresent {
		t.Errorf("first arrival of the day: status = %s, want PRESENT", res.Status)
	}
}

func TestAnchorExcludesOwnRecordOnRecompute(t *testing.T) {
	store := newFakeStore()
	seedSubjectSection(store)
	store.addStudent(Student{ID: "id-10", LRN: "300010", StudentID: "STD0010", FirstName: "Solo", LastName: "Cruz", SectionID: "sec-a"})
	r := anchorResolver(t, store)

	mustResolve(t, r, ScanEvent{LRN: "300010", Action: ActionTimeIn, At: at(8, 0, 0)})

	// Timing out recomputes the status; the student's own morning record
	// must not act as its own anchor and flip it.
	res := mustResolve(t, r, ScanEvent{LRN: "300010", Action: ActionTimeOut, At: at(16, 0, 0)})
	if !res.Accepted {
		t.Fatalf("time_out rejected: %s", res.Message)
	}
	if res.Status != StatusPresent {
		t.Errorf("status after time_out = %s, want PRESENT", res.Status)
	}
}

func TestNoSubjectForSectionRejected(t *testing.T) {
	store := newFakeStore()
	store.addStudent(Student{ID: "id-11", LRN: "300011", StudentID: "STD0011", FirstName: "Nina", LastName: "Cruz", SectionID: "sec-empty"})
	r := anchorResolver(t, store)

	res := mustResolve(t, r, ScanEvent{LRN: "300011", Action: ActionTimeIn, At: at(8, 0, 0)})
	if res.Accepted {
		t.Fatal("scan accepted without a resolvable subject")
	}
	if res.Reason != ReasonNoSubject {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonNoSubject)
	}
}

func TestExcusedStatusPreserved(t *testing.T) {
	store := newFakeStore()
	student := seedStudent(store, "400001", "Gail")
	r := cutoffResolver(t, store)

	timeIn := at(7, 0, 0)
	store.records = append(store.records, &Record{
		ID: "rec-excused", StudentID: student.ID, Day: at(0, 0, 0), TimeIn: &timeIn, Status: StatusExcused,
	})

	res := mustResolve(t, r, ScanEvent{LRN: "400001", Action: ActionTimeOut, At: at(15, 0, 0)})
	if !res.Accepted {
		t.Fatalf("time_out rejected: %s", res.Message)
	}
	if res.Status != StatusExcused {
		t.Errorf("status = %s, want EXCUSED preserved", res.Status)
	}
	if res.TimeOut == nil || !res.TimeOut.Equal(at(15, 0, 0)) {
		t.Errorf("time_out = %v, want 15:00", res.TimeOut)
	}
}

func TestCreateRaceRejectedAsAlreadyTimedIn(t *testing.T) {
	store := newFakeStore()
	student := seedStudent(store, "500001", "Hugo")
	r := cutoffResolver(t, store)

	// The losing side of the race observes no record, hits the
	// uniqueness constraint on insert, and finds the winner's row on
	// re-read. It must report a duplicate, not an error.
	winner := at(7, 45, 0)
	store.records = append(store.records, &Record{
		ID: "rec-winner", StudentID: student.ID, Day: at(0, 0, 0), TimeIn: &winner, Status: StatusPresent,
	})
	store.hideRecordOnce = true

	res := mustResolve(t, r, ScanEvent{LRN: "500001", Action: ActionTimeIn, At: at(7, 45, 2)})
	if res.Accepted {
		t.Fatal("losing side of the create race was accepted")
	}
	if res.Reason != ReasonAlreadyTimedIn {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonAlreadyTimedIn)
	}
	if !strings.Contains(res.Message, "07:45 AM") {
		t.Errorf("message %q should reference the winner's time", res.Message)
	}
	if len(store.records) != 1 {
		t.Fatalf("got %d records after race, want 1", len(store.records))
	}
}

func TestTimeOutRecomputeHonorsSchoolTimezone(t *testing.T) {
	manila, err := time.LoadLocation("Asia/Manila")
	if err != nil {
		t.Fatalf("load timezone: %v", err)
	}
	store := newFakeStore()
	student := seedStudent(store, "700001", "Jose")
	r := NewResolver(store, Policy{Mode: LateModeCutoff, Cutoff: "08:00", Location: manila})

	// A 07:50 Manila arrival round-tripped through the database: the
	// instant is stored in UTC and the day column reads back as UTC
	// midnight. Recomputing on time_out must still anchor the cutoff at
	// 08:00 Manila, not 08:00 UTC.
	timeIn := time.Date(2026, time.March, 1, 23, 50, 0, 0, time.UTC)
	store.records = append(store.records, &Record{
		ID:        "rec-stored",
		StudentID: student.ID,
		Day:       time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC),
		TimeIn:    &timeIn,
		Status:    StatusPresent,
	})

	res := mustResolve(t, r, ScanEvent{
		LRN:    "700001",
		Action: ActionTimeOut,
		At:     time.Date(2026, time.March, 2, 16, 0, 0, 0, manila),
	})
	if !res.Accepted {
		t.Fatalf("time_out rejected: %s", res.Message)
	}
	if res.Status != StatusPresent {
		t.Errorf("status after time_out = %s, want PRESENT (07:50 arrival is before the 08:00 cutoff)", res.Status)
	}
}

func TestUnknownStudentRejected(t *testing.T) {
	store := newFakeStore()
	r := cutoffResolver(t, store)

	res := mustResolve(t, r, ScanEvent{LRN: "999999", Action: ActionTimeIn, At: at(8, 0, 0)})
	if res.Accepted {
		t.Fatal("scan accepted for unknown student")
	}
	if res.Reason != ReasonStudentNotFound {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonStudentNotFound)
	}
	if len(store.records) != 0 {
		t.Fatal("record created for unknown student")
	}
}

func TestMissingLRNRejected(t *testing.T) {
	r := cutoffResolver(t, newFakeStore())
	res := mustResolve(t, r, ScanEvent{Action: ActionTimeIn, At: at(8, 0, 0)})
	if res.Accepted {
		t.Fatal("scan accepted without LRN")
	}
}

func TestOneRecordPerStudentPerDay(t *testing.T) {
	store := newFakeStore()
	seedStudent(store, "600001", "Iris")
	r := cutoffResolver(t, store)

	events := []ScanEvent{
		{LRN: "600001", Action: ActionTimeIn, At: at(7, 30, 0)},
		{LRN: "600001", Action: ActionTimeIn, At: at(7, 31, 0)},
		{LRN: "600001", Action: ActionTimeOut, At: at(12, 0, 0)},
		{LRN: "600001", Action: ActionTimeOut, At: at(12, 1, 0)},
		{LRN: "600001", Action: ActionTimeIn, At: at(13, 0, 0)},
	}
	for _, evt := range events {
		mustResolve(t, r, evt)
	}
	if len(store.records) != 1 {
		t.Fatalf("got %d records for one (student, day), want 1", len(store.records))
	}
}
