// Package report builds the tabular daily attendance export.
package report

import (
	"encoding/csv"
	"io"
	"time"

	"attendance/internal/attendance"
)

// Row is one line of the export, per the reporting contract:
// student_id, name, section, date, time_in, time_out, status.
type Row struct {
	StudentID string
	Name      string
	Section   string
	Date      string
	TimeIn    string
	TimeOut   string
	Status    attendance.Status
}

// BuildDailyRows joins students with their records for one day. Students
// without any record are reported ABSENT: absence is synthesized here at
// report time, never written by the resolver.
func BuildDailyRows(students []attendance.Student, records []attendance.Record, day time.Time, loc *time.Location) []Row {
	byStudent := make(map[string][]attendance.Record, len(records))
	for _, rec := range records {
		byStudent[rec.StudentID] = append(byStudent[rec.StudentID], rec)
	}

	date := day.Format("2006-01-02")
	rows := make([]Row, 0, len(students))
	for _, s := range students {
		recs := byStudent[s.ID]
		if len(recs) == 0 {
			rows = append(rows, Row{
				StudentID: s.StudentID,
				Name:      s.FullName(),
				Section:   s.Section,
				Date:      date,
				Status:    attendance.StatusAbsent,
			})
			continue
		}
		for _, rec := range recs {
			rows = append(rows, Row{
				StudentID: s.StudentID,
				Name:      s.FullName(),
				Section:   s.Section,
				Date:      date,
				TimeIn:    clock(rec.TimeIn, loc),
				TimeOut:   clock(rec.TimeOut, loc),
				Status:    rec.Status,
			})
		}
	}
	return rows
}

// WriteCSV streams rows with a header line.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Student ID", "Name", "Section", "Date", "Time In", "Time Out", "Status"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.StudentID, r.Name, r.Section, r.Date, r.TimeIn, r.TimeOut, string(r.Status)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func clock(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format("03:04 PM")
}
