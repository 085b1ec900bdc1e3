package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"attendance/internal/attendance"
)

// Payload describes a committed attendance mutation to tell parents about.
type Payload struct {
	Student attendance.Student `json:"student"`
	Action  attendance.Action  `json:"action"`
	At      time.Time          `json:"at"`
	Subject string             `json:"subject,omitempty"`
	Status  attendance.Status  `json:"status,omitempty"`
}

// EmailSender delivers one email.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// SMSSender delivers one text message.
type SMSSender interface {
	Send(ctx context.Context, number, message string) error
}

// Outcome is the aggregate best-effort delivery result.
type Outcome struct {
	EmailSent bool     `json:"email_sent"`
	SMSSent   bool     `json:"sms_sent"`
	Messages  []string `json:"messages"`
}

// Dispatcher fans an attendance event out to email and SMS. Both channels
// are independent and best-effort: a failure is logged and recorded in
// the outcome, never returned. The attendance write has already been
// committed by the time Dispatch runs.
type Dispatcher struct {
	email   EmailSender
	sms     SMSSender
	timeout time.Duration
}

// NewDispatcher builds a dispatcher. Either sender may be nil when the
// channel is not configured.
func NewDispatcher(email EmailSender, sms SMSSender, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{email: email, sms: sms, timeout: timeout}
}

// Dispatch sends both notifications and reports the aggregate outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) Outcome {
	var out Outcome
	out.Messages = []string{}

	if d.email != nil {
		recipients := emailRecipients(p.Student)
		if len(recipients) == 0 {
			out.Messages = append(out.Messages, "no email on file")
		} else {
			subject, body := emailContent(p)
			cctx, cancel := context.WithTimeout(ctx, d.timeout)
			err := d.email.Send(cctx, recipients, subject, body)
			cancel()
			if err != nil {
				log.Printf("email to %v failed: %v", recipients, err)
				out.Messages = append(out.Messages, fmt.Sprintf("Email failed: %v", err))
			} else {
				out.EmailSent = true
				out.Messages = append(out.Messages, "Email sent successfully")
			}
		}
	}

	if d.sms != nil {
		number, ok := NormalizeMobile(p.Student.ParentMobile)
		switch {
		case p.Student.ParentMobile == "":
			out.Messages = append(out.Messages, "no parent mobile on file")
		case !ok:
			out.Messages = append(out.Messages, fmt.Sprintf("Invalid phone number format: %s", p.Student.ParentMobile))
		default:
			cctx, cancel := context.WithTimeout(ctx, d.timeout)
			err := d.sms.Send(cctx, number, smsContent(p))
			cancel()
			if err != nil {
				log.Printf("sms to %s failed: %v", number, err)
				out.Messages = append(out.Messages, fmt.Sprintf("SMS failed: %v", err))
			} else {
				out.SMSSent = true
				out.Messages = append(out.Messages, "SMS sent successfully")
			}
		}
	}

	return out
}

func emailRecipients(s attendance.Student) []string {
	var to []string
	if s.Email != "" {
		to = append(to, s.Email)
	}
	if s.ParentEmail != "" {
		to = append(to, s.ParentEmail)
	}
	return to
}

func emailContent(p Payload) (subject, body string) {
	actionType := "Time In"
	actionText := "arrived at school"
	if p.Action == attendance.ActionTimeOut {
		actionType = "Time Out"
		actionText = "left school"
	}
	subject = fmt.Sprintf("Student %s Notification - %s", actionType, p.Student.FullName())
	body = fmt.Sprintf("%s %s on %s at %s.",
		p.Student.FullName(), actionText,
		p.At.Format("January 2, 2006"), p.At.Format("03:04 PM"))
	if p.Subject != "" {
		body += fmt.Sprintf("\nSubject: %s", p.Subject)
	}
	if p.Status != "" {
		body += fmt.Sprintf("\nStatus: %s", p.Status)
	}
	body += "\n\nThis is an automated message. Please do not reply."
	return subject, body
}

func smsContent(p Payload) string {
	actionText := "pumasok sa paaralan"
	if p.Action == attendance.ActionTimeOut {
		actionText = "umuwi na galing paaralan"
	}
	msg := fmt.Sprintf("ATTENDANCE UPDATE:\n\nAng inyong anak na si %s ay %s ngayong %s sa oras na %s",
		p.Student.FullName(), actionText,
		p.At.Format("January 2, 2006"), p.At.Format("03:04 PM"))
	if p.Subject != "" {
		msg += fmt.Sprintf("\n\nSubject: %s", p.Subject)
	}
	msg += "\n\nIto ay automated message. Huwag po reply."
	return msg
}
