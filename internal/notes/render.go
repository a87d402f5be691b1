package notes

import "strings"

const (
	DefaultSubjectPrefix = "Meeting notes: "
	DefaultSignature     = "Sent by Meeting Notes"
)

type RenderOptions struct {
	From          string
	SubjectPrefix string
	Signature     string
}

func (o RenderOptions) withDefaults() RenderOptions {
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = DefaultSubjectPrefix
	}
	if o.Signature == "" {
		o.Signature = DefaultSignature
	}
	return o
}

// RenderEmail builds the notification for one transcript. To is filled in by
// the delivery guard.
func RenderEmail(event TranscriptEvent, header, summary string, opts RenderOptions) Email {
	opts = opts.withDefaults()
	text := strings.Join([]string{
		header,
		"",
		summary,
		"",
		"Full transcript:",
		event.Link,
		"",
		"---",
		opts.Signature,
	}, "\n")
	return Email{
		From:    opts.From,
		Subject: opts.SubjectPrefix + event.Title,
		Text:    text,
	}
}
