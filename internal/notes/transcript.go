package notes

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	transcriptHeaderLine    = 0
	transcriptAttendeesLine = 2
	transcriptBodyStart     = 5

	DefaultMinUtteranceChars = 10
)

type Transcript struct {
	Header    string
	Attendees []string
	Body      []string
}

// ParseTranscript splits an exported transcript document. The export has a
// fixed layout: title on line 0, attendees on line 2, turns from line 5.
func ParseTranscript(text string) (Transcript, error) {
	text = strings.TrimPrefix(text, "\ufeff")
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) <= transcriptBodyStart {
		return Transcript{}, fmt.Errorf("%w: %d lines", ErrMalformedTranscript, len(lines))
	}
	title := strings.TrimSpace(lines[transcriptHeaderLine])
	attendeeLine := strings.TrimSpace(lines[transcriptAttendeesLine])
	var attendees []string
	for _, name := range strings.Split(attendeeLine, ", ") {
		if name = strings.TrimSpace(name); name != "" {
			attendees = append(attendees, name)
		}
	}
	return Transcript{
		Header:    strings.Join([]string{title, "", "Attendees:", attendeeLine}, "\n"),
		Attendees: attendees,
		Body:      lines[transcriptBodyStart:],
	}, nil
}

// CondenseTranscript merges consecutive turns of the same attendee and drops
// utterances shorter than minUtterance runes. Lines that are not attendee
// turns are kept verbatim.
func CondenseTranscript(lines, attendees []string, minUtterance int) string {
	known := make(map[string]struct{}, len(attendees))
	for _, name := range attendees {
		known[speakerKey(name)] = struct{}{}
	}

	var out []string
	previous := ""
	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		speaker, text, ok := strings.Cut(line, ": ")
		if !ok {
			out = append(out, line)
			previous = ""
			continue
		}
		text = strings.TrimSpace(text)
		if len([]rune(text)) < minUtterance {
			continue
		}
		speaker = strings.TrimSpace(speaker)
		if _, isAttendee := known[speakerKey(speaker)]; !isAttendee {
			out = append(out, line)
			previous = ""
			continue
		}
		if previous != "" && speakerKey(speaker) == previous {
			out[len(out)-1] += " " + text
			continue
		}
		out = append(out, speaker+": "+text)
		previous = speakerKey(speaker)
	}
	return strings.Join(out, "\n")
}

func speakerKey(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

type Preprocessor struct {
	source       DocumentSource
	minUtterance int
}

func NewPreprocessor(source DocumentSource, minUtterance int) *Preprocessor {
	if minUtterance < 0 {
		minUtterance = DefaultMinUtteranceChars
	}
	return &Preprocessor{source: source, minUtterance: minUtterance}
}

func (p *Preprocessor) FetchAndCondense(ctx context.Context, documentID, ownerEmail string) (header, body string, err error) {
	text, err := p.source.ExportText(ctx, documentID, ownerEmail)
	if err != nil {
		return "", "", fmt.Errorf("export %s: %w", documentID, err)
	}
	transcript, err := ParseTranscript(text)
	if err != nil {
		return "", "", fmt.Errorf("document %s: %w", documentID, err)
	}
	return transcript.Header, CondenseTranscript(transcript.Body, transcript.Attendees, p.minUtterance), nil
}
