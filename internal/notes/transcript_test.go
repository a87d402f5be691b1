package notes

import (
	"context"
	"errors"
	"testing"
)

func TestCondenseTranscriptMergesConsecutiveSpeakerLines(t *testing.T) {
	got := CondenseTranscript(
		[]string{"A: hi there team", "A: how are you doing", "B: I am fine thanks"},
		[]string{"A", "B"},
		DefaultMinUtteranceChars,
	)
	want := "A: hi there team how are you doing\nB: I am fine thanks"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestCondenseTranscriptDropsShortUtterancesAndPassesThroughOthers(t *testing.T) {
	got := CondenseTranscript(
		[]string{
			"Alice: ok",
			"Alice: let's review the roadmap",
			"Guest: can everyone hear me now",
			"Alice: yes we can hear you",
			"[inaudible]",
			"",
			"Alice: moving on to hiring",
		},
		[]string{"Alice", "Bob"},
		DefaultMinUtteranceChars,
	)
	want := "Alice: let's review the roadmap\n" +
		"Guest: can everyone hear me now\n" +
		"Alice: yes we can hear you\n" +
		"[inaudible]\n" +
		"Alice: moving on to hiring"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestParseTranscriptLayout(t *testing.T) {
	transcript, err := ParseTranscript(standupTranscript)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	wantHeader := "Standup - 2026/10/16 09:00 PDT - Transcript\n\nAttendees:\nAlice Smith, Bob Jones"
	if transcript.Header != wantHeader {
		t.Fatalf("expected header %q, got %q", wantHeader, transcript.Header)
	}
	if len(transcript.Attendees) != 2 || transcript.Attendees[1] != "Bob Jones" {
		t.Fatalf("unexpected attendees %v", transcript.Attendees)
	}
	if transcript.Body[0] != "Alice Smith: good morning everyone, let's get started" {
		t.Fatalf("unexpected first body line %q", transcript.Body[0])
	}
}

func TestParseTranscriptRejectsShortDocuments(t *testing.T) {
	if _, err := ParseTranscript("title\n\nA, B"); !errors.Is(err, ErrMalformedTranscript) {
		t.Fatalf("expected malformed transcript, got %v", err)
	}
}

func TestFetchAndCondense(t *testing.T) {
	docs := &fakeDocs{texts: map[string]string{"doc123": standupTranscript}}
	header, body, err := NewPreprocessor(docs, DefaultMinUtteranceChars).FetchAndCondense(context.Background(), "doc123", "owner@example.com")
	if err != nil {
		t.Fatalf("fetch and condense failed: %v", err)
	}
	if header == "" {
		t.Fatalf("expected header")
	}
	want := "Alice Smith: good morning everyone, let's get started the ingestion pipeline shipped yesterday\n" +
		"Bob Jones: great, I will monitor the dead letters today"
	if body != want {
		t.Fatalf("expected %q, got %q", want, body)
	}
}
