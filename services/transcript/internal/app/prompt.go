package app

import (
	"strings"
	"time"
)

const dateNotSpecified = "Not specified"

// sessionDateLayouts are the ISO-8601 shapes browsers and older clients send.
var sessionDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// sessionDate formats a stored timestamp like "March 05, 2024", keeping the
// timestamp's own offset. Anything unparsable yields "Not specified".
func sessionDate(timestamp string) string {
	timestamp = strings.TrimSpace(timestamp)
	if timestamp == "" {
		return dateNotSpecified
	}
	for _, layout := range sessionDateLayouts {
		if t, err := time.Parse(layout, timestamp); err == nil {
			return t.Format("January 02, 2006")
		}
	}
	return dateNotSpecified
}

func summarySystemPrompt(date string) string {
	var b strings.Builder
	b.WriteString("You are MedNote, an expert assistant for medical professionals. ")
	b.WriteString("Generate a summary in plain text only. Do not use any markdown formatting like bolding (**) or italics (*).\n\n")
	b.WriteString("Structure the output with these exact headings, followed by a colon. If information isn't available, state 'Not specified'.\n\n")
	b.WriteString("Date: " + date + "\n")
	b.WriteString("Session Type:\n")
	b.WriteString("Therapist:\n")
	b.WriteString("Patient/Client:\n\n")
	b.WriteString("Summary:\n")
	b.WriteString("[Provide a concise, professional summary of the transcript here]")
	return b.String()
}

func summaryUserPrompt(content string) string {
	return "Here is the full transcript:\n\n" + content
}
