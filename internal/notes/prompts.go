package notes

import "strings"

const DefaultFinalPromptName = "meeting-summary-agent"

const DefaultChunkSystemPrompt = "You are a meeting assistant who is an expert in summarizing meeting transcripts. " +
	"Your specialty is to summarize chunks of lines of text from a meeting transcript generated by a computer that may contain errors. " +
	"You know how to summarize partial transcripts and maintain the conversational structure and action items. " +
	"Always include the speaker's name and a colon before the summary of what was said. Use ONLY one short sentence to summarize each speaker if possible. " +
	"Remember to keep the summary short and concise while retaining information about discussion topics, key decisions and action items."

const transcriptPlaceholder = "{transcript}"

const DefaultFinalPrompt = `You are a meeting assistant. You are given summaries of a meeting transcript and you need to combine and summarize all of them in 1-2 paragraphs.

The following transcript was computer-generated and might contain errors:

<transcript>
{transcript}
</transcript>

Use the following format for your response:

Summary:
[Summary of the meeting using 1-4 paragraphs]

Key Decisions:
[Key decisions made during the meeting using 1-4 bullet points]

Next Steps:
[Next steps for the meeting participants using 1-10 bullet points]`

func chunkUserPrompt(text string) string {
	return `"""` + text + `"""` + "\n\nSummarize the transcript above."
}

// RenderFinalPrompt fills the transcript placeholder. Templates without the
// placeholder get the transcript appended.
func RenderFinalPrompt(template, transcript string) string {
	if !strings.Contains(template, transcriptPlaceholder) {
		return template + "\n\n<transcript>\n" + transcript + "\n</transcript>"
	}
	return strings.ReplaceAll(template, transcriptPlaceholder, transcript)
}

// ExtractSummaryTag returns the text inside <summary></summary> when the
// model wrapped its answer, otherwise the trimmed input.
func ExtractSummaryTag(text string) string {
	_, rest, ok := strings.Cut(text, "<summary>")
	if !ok {
		return strings.TrimSpace(text)
	}
	inner, _, ok := strings.Cut(rest, "</summary>")
	if !ok {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(inner)
}
