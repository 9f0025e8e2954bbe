// Package prompt renders the provider-agnostic instructions sent to OCR and
// language-model backends. Every function here is pure: the current time is
// always an argument.
package prompt

import (
	"fmt"
	"strings"
	"time"
)

// OCRInstruction is the single instruction sent alongside an image.
const OCRInstruction = "Extract all text exactly as it appears in this image. " +
	"Preserve line breaks. Return only the extracted text with no commentary."

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
)

// TimezoneLabel renders loc for the prompt, e.g.
// "America/New_York (EST, UTC-05:00)".
func TimezoneLabel(loc *time.Location, now time.Time) string {
	if loc == nil {
		loc = time.Local
	}
	t := now.In(loc)
	abbr, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%s (%s, UTC%c%02d:%02d)", loc.String(), abbr, sign, offset/3600, (offset%3600)/60)
}

// BuildParsePrompt renders the extraction prompt for text as seen at now in
// the timezone described by tzLabel. now should already be in the caller's
// location; its wall clock is what the model reasons from.
func BuildParsePrompt(text string, now time.Time, tzLabel string) string {
	today := now.Format(dateLayout)
	tomorrow := now.AddDate(0, 0, 1).Format(dateLayout)

	var b strings.Builder

	b.WriteString("You extract a single calendar event from text.\n\n")

	b.WriteString("Current context:\n")
	fmt.Fprintf(&b, "- Now: %s (%s)\n", now.Format(dateTimeLayout), now.Weekday())
	fmt.Fprintf(&b, "- Today: %s\n", today)
	fmt.Fprintf(&b, "- Tomorrow: %s\n", tomorrow)
	fmt.Fprintf(&b, "- Current hour: %02d\n", now.Hour())
	fmt.Fprintf(&b, "- Timezone: %s\n\n", tzLabel)

	b.WriteString("Output format:\n")
	b.WriteString("Respond with ONLY a JSON object with exactly these keys: ")
	b.WriteString(`"title", "start", "end", "location", "hasTime", "recurrence".` + "\n")
	b.WriteString("Do not include prose, explanations or markdown code fences.\n")
	b.WriteString(`- "title": short event title (string).` + "\n")
	b.WriteString(`- "start", "end": local date-time strings formatted YYYY-MM-DDTHH:MM:SS, or null.` + "\n")
	b.WriteString(`- "location": string, empty if none.` + "\n")
	b.WriteString(`- "hasTime": true if a time of day is known, false for date-only events.` + "\n")
	b.WriteString(`- "recurrence": an RRULE string without the "RRULE:" prefix, or "".` + "\n\n")

	b.WriteString("Time rules:\n")
	fmt.Fprintf(&b, "1. All times are local to %s. Never convert to UTC and never append a zone offset or Z.\n", tzLabel)
	b.WriteString("2. Resolve dates in this priority order:\n")
	fmt.Fprintf(&b, "   a. A day name with no date (e.g. \"Friday\"): use the NEXT future occurrence of that weekday after today (%s). Today never counts as the next occurrence.\n", now.Weekday())
	fmt.Fprintf(&b, "   b. A time with no date or day (e.g. \"at 3pm\"): if that hour is later than the current hour (%02d), use today (%s); otherwise use tomorrow (%s).\n", now.Hour(), today, tomorrow)
	b.WriteString("   c. A date with no time (e.g. \"March 15\"): set hasTime to false, start to that date at 00:00:00 and end to that date at 23:59:59.\n")
	b.WriteString("   d. No date, day or time at all: set start and end to null. Never invent a date.\n")
	b.WriteString("3. If a start is known but no end: set end to start plus 2 hours for general events, or plus 1 hour for meetings, calls, appointments and similar items.\n\n")

	b.WriteString("Recurrence rules:\n")
	b.WriteString("- Weekly on a named day (e.g. \"every Thursday\"): FREQ=WEEKLY;BYDAY=<two-letter day code: MO,TU,WE,TH,FR,SA,SU>\n")
	b.WriteString("- Daily (\"every day\", \"daily\"): FREQ=DAILY\n")
	b.WriteString("- Monthly (\"every month\", \"monthly\"): FREQ=MONTHLY\n")
	b.WriteString("- Yearly (\"every year\", \"annually\"): FREQ=YEARLY\n")
	b.WriteString("- No recurrence language: \"\"\n\n")

	b.WriteString("Location rules:\n")
	b.WriteString("- If a venue or address is present, format it as two lines separated by \\n: the venue name, then street, city, state and zip.\n")
	b.WriteString("- Otherwise use \"\".\n\n")

	b.WriteString("Text:\n\"\"\"\n")
	b.WriteString(text)
	b.WriteString("\n\"\"\"\n")

	return b.String()
}
