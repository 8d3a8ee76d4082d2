// Package templates renders the raymond (Handlebars-style) prompt
// templates the Prompt Resolver fetches from the registry, substituting
// the Rule Executor's normalized field variables (public_remarks,
// directions, and so on) into the violation-check prompt text.
//
// Grounded in the teacher's templates.TemplateEngine: the same
// once-initialized helper registration pattern, trimmed of the helpers
// that only exist to fabricate synthetic benchmark input (randomValue,
// randomInt, randomDecimal, faker) -- a compliance prompt renders real
// listing text, not generated fixtures, so those have no home here.
package templates

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
)

type TemplateEngine struct{}

var (
	templateEngineInstance *TemplateEngine
	templateEngineOnce     sync.Once
)

// NewTemplateEngine returns the singleton instance of TemplateEngine,
// registering the helpers exactly once regardless of how many callers
// construct a resolver/executor pair.
func NewTemplateEngine() *TemplateEngine {
	templateEngineOnce.Do(func() {
		RegisterHelpers()
		templateEngineInstance = &TemplateEngine{}
	})
	return templateEngineInstance
}

// Render parses and executes a raymond template against context, returning
// the input unchanged if parsing or execution fails -- a malformed custom
// prompt should degrade to literal text rather than abort the job.
func (e *TemplateEngine) Render(templateText string, context map[string]string) string {
	tmpl, err := raymond.Parse(templateText)
	if err != nil {
		return templateText
	}
	output, err := tmpl.Exec(context)
	if err != nil {
		return templateText
	}
	return output
}

// RegisterHelpers registers the Handlebars helpers a compliance prompt
// template may use to shape the remarks text it was handed.
func RegisterHelpers() {
	// current timestamp helper, for prompts that want to stamp "as of" dates
	raymond.RegisterHelper("now", func(options *raymond.Options) string {
		now := time.Now().UTC()

		if offsetStr := options.HashStr("offset"); offsetStr != "" {
			offset, err := ParseOffset(offsetStr)
			if err == nil {
				now = now.Add(offset)
			}
		}

		if tzStr := options.HashStr("timezone"); tzStr != "" {
			if loc, err := time.LoadLocation(tzStr); err == nil {
				now = now.In(loc)
			}
		}

		format := options.HashStr("format")
		switch format {
		case "epoch":
			return fmt.Sprintf("%d", now.UnixMilli())
		case "unix":
			return fmt.Sprintf("%d", now.Unix())
		case "":
			return now.Format(time.RFC3339)
		default:
			return now.Format(JavaToGoDateFormat(format))
		}
	})

	// cut helper: strip all occurrences of a substring
	raymond.RegisterHelper("cut", func(value interface{}, toRemove interface{}, options *raymond.Options) raymond.SafeString {
		if value == nil {
			return raymond.SafeString("")
		}
		content := raymond.Str(value)
		if content == "" {
			return raymond.SafeString("")
		}
		removal := raymond.Str(toRemove)
		if removal == "" {
			return raymond.SafeString(content)
		}
		return raymond.SafeString(strings.ReplaceAll(content, removal, ""))
	})

	// replace helper
	raymond.RegisterHelper("replace", func(value interface{}, old interface{}, newVal interface{}, options *raymond.Options) raymond.SafeString {
		if value == nil {
			return raymond.SafeString("")
		}
		content := raymond.Str(value)
		if content == "" {
			return raymond.SafeString("")
		}
		oldStr := raymond.Str(old)
		newStr := raymond.Str(newVal)
		if oldStr == "" {
			return raymond.SafeString(content)
		}
		return raymond.SafeString(strings.ReplaceAll(content, oldStr, newStr))
	})

	// substring helper
	raymond.RegisterHelper("substring", func(value interface{}, options *raymond.Options) raymond.SafeString {
		if value == nil {
			return ""
		}
		content := raymond.Str(value)
		length := len(content)
		if length == 0 {
			return ""
		}

		startIndex := 0
		if startVal := options.HashProp("start"); startVal != nil {
			switch v := startVal.(type) {
			case int:
				startIndex = v
			case int64:
				startIndex = int(v)
			case float64:
				startIndex = int(v)
			case string:
				if parsed, err := strconv.Atoi(v); err == nil {
					startIndex = parsed
				}
			}
		}

		endIndex := length
		if endVal := options.HashProp("end"); endVal != nil {
			switch v := endVal.(type) {
			case int:
				endIndex = v
			case int64:
				endIndex = int(v)
			case float64:
				endIndex = int(v)
			case string:
				if parsed, err := strconv.Atoi(v); err == nil {
					endIndex = parsed
				}
			}
		}

		if startIndex < 0 {
			startIndex = 0
		} else if startIndex > length {
			startIndex = length
		}
		if endIndex < startIndex {
			endIndex = startIndex
		} else if endIndex > length {
			endIndex = length
		}

		return raymond.SafeString(content[startIndex:endIndex])
	})
}

// ParseOffset parses offset strings like "3 days", "-24 seconds", "1 years".
func ParseOffset(offset string) (time.Duration, error) {
	parts := strings.Fields(strings.TrimSpace(offset))
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid offset format")
	}

	value, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, err
	}

	unit := strings.ToLower(parts[1])
	unit = strings.TrimSuffix(unit, "s")

	switch unit {
	case "second":
		return time.Duration(value) * time.Second, nil
	case "minute":
		return time.Duration(value) * time.Minute, nil
	case "hour":
		return time.Duration(value) * time.Hour, nil
	case "day":
		return time.Duration(value) * 24 * time.Hour, nil
	case "week":
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case "month":
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case "year":
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown time unit: %s", unit)
	}
}

// JavaToGoDateFormat converts Java SimpleDateFormat patterns (the format
// convention the registry's prompt authors are used to) to Go's reference
// time layout.
func JavaToGoDateFormat(javaFormat string) string {
	replacements := map[string]string{
		"yyyy": "2006",
		"yy":   "06",
		"MMMM": "January",
		"MMM":  "Jan",
		"MM":   "01",
		"M":    "1",
		"dd":   "02",
		"d":    "2",
		"HH":   "15",
		"H":    "15",
		"hh":   "03",
		"h":    "3",
		"mm":   "04",
		"m":    "4",
		"ss":   "05",
		"s":    "5",
		"SSS":  "000",
		"SS":   "00",
		"S":    "0",
		"a":    "PM",
		"z":    "MST",
		"Z":    "-0700",
		"EEEE": "Monday",
		"EEE":  "Mon",
	}

	patterns := make([]string, 0, len(replacements))
	for pattern := range replacements {
		patterns = append(patterns, pattern)
	}
	for i := 0; i < len(patterns); i++ {
		for j := i + 1; j < len(patterns); j++ {
			if len(patterns[i]) < len(patterns[j]) {
				patterns[i], patterns[j] = patterns[j], patterns[i]
			}
		}
	}

	var b strings.Builder
outer:
	for i := 0; i < len(javaFormat); {
		for _, pattern := range patterns {
			if strings.HasPrefix(javaFormat[i:], pattern) {
				b.WriteString(replacements[pattern])
				i += len(pattern)
				continue outer
			}
		}
		b.WriteByte(javaFormat[i])
		i++
	}

	return b.String()
}
