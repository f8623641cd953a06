// Package logging provides the colored structured log formatter used by
// every component of the tracking engine.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// ColoredJSONFormatter renders logrus entries as human-readable, colored
// key=value lines while keeping field values JSON-encoded.
type ColoredJSONFormatter struct {
	TimestampFormat string
	SortingFunc     func([]string) []string
	DisableColors   bool
}

// NewColoredJSONFormatter builds a formatter with tracker-specific field
// priorities (job/profile/platform come first, matching how operators
// scan a tracking run's log line).
func NewColoredJSONFormatter() *ColoredJSONFormatter {
	return &ColoredJSONFormatter{
		TimestampFormat: time.RFC3339,
		SortingFunc:     defaultFieldSorting,
	}
}

func (f *ColoredJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		data[k] = v
	}
	data["level"] = entry.Level.String()
	data["msg"] = entry.Message
	data["time"] = entry.Time.Format(f.TimestampFormat)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	if f.SortingFunc != nil {
		keys = f.SortingFunc(keys)
	} else {
		sort.Strings(keys)
	}

	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	levelColor := getLevelColor(entry.Level)
	valueColor := color.New(color.FgWhite)
	timeColor := color.New(color.FgYellow)

	b.WriteString(timeColor.Sprintf("%s ", data["time"]))
	b.WriteString(levelColor.Sprintf("%-7s ", strings.ToUpper(data["level"].(string))))
	if msg, ok := data["msg"].(string); ok {
		b.WriteString(levelColor.Sprintf("%s", msg))
	}
	b.WriteString(" ")

	for _, k := range keys {
		if k == "time" || k == "level" || k == "msg" {
			continue
		}
		v := data[k]
		var valueStr string
		switch v := v.(type) {
		case string:
			valueStr = fmt.Sprintf("%q", v)
		case error:
			valueStr = fmt.Sprintf("%q", v.Error())
		default:
			if jsonBytes, err := json.Marshal(v); err == nil {
				valueStr = string(jsonBytes)
			} else {
				valueStr = fmt.Sprintf("%v", v)
			}
		}

		fieldColor := color.New(color.FgCyan)
		if isImportantField(k) {
			fieldColor = color.New(color.FgGreen)
		}
		b.WriteString(fieldColor.Sprintf("%s=", k))
		b.WriteString(valueColor.Sprint(valueStr))
		b.WriteString(" ")
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func getLevelColor(level logrus.Level) *color.Color {
	switch level {
	case logrus.DebugLevel:
		return color.New(color.FgBlue)
	case logrus.InfoLevel:
		return color.New(color.FgGreen)
	case logrus.WarnLevel:
		return color.New(color.FgYellow)
	case logrus.ErrorLevel:
		return color.New(color.FgRed)
	case logrus.FatalLevel, logrus.PanicLevel:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgWhite)
	}
}

func isImportantField(field string) bool {
	important := map[string]bool{
		"job_id":     true,
		"profile_id": true,
		"platform":   true,
		"username":   true,
		"error":      true,
	}
	return important[field]
}

func defaultFieldSorting(keys []string) []string {
	priority := map[string]int{
		"time": 1, "level": 2, "msg": 3,
		"job_id": 4, "platform": 5, "username": 6, "profile_id": 7, "error": 8,
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := priority[keys[i]], priority[keys[j]]
		if pi != 0 && pj != 0 {
			return pi < pj
		}
		if pi != 0 {
			return true
		}
		if pj != 0 {
			return false
		}
		return keys[i] < keys[j]
	})
	return keys
}
