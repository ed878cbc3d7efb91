// Package labelstudio bridges batches to Label Studio: it renders import
// tasks and the classification config, parses JSON exports back into
// labelled records and talks to the Label Studio API.
package labelstudio

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
)

const (
	fromName = "label"
	toName   = "text"
)

// TaskData is the data block of a task. Label Studio references these
// keys from the config as $text.
type TaskData struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Domain string `json:"domain"`
}

// Task is one importable or exported Label Studio task.
type Task struct {
	ID          int          `json:"id,omitempty"`
	Data        TaskData     `json:"data"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Annotation is one annotator's submission on a task.
type Annotation struct {
	ID           int        `json:"id,omitempty"`
	WasCancelled bool       `json:"was_cancelled,omitempty"`
	CreatedAt    string     `json:"created_at,omitempty"`
	UpdatedAt    string     `json:"updated_at,omitempty"`
	Result       []LSResult `json:"result"`
}

// LSResult represents a single Label Studio result
type LSResult struct {
	Value  map[string]interface{} `json:"value"`
	From   string                 `json:"from_name"`
	To     string                 `json:"to_name"`
	Type   string                 `json:"type"`
	Hidden bool                   `json:"hidden,omitempty"`
}

// Tasks builds one task per record. With withLabels the record label is
// attached as a completed choices annotation.
func Tasks(records []dataset.Record, withLabels bool) []Task {
	out := make([]Task, len(records))
	for i, r := range records {
		out[i] = Task{Data: TaskData{ID: r.ID, Text: r.Text, Domain: r.Domain}}
		if withLabels && r.Label != "" {
			out[i].Annotations = []Annotation{{Result: []LSResult{choice(r.Label)}}}
		}
	}
	return out
}

// EncodeTasks renders Tasks as a JSON array ready for import.
func EncodeTasks(records []dataset.Record, withLabels bool) ([]byte, error) {
	body, err := json.MarshalIndent(Tasks(records, withLabels), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode tasks: %w", err)
	}
	return body, nil
}

func choice(label string) LSResult {
	return LSResult{
		Value: map[string]interface{}{"choices": []string{label}},
		From:  fromName,
		To:    toName,
		Type:  "choices",
	}
}

// BuildLabelConfig generates the single-choice classification config.
func BuildLabelConfig(title string, labels []string) string {
	var inner strings.Builder
	for _, label := range labels {
		fmt.Fprintf(&inner, "    <Choice value=\"%s\"/>\n", html.EscapeString(label))
	}

	return fmt.Sprintf(`<View>
  <Header value="%s"/>
  <Text name="%s" value="$text"/>
  <Choices name="%s" toName="%s" choice="single" showInline="true">
%s  </Choices>
</View>`, html.EscapeString(title), toName, fromName, toName, inner.String())
}

// ParseExport reads a JSON export and returns one labelled record per task
// with a usable annotation: the latest one not cancelled, first choice of
// its classification result. Tasks without one are skipped and counted.
func ParseExport(body []byte) ([]dataset.Record, int, error) {
	var tasks []Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		return nil, 0, fmt.Errorf("failed to decode Label Studio export: %w", err)
	}

	var (
		out     []dataset.Record
		skipped int
	)
	for _, t := range tasks {
		id := strings.TrimSpace(t.Data.ID)
		if id == "" {
			return nil, 0, fmt.Errorf("task %d has no data.id", t.ID)
		}
		label := latestChoice(t.Annotations)
		if label == "" {
			skipped++
			continue
		}
		out = append(out, dataset.Record{ID: id, Text: t.Data.Text, Domain: t.Data.Domain, Label: label})
	}
	return out, skipped, nil
}

func latestChoice(anns []Annotation) string {
	live := make([]Annotation, 0, len(anns))
	for _, a := range anns {
		if !a.WasCancelled {
			live = append(live, a)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		ti, tj := annotatedAt(live[i]), annotatedAt(live[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return live[i].ID > live[j].ID
	})
	for _, a := range live {
		if l := firstChoice(a.Result); l != "" {
			return l
		}
	}
	return ""
}

func annotatedAt(a Annotation) time.Time {
	for _, s := range []string{a.UpdatedAt, a.CreatedAt} {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func firstChoice(results []LSResult) string {
	for _, r := range results {
		if !strings.EqualFold(r.Type, "choices") {
			continue
		}
		choices, _ := r.Value["choices"].([]interface{})
		for _, c := range choices {
			if s, ok := c.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
