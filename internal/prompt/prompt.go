// Package prompt holds the fixed instruction templates wrapped around user
// queries before they reach the generation model.
package prompt

import (
	"fmt"
	"sort"

	"github.com/tmc/langchaingo/prompts"
)

// Task selects a template.
type Task string

const (
	// TaskQA is used for answer generation.
	TaskQA Task = "qa"
	// TaskRAG is used when reading a document fragment.
	TaskRAG Task = "rag"
)

const queryVar = "query"

var templates = map[Task]prompts.PromptTemplate{
	TaskQA: prompts.NewPromptTemplate(
		"You are an expert on quality automation. Provide a detailed and insightful answer to the following question: {query}",
		[]string{queryVar},
	),
	TaskRAG: prompts.NewPromptTemplate(
		"You are reading document provide part of document contains: {query}",
		[]string{queryVar},
	),
}

// Render substitutes query into the template for task.
func Render(task Task, query string) (string, error) {
	tmpl, ok := templates[task]
	if !ok {
		return "", fmt.Errorf("unknown prompt task %q", task)
	}
	out, err := tmpl.Format(map[string]any{queryVar: query})
	if err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", task, err)
	}
	return out, nil
}

// tasks lists the known template names in sorted order.
func tasks() []Task {
	out := make([]Task, 0, len(templates))
	for t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
