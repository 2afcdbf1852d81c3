package domain

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Overrides are caller-supplied per-request replacements for parts of
// the assistant configuration. Nil/zero members leave the configured
// value in place; applying them never mutates shared configuration.
type Overrides struct {
	ResponseSchema *ResponseSchema `json:"-"`
	RowLimit       int             `json:"row_limit,omitempty"`
	OutputTemplate string          `json:"output_template,omitempty"`
	SmartFormat    string          `json:"smart_format,omitempty"`
	Structured     *bool           `json:"structured,omitempty"`
}

// Question is the immutable per-request input.
type Question struct {
	Text      string    `json:"question"`
	History   []Turn    `json:"history,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	KeepAlive bool      `json:"keep_alive,omitempty"`
	Overrides Overrides `json:"overrides,omitempty"`
}

// Answer is mutated in place by post-processing stages and returned to
// the caller once final.
type Answer struct {
	Text       string `json:"text"`
	JSON       any    `json:"json,omitempty"`
	Structured bool   `json:"structured"`
	TraceID    string `json:"trace_id,omitempty"`
}

// AnswerCacheKey builds the whole-answer cache key. Overrides are
// hashed in so override variants of the same question never alias.
func AnswerCacheKey(assistant string, question Question) string {
	payload, _ := json.Marshal(question.Overrides)
	return assistant + "|" + question.Text + "|" + strconv.FormatUint(xxhash.Sum64(payload), 16)
}

func (a *Answer) Clone() *Answer {
	if a == nil {
		return nil
	}
	out := *a
	out.JSON = cloneValue(a.JSON)
	return &out
}
