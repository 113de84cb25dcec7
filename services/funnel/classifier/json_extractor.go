// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	fencedBlockRe = regexp.MustCompile("(?i)```(?:json)?\\s*([\\s\\S]*?)\\s*```")
	thinkBlockRe  = regexp.MustCompile(`(?is)<think>.*?</think>`)
)

// ExtractJSONObject pulls the JSON object out of a model reply.
//
// Description:
//
//	Reasoning models wrap answers in <think> blocks and chat models in
//	fenced code. Both are stripped, then the text from the first '{' to the
//	last '}' is returned.
//
// Outputs:
//
//	string - The candidate object text.
//	error - Wraps ErrMalformedResponse when no object is present.
func ExtractJSONObject(text string) (string, error) {
	text = thinkBlockRe.ReplaceAllString(text, "")
	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}
	return text[start : end+1], nil
}

// wireResult accepts the loose shapes models actually produce: confidence
// as a string, template_key as null or "null".
type wireResult struct {
	Action      *string         `json:"action"`
	TemplateKey *string         `json:"template_key"`
	Confidence  json.RawMessage `json:"confidence"`
	Reason      any             `json:"reason"`
}

// ParseResult decodes a model reply into a Result.
//
// Description:
//
//	A missing action defaults to move_manual and a missing confidence to 0,
//	so an incomplete answer degrades to a human rather than an error.
//	Confidence outside [0,1] is rejected.
//
// Outputs:
//
//	Result - The decoded classification.
//	error - Wraps ErrMalformedResponse.
func ParseResult(content string) (Result, error) {
	snippet, err := ExtractJSONObject(content)
	if err != nil {
		return Result{}, err
	}

	var w wireResult
	if err := json.Unmarshal([]byte(snippet), &w); err != nil {
		return Result{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedResponse, err)
	}

	res := Result{Action: ActionMoveManual}
	if w.Action != nil && strings.TrimSpace(*w.Action) != "" {
		res.Action = Action(strings.ToLower(strings.TrimSpace(*w.Action)))
	}
	if w.TemplateKey != nil {
		key := strings.ToLower(strings.TrimSpace(*w.TemplateKey))
		if key != "null" && key != "none" {
			res.TemplateKey = key
		}
	}
	conf, err := parseConfidence(w.Confidence)
	if err != nil {
		return Result{}, err
	}
	res.Confidence = conf
	if w.Reason != nil {
		res.Reason = fmt.Sprint(w.Reason)
	}
	return res, nil
}

func parseConfidence(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	s = strings.Trim(s, `"`)
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: confidence %s is not a number", ErrMalformedResponse, string(raw))
	}
	if !inUnitRange(f) {
		return 0, fmt.Errorf("%w: confidence %v out of range", ErrMalformedResponse, f)
	}
	return f, nil
}

// inUnitRange reports whether f is a number in [0, 1]. NaN is not.
func inUnitRange(f float64) bool {
	return f >= 0 && f <= 1
}
