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
	"fmt"
	"strings"
)

// SystemPrompt instructs the model to act as a strict template chooser.
const SystemPrompt = `You are a STRICT FALLBACK CLASSIFIER for a Telegram sales assistant.
Persona context only helps you choose the next PREDEFINED TEMPLATE to send; you DO NOT write free-text.

Allowed templates: greeting, pricelist, paylink, confirmation.
Allowed moves: move_manual, move_timewaster, move_confirmation.

Hard rules:
- Output JSON ONLY.
- Prefer sending a template if it advances the funnel (greeting→pricelist→paylink→confirmation).
- Never repeat a template already used in this chat.
- If user says they paid/are paying → action=move_confirmation (the app will send 'confirmation' template once, then move).
- If language isn't English, interpret intent and still choose a template or move; do NOT translate or chat.
- If conversation is complex/ambiguous or all useful templates are already used → move_manual.
- In folders Manual/Timewaster/Confirmation you DO NOT send; choose a move if appropriate.
JSON schema:
{
  "action": "send_template|move_manual|move_timewaster|move_confirmation",
  "template_key": "greeting|pricelist|paylink|confirmation|null",
  "confidence": 0..1,
  "reason": "short"
}`

// fewShot pairs prime the model with the exact output shape.
var fewShot = []ChatMessage{
	{Role: RoleUser, Content: "Folder: BOT\nUsed templates: none\nMessage: hi"},
	{Role: RoleAssistant, Content: `{"action":"send_template","template_key":"greeting","confidence":0.95,"reason":"greeting"}`},
	{Role: RoleUser, Content: "Folder: BOT\nUsed templates: greeting\nMessage: what do you offer"},
	{Role: RoleAssistant, Content: `{"action":"send_template","template_key":"pricelist","confidence":0.9,"reason":"asks for offer"}`},
	{Role: RoleUser, Content: "Folder: BOT\nUsed templates: greeting, pricelist, paylink\nMessage: done, check it"},
	{Role: RoleAssistant, Content: `{"action":"move_confirmation","template_key":"confirmation","confidence":0.9,"reason":"reports payment"}`},
	{Role: RoleUser, Content: "Folder: BOT\nUsed templates: greeting\nMessage: not for me, bye"},
	{Role: RoleAssistant, Content: `{"action":"move_timewaster","template_key":null,"confidence":0.85,"reason":"declines"}`},
	{Role: RoleUser, Content: "Folder: BOT\nUsed templates: greeting\nMessage: can we meet at the station tomorrow?"},
	{Role: RoleAssistant, Content: `{"action":"move_manual","template_key":null,"confidence":0.8,"reason":"off-script request"}`},
}

// BuildMessages renders req as a chat transcript.
//
// Inputs:
//
//	req - The request. Only the last historyWindow history entries are used.
//	historyWindow - Maximum history lines. Values <= 0 send no history.
//
// Outputs:
//
//	[]ChatMessage - System prompt, few-shot pairs, then the request.
func BuildMessages(req Request, historyWindow int) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(fewShot)+2)
	msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: SystemPrompt})
	msgs = append(msgs, fewShot...)

	history := req.History
	if historyWindow <= 0 {
		history = nil
	} else if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	used := "none"
	if keys := req.Used.Keys(); len(keys) > 0 {
		used = strings.Join(keys, ", ")
	}
	folder := req.Folder.Label()
	if folder == "" {
		folder = "BOT"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Folder: %s\n", folder)
	fmt.Fprintf(&b, "Used templates: %s\n", used)
	if req.Last != "" {
		fmt.Fprintf(&b, "Last template: %s\n", req.Last)
	}
	if len(history) > 0 {
		b.WriteString("Previous messages:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	fmt.Fprintf(&b, "Message: %s", req.Text)

	msgs = append(msgs, ChatMessage{Role: RoleUser, Content: b.String()})
	return msgs
}
