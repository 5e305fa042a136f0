package qinglong

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// DecodeTaskList normalizes the "data" member of a list response.
//
// Observed shapes:
//
//	[ {task}, ... ]
//	{ "data": [ {task}, ... ], "total": N }
//
// Non-object elements are skipped. Ids may be numbers or strings; isDisabled
// may be a number or a bool (missing means enabled).
func DecodeTaskList(data json.RawMessage) (TaskList, error) {
	tl, _, err := decodeTaskList(data)
	return tl, err
}

// decodeTaskList also returns the ids of repeated entries that were dropped;
// the first occurrence of an id wins.
func decodeTaskList(data json.RawMessage) (TaskList, []string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return TaskList{}, nil, nil
	}

	var items []json.RawMessage
	total := -1
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return TaskList{}, nil, err
		}
	case '{':
		var paged struct {
			Data  json.RawMessage `json:"data"`
			Total *int            `json:"total"`
		}
		if err := json.Unmarshal(data, &paged); err != nil {
			return TaskList{}, nil, err
		}
		inner := bytes.TrimSpace(paged.Data)
		if len(inner) > 0 && inner[0] == '[' {
			if err := json.Unmarshal(inner, &items); err != nil {
				return TaskList{}, nil, err
			}
		}
		if paged.Total != nil {
			total = *paged.Total
		}
	default:
		return TaskList{}, nil, errors.New("unexpected task list shape")
	}

	out := TaskList{Tasks: make([]Task, 0, len(items))}
	seen := make(map[string]struct{}, len(items))
	var dups []string
	for _, it := range items {
		t, ok := decodeTask(it)
		if !ok {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			dups = append(dups, t.ID)
			continue
		}
		seen[t.ID] = struct{}{}
		out.Tasks = append(out.Tasks, t)
	}
	out.Total = total
	if out.Total < 0 {
		out.Total = len(out.Tasks)
	}
	return out, dups, nil
}

type rawTask struct {
	ID         json.RawMessage `json:"id"`
	Name       string          `json:"name"`
	Command    string          `json:"command"`
	Schedule   string          `json:"schedule"`
	IsDisabled json.RawMessage `json:"isDisabled"`
}

func decodeTask(raw json.RawMessage) (Task, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Task{}, false
	}
	var rt rawTask
	if err := json.Unmarshal(raw, &rt); err != nil {
		return Task{}, false
	}
	id := scalarString(rt.ID)
	if id == "" {
		return Task{}, false
	}
	t := Task{
		ID:       id,
		Name:     rt.Name,
		Command:  rt.Command,
		Schedule: rt.Schedule,
		Enabled:  !truthy(rt.IsDisabled),
	}
	t.DisplayName = ScriptName(t.Command)
	if t.DisplayName == "" {
		t.DisplayName = t.Name
	}
	return t, true
}

// ScriptName strips the "task " runner prefix from a command.
func ScriptName(command string) string {
	command = strings.TrimSpace(command)
	if strings.HasPrefix(command, "task ") {
		return strings.TrimSpace(command[len("task "):])
	}
	return command
}

func scalarString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if s[0] == '"' {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return ""
		}
		return strings.TrimSpace(v)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

func truthy(raw json.RawMessage) bool {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	switch s {
	case "", "null", "0", "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f != 0
	}
	return true
}
