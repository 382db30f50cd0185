package stream

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/util"
)

// envelope is the outer frame of every server message.
type envelope struct {
	Trnm       string          `json:"trnm"`
	ReturnCode *int            `json:"return_code,omitempty"`
	ReturnMsg  string          `json:"return_msg,omitempty"`
	Seq        json.RawMessage `json:"seq,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// realRow is one item inside a REAL frame.
type realRow struct {
	Item   string            `json:"item"`
	Type   string            `json:"type"`
	Values map[string]string `json:"values"`
}

// Condition is one saved search registered at the broker.
type Condition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// normalizeConditionID strips leading zeros from numeric condition ids
// so "005" and "5" address the same search.
func normalizeConditionID(raw string) string {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return strconv.Itoa(n)
	}
	return raw
}

// parseConditionList decodes a CNSRLST payload. The server sends either
// a list of [id, name] pairs or a single "id^name;id^name" string.
func parseConditionList(raw json.RawMessage) []Condition {
	var conditions []Condition

	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err == nil {
		for _, pair := range pairs {
			if len(pair) >= 2 {
				conditions = append(conditions, Condition{ID: pair[0], Name: pair[1]})
			}
		}
		return conditions
	}

	var strs []string
	if err := json.Unmarshal(raw, &strs); err == nil && len(strs) > 0 {
		for _, entry := range strings.Split(strs[0], ";") {
			parts := strings.Split(entry, "^")
			if len(parts) == 2 {
				conditions = append(conditions, Condition{ID: parts[0], Name: parts[1]})
			}
		}
	}
	return conditions
}

// snapshotStock is one code/name pair from a CNSRREQ snapshot.
type snapshotStock struct {
	Code string
	Name string
}

// parseSnapshot decodes a CNSRREQ payload. Rows arrive as objects, as
// "code^name" strings inside a list, or as one ";"-joined string.
func parseSnapshot(raw json.RawMessage) []snapshotStock {
	var stocks []snapshotStock
	appendPair := func(code, name string) {
		code = util.StripSymbolPrefix(strings.TrimSpace(code))
		if code == "" {
			return
		}
		if name == "" {
			name = code
		}
		stocks = append(stocks, snapshotStock{Code: code, Name: name})
	}
	appendCaret := func(entry string) {
		if strings.TrimSpace(entry) == "" {
			return
		}
		parts := strings.Split(entry, "^")
		name := ""
		if len(parts) > 1 {
			name = parts[1]
		}
		appendPair(parts[0], name)
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err == nil {
		for _, row := range rows {
			var obj map[string]string
			if err := json.Unmarshal(row, &obj); err == nil {
				appendPair(util.FirstNonEmpty(obj["jmcode"], obj["code"], obj["9001"]),
					util.FirstNonEmpty(obj["stock_name"], obj["name"]))
				continue
			}
			var s string
			if err := json.Unmarshal(row, &s); err == nil {
				appendCaret(s)
			}
		}
		return stocks
	}

	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		for _, entry := range strings.Split(joined, ";") {
			appendCaret(entry)
		}
	}
	return stocks
}

// parseSeq decodes the snapshot sequence id, which arrives as a string
// or a number.
func parseSeq(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return normalizeConditionID(s)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.Itoa(n)
	}
	return ""
}
