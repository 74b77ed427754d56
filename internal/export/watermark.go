package export

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// WatermarkKey is the field added to JSON exports.
const WatermarkKey = "_watermark"

// EmbedJSON adds the watermark to a JSON document. Objects gain a _watermark
// field; any other document is wrapped as {"data": doc, "_watermark": wm}.
func EmbedJSON(doc []byte, wm Watermark) ([]byte, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("export: empty document")
	}
	if trimmed[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("export: decode document: %w", err)
		}
		mark, err := json.Marshal(wm)
		if err != nil {
			return nil, err
		}
		obj[WatermarkKey] = mark
		return json.Marshal(obj)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("export: document is not valid JSON")
	}
	return json.Marshal(map[string]any{
		"data":       json.RawMessage(trimmed),
		WatermarkKey: wm,
	})
}

// CSVHeader returns the comment line prepended to CSV exports.
func CSVHeader(wm Watermark) (string, error) {
	mark, err := json.Marshal(wm)
	if err != nil {
		return "", err
	}
	return "# watermark: " + string(mark) + "\n", nil
}
