package dispatcher

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ApplyOverrides merges a group's parameterOverrides JSON object into the
// client's request body (spec §4.E: "apply parameterOverrides by JSON-object
// merge; override wins; null in override drops the field"). A nil or empty
// overrides value is a no-op.
func ApplyOverrides(body []byte, overrides []byte) ([]byte, error) {
	if len(overrides) == 0 {
		return body, nil
	}

	out := body
	var err error
	gjson.ParseBytes(overrides).ForEach(func(key, value gjson.Result) bool {
		field := key.String()
		if value.Type == gjson.Null {
			out, err = sjson.DeleteBytes(out, field)
		} else {
			out, err = sjson.SetRawBytes(out, field, []byte(value.Raw))
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
