package dispatcher

import "encoding/json"

func unmarshalJSON(v []byte, dest interface{}) error {
	return json.Unmarshal(v, dest)
}
