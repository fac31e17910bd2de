package webhook

import (
	"github.com/goccy/go-json"
)

const maxPayloadBytes = 1_000_000

// governPayload re-serializes env, stripping fields in the order the
// size governor specifies, until the encoded payload fits under
// maxPayloadBytes. Returns the final bytes and the list of fields it
// had to strip, for the delivery response record.
func governPayload(env envelope) ([]byte, []string, error) {
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, nil, err
	}
	if len(encoded) <= maxPayloadBytes {
		return encoded, nil, nil
	}

	var stripped []string

	env.Email.ParsedData.Raw = stripBase64Raw(env.Email.ParsedData.Raw)
	stripped = append(stripped, "raw (attachment bodies removed)")
	encoded, err = json.Marshal(env)
	if err != nil {
		return nil, nil, err
	}
	if len(encoded) <= maxPayloadBytes {
		return encoded, stripped, nil
	}

	env.Email.ParsedData.Headers = nil
	stripped = append(stripped, "parsedData.headers")
	encoded, err = json.Marshal(env)
	if err != nil {
		return nil, nil, err
	}

	return encoded, stripped, nil
}
