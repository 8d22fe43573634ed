package judge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CallbackStatus is the status object of a judge callback.
type CallbackStatus struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

// CallbackPayload is the body the judge sends once one submission has run.
// Only token, status, time and memory are used; the output fields are accepted and ignored.
type CallbackPayload struct {
	Token         string          `json:"token"`
	Status        *CallbackStatus `json:"status"`
	Time          FlexNumber      `json:"time"`
	Memory        FlexNumber      `json:"memory"`
	Stdout        *string         `json:"stdout"`
	Stderr        *string         `json:"stderr"`
	CompileOutput *string         `json:"compile_output"`
	Message       *string         `json:"message"`

	// Malformed is set when the token is valid but the result fields are not.
	// Such a payload carries no status and zero usage, so it grades as SERVICE_ERROR.
	Malformed error `json:"-"`
}

// StatusID returns the reported status id, or 0 when the judge sent none.
func (p *CallbackPayload) StatusID() int {
	if p.Status == nil {
		return 0
	}
	return p.Status.ID
}

// TimeMs returns the reported CPU time in milliseconds, at microsecond precision.
func (p *CallbackPayload) TimeMs() float64 {
	return math.Round(float64(p.Time)*1e6) / 1e3
}

// MemoryKB returns the reported peak memory in kilobytes.
func (p *CallbackPayload) MemoryKB() int64 {
	return int64(math.Round(float64(p.Memory)))
}

// DecodeCallback parses a callback body. Only a missing or non-string token is an error;
// unparsable result fields yield a payload with Malformed set.
func DecodeCallback(body []byte) (*CallbackPayload, error) {
	var head struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("decode callback token failed: %w", err)
	}
	token := strings.TrimSpace(head.Token)
	if token == "" {
		return nil, fmt.Errorf("callback token is empty")
	}

	var payload CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return &CallbackPayload{Token: token, Malformed: fmt.Errorf("decode callback failed: %w", err)}, nil
	}
	payload.Token = token
	return &payload, nil
}

// FlexNumber accepts a JSON number, a numeric string or null.
type FlexNumber float64

func (n *FlexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q: %w", s, err)
		}
		*n = FlexNumber(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = FlexNumber(f)
	return nil
}
