package reading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingField = errors.New("missing field")
	ErrInvalidField = errors.New("invalid field")
)

// Reading is one validated sample from an indoor climate sensor.
type Reading struct {
	CO2           float64
	DewPoint      float64
	Humidity      float64
	Temperature   float64
	ParticleCount float64
	Time          time.Time
}

// field keys accepted on the wire, matched case-insensitively
var aliases = map[string]string{
	"co2":     "CO2",
	"dp":      "DP",
	"h":       "H",
	"t":       "T",
	"temp":    "T",
	"pcount":  "pCount",
	"p_count": "pCount",
	"time":    "time",
}

// Decode parses an inbound JSON payload. All five measurements are
// required; time is optional and defaults to receivedAt.
func Decode(payload []byte, receivedAt time.Time) (Reading, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Reading{}, fmt.Errorf("decode payload: %w", err)
	}
	if raw == nil {
		return Reading{}, fmt.Errorf("decode payload: %w: not an object", ErrInvalidField)
	}

	values := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		name, ok := aliases[strings.ToLower(k)]
		if !ok {
			continue
		}
		if _, dup := values[name]; dup {
			return Reading{}, fmt.Errorf("%w: duplicate %s", ErrInvalidField, name)
		}
		values[name] = v
	}

	var (
		r   Reading
		err error
	)
	if r.CO2, err = number(values, "CO2"); err != nil {
		return Reading{}, err
	}
	if r.DewPoint, err = number(values, "DP"); err != nil {
		return Reading{}, err
	}
	if r.Humidity, err = number(values, "H"); err != nil {
		return Reading{}, err
	}
	if r.Temperature, err = number(values, "T"); err != nil {
		return Reading{}, err
	}
	if r.ParticleCount, err = number(values, "pCount"); err != nil {
		return Reading{}, err
	}

	r.Time = receivedAt
	if v, ok := values["time"]; ok {
		ns, err := strconv.ParseInt(string(bytes.TrimSpace(v)), 10, 64)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: time: %q", ErrInvalidField, v)
		}
		r.Time = time.Unix(0, ns)
	}

	return r, nil
}

func number(values map[string]json.RawMessage, name string) (float64, error) {
	v, ok := values[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	var f float64
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) || json.Unmarshal(v, &f) != nil {
		return 0, fmt.Errorf("%w: %s: %s", ErrInvalidField, name, v)
	}
	return f, nil
}

// Fields returns the measurement fields as they are stored.
func (r Reading) Fields() map[string]any {
	return map[string]any{
		"T":      r.Temperature,
		"H":      r.Humidity,
		"DP":     r.DewPoint,
		"CO2":    r.CO2,
		"pCount": r.ParticleCount,
	}
}

func (r Reading) String() string {
	return fmt.Sprintf("time: %s, T: %v °C, DP: %v °C, H: %v %%, CO2: %v ppm, pCount: %v",
		r.Time.UTC().Format("2006-01-02 15:04:05.999999999 UTC"),
		r.Temperature, r.DewPoint, r.Humidity, r.CO2, r.ParticleCount)
}
