package scanning

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies what a scanned string was recognized as
type Kind string

const (
	KindUnknown   Kind = "unknown"
	KindWorkOrder Kind = "work_order"
	KindCustomer  Kind = "customer"
	KindPayload   Kind = "payload"
)

// Payload is the decoded intent of a barcode or QR scan.
// An empty string field means the value was not present in the scan.
type Payload struct {
	Kind               Kind   `json:"kind"`
	WorkOrderCode      string `json:"wo,omitempty"`
	FirstName          string `json:"cf,omitempty"`
	LastName           string `json:"cl,omitempty"`
	DeviceType         string `json:"dt,omitempty"`
	DeviceManufacturer string `json:"dm,omitempty"`
	PhoneDigits        string `json:"cp,omitempty"` // ASCII digits only
	Email              string `json:"ce,omitempty"`
}

// HasContact reports whether the payload carries a phone number or email
func (p Payload) HasContact() bool {
	return p.PhoneDigits != "" || p.Email != ""
}

// HasFullName reports whether both first and last name are present
func (p Payload) HasFullName() bool {
	return p.FirstName != "" && p.LastName != ""
}

var (
	bareWorkOrderPattern = regexp.MustCompile(`(?i)^WO[-\s]?\w+$`)
	workOrderNumber      = regexp.MustCompile(`(?i)^(?:WO[-\s]?)?(\d+)$`)
)

// minPipeFields is the number of positional fields in wo|cf|cl|dt|dm
const minPipeFields = 5

// Parse turns a raw scanned string into a Payload. It never fails: anything
// it does not recognize comes back as KindUnknown with every field empty.
func Parse(raw string) Payload {
	s := strings.TrimSpace(raw)
	upper := strings.ToUpper(s)

	// Prefix routing wins over every structured format
	if strings.HasPrefix(upper, "WO-") {
		return Payload{Kind: KindWorkOrder, WorkOrderCode: s}
	}
	if strings.HasPrefix(upper, "CUST-") {
		return Payload{Kind: KindCustomer}
	}

	if looksLikeJSON(s) {
		if p, ok := parseJSONPayload(s); ok {
			return p
		}
	}

	if p, ok := parsePipePayload(s); ok {
		return p
	}

	if bareWorkOrderPattern.MatchString(s) {
		return Payload{Kind: KindWorkOrder, WorkOrderCode: s}
	}

	return Payload{Kind: KindUnknown}
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// jsonValue decodes one QR value, keeping numbers as their literal text
func jsonValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// textField reads a free-text key. Numbers and booleans become their JSON
// text, since encoders often write numeric work order codes unquoted.
func textField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, present := obj[key]
	if !present {
		return "", true
	}
	v, err := jsonValue(raw)
	if err != nil {
		return "", false
	}
	switch v := v.(type) {
	case nil:
		return "", true
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// contactField reads cp or ce. Any empty JSON value counts as absent; any
// other non-string value rejects the whole object.
func contactField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, present := obj[key]
	if !present {
		return "", true
	}
	v, err := jsonValue(raw)
	if err != nil {
		return "", false
	}
	switch v := v.(type) {
	case nil:
		return "", true
	case string:
		return v, true
	case bool:
		return "", !v
	case json.Number:
		f, err := v.Float64()
		return "", err == nil && f == 0
	case []any:
		return "", len(v) == 0
	case map[string]any:
		return "", len(v) == 0
	default:
		return "", false
	}
}

// parseJSONPayload decodes a QR JSON object. Keys are matched exactly, so
// "CF" is not "cf". ok is false when s is not a JSON object or a field
// holds a value that cannot be read as text.
func parseJSONPayload(s string) (Payload, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return Payload{}, false
	}

	var text [5]string
	for i, key := range []string{"wo", "cf", "cl", "dt", "dm"} {
		v, ok := textField(obj, key)
		if !ok {
			return Payload{}, false
		}
		text[i] = v
	}
	phone, ok := contactField(obj, "cp")
	if !ok {
		return Payload{}, false
	}
	email, ok := contactField(obj, "ce")
	if !ok {
		return Payload{}, false
	}

	return Payload{
		Kind:               KindPayload,
		WorkOrderCode:      text[0],
		FirstName:          text[1],
		LastName:           text[2],
		DeviceType:         text[3],
		DeviceManufacturer: text[4],
		PhoneDigits:        NormalizePhone(phone),
		Email:              strings.TrimSpace(email),
	}, true
}

// parsePipePayload decodes wo|cf|cl|dt|dm[|cp[|ce]]
func parsePipePayload(s string) (Payload, bool) {
	parts := strings.Split(s, "|")
	if len(parts) < minPipeFields {
		return Payload{}, false
	}

	p := Payload{
		Kind:               KindPayload,
		WorkOrderCode:      strings.TrimSpace(parts[0]),
		FirstName:          strings.TrimSpace(parts[1]),
		LastName:           strings.TrimSpace(parts[2]),
		DeviceType:         strings.TrimSpace(parts[3]),
		DeviceManufacturer: strings.TrimSpace(parts[4]),
	}
	if len(parts) > 5 {
		p.PhoneDigits = NormalizePhone(parts[5])
	}
	if len(parts) > 6 {
		p.Email = strings.TrimSpace(parts[6])
	}
	return p, true
}

// NormalizePhone strips every character that is not an ASCII digit.
// The result may be empty.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for i := 0; i < len(phone); i++ {
		if c := phone[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// WorkOrderNumber interprets a scanned code as a numeric work order id.
// "1042", "WO-1042" and "wo 1042" all yield 1042.
func WorkOrderNumber(code string) (int64, bool) {
	m := workOrderNumber.FindStringSubmatch(strings.TrimSpace(code))
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
