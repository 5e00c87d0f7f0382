package queuebot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Record tags are the first line of every message in the storage channel.
// They are part of the on-channel format and must not change, or records
// written by earlier deployments will no longer be found.
const (
	RecordTagIndex    = "[QUEUE_INDEX]"
	RecordTagData     = "[QUEUE_DATA]"
	RecordTagSettings = "[QUEUE_SETTINGS]"
)

// ErrDecode is wrapped by every decode error. The store never propagates it;
// it logs and substitutes an empty or default value for the affected record.
var ErrDecode = errors.New("malformed record")

// RecordKind identifies the type of a storage channel message
type RecordKind int

const (
	RecordUnknown RecordKind = iota
	RecordIndex
	RecordData
	RecordSettings
)

func (k RecordKind) String() string {
	switch k {
	case RecordIndex:
		return "index"
	case RecordData:
		return "data"
	case RecordSettings:
		return "settings"
	default:
		return "unknown"
	}
}

// Settings is the payload of the settings record.
type Settings struct {
	Lang string `json:"lang"`
}

// RecordKindOf classifies a message by its tag prefix only, so a record
// with a truncated or corrupt payload is still recognized during bootstrap.
func RecordKindOf(content string) RecordKind {
	switch {
	case strings.HasPrefix(content, RecordTagIndex):
		return RecordIndex
	case strings.HasPrefix(content, RecordTagSettings):
		return RecordSettings
	case strings.HasPrefix(content, RecordTagData):
		return RecordData
	default:
		return RecordUnknown
	}
}

// splitRecord separates the tag line from the payload. Tag and payload are
// separated by exactly one newline.
func splitRecord(content string) (header string, payload string, err error) {
	header, payload, found := strings.Cut(content, "\n")
	if !found {
		return header, "", fmt.Errorf("%w: missing payload line", ErrDecode)
	}
	return header, payload, nil
}

// marshalCompact encodes v without insignificant whitespace and without
// HTML escaping. Map keys are sorted, so output is deterministic.
func marshalCompact(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// decodeNumbers decodes payload into v, keeping numbers as json.Number.
// The payload must hold exactly one JSON value.
func decodeNumbers(payload string, v any) error {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after payload")
	}
	return nil
}

// EncodeIndex renders the index record. Message IDs consisting only of
// digits are written as JSON integers.
func EncodeIndex(index map[string]string) string {
	out := make(map[string]any, len(index))
	for key, id := range index {
		if isDigits(id) {
			out[key] = json.Number(id)
		} else {
			out[key] = id
		}
	}
	payload, err := marshalCompact(out)
	if err != nil {
		// only reachable with an invalid json.Number, which isDigits excludes
		panic(fmt.Sprintf("encoding index: %v", err))
	}
	return RecordTagIndex + "\n" + payload
}

// DecodeIndex parses an index record. Values may be JSON integers or
// strings.
func DecodeIndex(content string) (map[string]string, error) {
	header, payload, err := splitRecord(content)
	if err != nil {
		return nil, err
	}
	if header != RecordTagIndex {
		return nil, fmt.Errorf("%w: unexpected tag %q", ErrDecode, header)
	}
	var raw map[string]any
	if err = decodeNumbers(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	index := make(map[string]string, len(raw))
	for key, v := range raw {
		switch id := v.(type) {
		case json.Number:
			if !isDigits(id.String()) {
				return nil, fmt.Errorf("%w: invalid record id %q for key %q", ErrDecode, id, key)
			}
			index[key] = id.String()
		case string:
			if id == "" {
				return nil, fmt.Errorf("%w: empty record id for key %q", ErrDecode, key)
			}
			index[key] = id
		default:
			return nil, fmt.Errorf("%w: invalid record id type %T for key %q", ErrDecode, v, key)
		}
	}
	return index, nil
}

// EncodeQueue renders the data record for key. An empty queue is written as
// [], never null.
func EncodeQueue(key string, members []int64) string {
	if members == nil {
		members = []int64{}
	}
	payload, _ := marshalCompact(members)
	return RecordTagData + " " + key + "\n" + payload
}

// DecodeQueue parses a data record, returning the key from its tag line and
// the members in queue order. Members may be JSON integers or integer
// strings. Repeated members keep their first position.
func DecodeQueue(content string) (string, []int64, error) {
	header, payload, err := splitRecord(content)
	if err != nil {
		return "", nil, err
	}
	key, ok := strings.CutPrefix(header, RecordTagData+" ")
	if !ok {
		return "", nil, fmt.Errorf("%w: unexpected tag %q", ErrDecode, header)
	}

	var raw []any
	if err = decodeNumbers(payload, &raw); err != nil {
		return key, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	members := make([]int64, 0, len(raw))
	seen := make(map[int64]struct{}, len(raw))
	for _, v := range raw {
		var id int64
		switch m := v.(type) {
		case json.Number:
			id, err = m.Int64()
		case string:
			id, err = strconv.ParseInt(strings.TrimSpace(m), 10, 64)
		default:
			err = fmt.Errorf("unexpected member type %T", v)
		}
		if err != nil {
			return key, nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	return key, members, nil
}

// EncodeSettings renders the settings record
func EncodeSettings(s Settings) string {
	payload, _ := marshalCompact(s)
	return RecordTagSettings + "\n" + payload
}

// DecodeSettings parses a settings record. A missing lang field decodes to
// an empty Lang, which the store replaces with the default language.
func DecodeSettings(content string) (Settings, error) {
	var s Settings
	header, payload, err := splitRecord(content)
	if err != nil {
		return s, err
	}
	if header != RecordTagSettings {
		return s, fmt.Errorf("%w: unexpected tag %q", ErrDecode, header)
	}
	if err = json.Unmarshal([]byte(payload), &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return s, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
