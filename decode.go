package changes

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	errInvalidJSON = errors.New("invalid JSON")
	errNotObject   = errors.New("record is not a JSON object")
	errMissingSeq  = errors.New("record has no seq")
	errMissingID   = errors.New("record has no id")
	errInvalidDoc  = errors.New("doc is not a JSON object")
)

// decodeLine decodes one non-empty line of a changes feed.
//
// It returns the decoded event, or a nil event and the server's last sequence
// when the line is the end-of-feed marker ({"last_seq": ...}). Any other line
// that is not a change record is a *DecodeError.
func decodeLine(line []byte) (*Event, Sequence, error) {
	if !gjson.ValidBytes(line) {
		return nil, "", newDecodeError(line, errInvalidJSON)
	}
	if !gjson.ParseBytes(line).IsObject() {
		return nil, "", newDecodeError(line, errNotObject)
	}

	fields := gjson.GetManyBytes(line,
		"seq", "id", "changes.0.rev", "deleted", "doc", "last_seq", "error", "reason")
	seqField, idField, revField, deletedField, docField := fields[0], fields[1], fields[2], fields[3], fields[4]
	lastSeqField, errorField, reasonField := fields[5], fields[6], fields[7]

	if errorField.Exists() {
		return nil, "", newDecodeError(line,
			fmt.Errorf("server error %s: %s", errorField.String(), reasonField.String()))
	}

	if !idField.Exists() && lastSeqField.Exists() {
		lastSeq, _ := sequenceOf(lastSeqField)
		return nil, lastSeq, nil
	}

	seq, ok := sequenceOf(seqField)
	if !ok {
		return nil, "", newDecodeError(line, errMissingSeq)
	}
	if idField.Type != gjson.String || idField.Str == "" {
		return nil, "", newDecodeError(line, errMissingID)
	}

	// A null doc means none was included.
	hasDoc := docField.Exists() && docField.Type != gjson.Null
	if hasDoc && !docField.IsObject() {
		return nil, "", newDecodeError(line, errInvalidDoc)
	}

	ev := &Event{
		seq:     seq,
		id:      idField.Str,
		rev:     revField.String(),
		deleted: deletedField.Bool(),
	}
	if hasDoc {
		ev.doc = docField.Raw
	}
	return ev, seq, nil
}

// sequenceOf converts a seq field to a Sequence.
// Numbers keep their literal text, strings are unquoted, and composite
// sequences (arrays) keep their raw JSON.
func sequenceOf(r gjson.Result) (Sequence, bool) {
	switch r.Type {
	case gjson.String:
		return Sequence(r.Str), r.Str != ""
	case gjson.Number:
		return Sequence(r.Raw), true
	case gjson.JSON:
		return Sequence(r.Raw), true
	default:
		return "", false
	}
}
