package changes

// Sequence is an opaque position token in a database's change history.
//
// Sequences are:
//   - Opaque: Do not parse or interpret their structure
//   - Order-defining: The server emits them in change order
//   - Not contiguous: Gaps between consecutive sequences are normal
//
// Numeric sequences keep their literal text ("42"); string sequences are
// stored unquoted. The zero value means "from the beginning".
type Sequence string

const (
	// SinceNow asks the server to start after the current last change.
	SinceNow Sequence = "now"
)

// String returns the sequence as a string.
func (s Sequence) String() string {
	return string(s)
}

// IsZero returns true if this sequence denotes the start of history.
func (s Sequence) IsZero() bool {
	return s == ""
}
