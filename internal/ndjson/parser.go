// Package ndjson reads newline-delimited JSON change streams.
//
// Line format of a continuous changes feed:
//   - an empty line is a heartbeat sent by the server at the configured interval
//   - any other line is one JSON record
package ndjson

import (
	"bufio"
	"bytes"
	"io"
)

// Line represents one classified line from the stream.
type Line interface {
	lineType() string
}

// Heartbeat is an empty keep-alive line.
type Heartbeat struct{}

func (Heartbeat) lineType() string { return "heartbeat" }

// Record holds the raw bytes of a non-empty line, without the line terminator.
type Record struct {
	Data []byte
}

func (Record) lineType() string { return "record" }

// Parser reads lines from an io.Reader.
// Lines are not length limited; a change record carrying a large embedded
// document is returned whole.
type Parser struct {
	reader *bufio.Reader
}

// NewParser creates a new Parser from an io.Reader.
func NewParser(r io.Reader) *Parser {
	return &Parser{
		reader: bufio.NewReader(r),
	}
}

// Next returns the next line from the stream.
// A trailing line without a newline is returned before io.EOF.
// Returns io.EOF when the stream is exhausted.
func (p *Parser) Next() (Line, error) {
	line, err := p.reader.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
			return Record{Data: line}, nil
		}
		return nil, err
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))

	if len(bytes.TrimSpace(line)) == 0 {
		return Heartbeat{}, nil
	}
	return Record{Data: line}, nil
}
