package parser

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abakedjoetato/killfeed/pkg/types"
)

// Parser turns one complete line into at most one event.
type Parser interface {
	// Parse returns (nil, nil) when the line matches no grammar.
	Parse(line string, sourceID string) (types.Event, error)

	// Name returns the parser name
	Name() string
}

// TimestampLayout is the game server's timestamp format: YYYY.MM.DD-HH.MM.SS.
const TimestampLayout = "2006.01.02-15.04.05"

var (
	// ErrEmptyLine is returned for blank input.
	ErrEmptyLine = errors.New("empty line")
	// ErrMalformed wraps records that look like a known grammar but cannot be decoded.
	ErrMalformed = errors.New("malformed record")
)

// New creates the parser for a parser kind.
func New(kind types.ParserKind) (Parser, error) {
	switch kind {
	case types.KindLog:
		return NewLogParser(), nil
	case types.KindCSV:
		return NewCSVParser(), nil
	default:
		return nil, fmt.Errorf("unknown parser kind: %s", kind)
	}
}

// ParseTimestamp parses a game server timestamp as UTC.
func ParseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, strings.TrimSpace(ts))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, ts)
	}
	return t, nil
}

// TrimLine strips the line terminator, accepting both \n and \r\n.
func TrimLine(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
