package khepera

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Command is the first character of a request line.
type Command byte

const (
	CmdSetSpeeds     Command = 'D'
	CmdSetPosition   Command = 'C'
	CmdSetCounts     Command = 'G'
	CmdReadCounts    Command = 'H'
	CmdReadProximity Command = 'N'
	CmdReadAmbient   Command = 'O'
	CmdLED           Command = 'L'
	CmdVersion       Command = 'B'
)

func (c Command) String() string {
	return string(rune(c))
}

// Echo is the character a well-formed response starts with.
func (c Command) Echo() byte {
	return byte(unicode.ToLower(rune(c)))
}

var (
	// ErrNoReading is returned once an exchange has used up its retries.
	ErrNoReading = errors.New("no reading")
	// ErrTimeout means no response line arrived in time.
	ErrTimeout = errors.New("response timeout")
	// ErrClosed means the port stopped delivering lines.
	ErrClosed = errors.New("link closed")
)

// ProtocolError is a response line that does not answer the command sent.
type ProtocolError struct {
	Command Command
	Line    string
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol warning for %s: %s (got %q)", e.Command, e.Reason, e.Line)
}

// FormatCommand renders a request line, newline included.
func FormatCommand(cmd Command, args ...int) string {
	var b strings.Builder
	b.WriteByte(byte(cmd))
	for _, a := range args {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(a))
	}
	b.WriteByte('\n')
	return b.String()
}

// ParseResponse checks the echo of a raw response line and returns its
// integer fields. The echo plus separator in front and the line terminator
// at the end are filler.
func ParseResponse(cmd Command, line string) ([]int, error) {
	body := strings.TrimRight(line, "\r\n")
	if body == "" {
		return nil, &ProtocolError{Command: cmd, Line: line, Reason: "empty response"}
	}
	if body[0] != cmd.Echo() {
		return nil, &ProtocolError{Command: cmd, Line: line, Reason: "echo mismatch"}
	}
	body = strings.TrimPrefix(body[1:], ",")
	if body == "" {
		return nil, nil
	}

	fields := strings.Split(body, ",")
	values := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, &ProtocolError{Command: cmd, Line: line, Reason: fmt.Sprintf("field %d is not an integer", i)}
		}
		values[i] = v
	}
	return values, nil
}
