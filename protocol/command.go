package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// Separator precedes every parameter in an encoded command line.
	Separator = "-=%&%=-"
	// ValueSeparator splits a parameter into key and value.
	ValueSeparator = "%=%"
	// DefaultPort is the TCP port the server listens on when no override exists.
	DefaultPort = 1313
	// MaxPayloadSize bounds a single raw payload following a command line (512 MB).
	MaxPayloadSize = 512 * 1024 * 1024
)

// CommandType tags the kind of a command message.
type CommandType int

const (
	TypeUnknown CommandType = iota
	TypeLogin
	TypeRegister
	TypeSend
	TypeStartReceive
)

var commandTags = map[CommandType]string{
	TypeLogin:        "Login",
	TypeRegister:     "Register",
	TypeSend:         "Send",
	TypeStartReceive: "Start Receive",
}

// Parameter keys.
const (
	ParamUsername = "U"
	ParamPassword = "P"
	ParamLength   = "L"
	ParamFile     = "F"
	ParamError    = "E"
	ParamSuccess  = "S"
)

var (
	// ErrPayloadLength indicates a missing or invalid binary payload length.
	ErrPayloadLength = errors.New("protocol: invalid payload length")
)

// ParseCommandType maps a wire tag to its CommandType. Unrecognized tags map to TypeUnknown.
func ParseCommandType(tag string) CommandType {
	for t, s := range commandTags {
		if s == tag {
			return t
		}
	}
	return TypeUnknown
}

// String returns the wire tag for the type.
func (t CommandType) String() string {
	if s, ok := commandTags[t]; ok {
		return s
	}
	return "Unknown"
}

type param struct {
	key   string
	value string
}

// Command is one protocol message: a type tag plus ordered, unique parameters.
type Command struct {
	// Tag is the raw type segment. It is kept so unknown types can be reported verbatim.
	Tag    string
	params []param
}

// NewCommand creates a command of the given type with no parameters.
func NewCommand(t CommandType) *Command {
	return &Command{Tag: t.String()}
}

// Type returns the parsed command type.
func (c *Command) Type() CommandType {
	return ParseCommandType(c.Tag)
}

// Set adds a parameter, replacing the value in place if the key already exists.
func (c *Command) Set(key, value string) *Command {
	for i := range c.params {
		if c.params[i].key == key {
			c.params[i].value = value
			return c
		}
	}
	c.params = append(c.params, param{key: key, value: value})
	return c
}

// Get returns a parameter value and whether it was set.
func (c *Command) Get(key string) (string, bool) {
	for _, p := range c.params {
		if p.key == key {
			return p.value, true
		}
	}
	return "", false
}

// Value returns a parameter value, or "" when it is not set.
func (c *Command) Value(key string) string {
	v, _ := c.Get(key)
	return v
}

// Has reports whether key is set.
func (c *Command) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Params returns a copy of the parameter mapping.
func (c *Command) Params() map[string]string {
	out := make(map[string]string, len(c.params))
	for _, p := range c.params {
		out[p.key] = p.value
	}
	return out
}

// Keys returns parameter keys in insertion order.
func (c *Command) Keys() []string {
	out := make([]string, 0, len(c.params))
	for _, p := range c.params {
		out = append(out, p.key)
	}
	return out
}

// Encode renders the command as one line of text without the trailing line break.
// Values are not escaped and must not contain Separator or ValueSeparator.
func (c *Command) Encode() string {
	var b strings.Builder
	b.WriteString(c.Tag)
	for _, p := range c.params {
		b.WriteString(Separator)
		b.WriteString(p.key)
		b.WriteString(ValueSeparator)
		b.WriteString(p.value)
	}
	return b.String()
}

// Decode parses one command line. It never panics; ok is false when the line cannot be parsed.
func Decode(line string) (cmd *Command, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			cmd, ok = nil, false
		}
	}()

	parts := strings.Split(line, Separator)
	if len(parts) < 1 {
		return nil, false
	}

	cmd = &Command{Tag: parts[0]}
	for _, part := range parts[1:] {
		idx := strings.Index(part, ValueSeparator)
		if idx < 0 {
			continue
		}
		cmd.Set(part[:idx], part[idx+len(ValueSeparator):])
	}
	return cmd, true
}

// WriteCommand writes the encoded command and its line break in a single write.
func WriteCommand(w io.Writer, cmd *Command) error {
	if _, err := io.WriteString(w, cmd.Encode()+"\n"); err != nil {
		return fmt.Errorf("write %s command: %w", cmd.Tag, err)
	}
	return nil
}

// WriteCommandWithPayload writes the command line immediately followed by a raw payload.
func WriteCommandWithPayload(w io.Writer, cmd *Command, payload []byte) error {
	if err := WriteCommand(w, cmd); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write %s payload: %w", cmd.Tag, err)
	}
	return nil
}

// ReadLine reads one line-framed message and strips the line terminator.
// A final unterminated line is returned without error.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ParseLength parses a decimal payload length from an L or S parameter.
func ParseLength(raw string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrPayloadLength, raw)
	}
	return n, nil
}

// ReadPayload reads exactly length raw bytes that follow a command line.
func ReadPayload(r io.Reader, length int64) ([]byte, error) {
	if length < 0 || length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d", ErrPayloadLength, length)
	}
	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}
