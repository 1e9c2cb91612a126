package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Console reads menu input. Secret input is read without echo when the input is a terminal.
type Console struct {
	reader   *bufio.Reader
	out      io.Writer
	terminal *os.File
}

// NewConsole wraps in. When in is a terminal file, passwords are read without echo.
func NewConsole(in io.Reader, out io.Writer) *Console {
	console := &Console{reader: bufio.NewReader(in), out: out}
	if file, ok := in.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		console.terminal = file
	}
	return console
}

// ReadLine returns the next input line without its line terminator.
func (c *Console) ReadLine(secret bool) (string, error) {
	if secret && c.terminal != nil && c.reader.Buffered() == 0 {
		raw, err := term.ReadPassword(int(c.terminal.Fd()))
		fmt.Fprintln(c.out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}

	line, err := c.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
