package client

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"depositbox/fileutil"
	"depositbox/protocol"
)

// DefaultReplyTimeout is how long the session waits for a reply before giving up on it.
const DefaultReplyTimeout = 5 * time.Second

var (
	errorColor   = color.New(color.FgRed)
	successColor = color.New(color.FgGreen)
	noticeColor  = color.New(color.FgYellow)
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// WorkDir holds files to send and receives downloaded files.
	WorkDir      string
	ReplyTimeout time.Duration
	Now          func() time.Time
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.WorkDir == "" {
		o.WorkDir = "."
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = DefaultReplyTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Session is the client state machine. The input loop and the reply listener share it,
// and every read or mutation happens under mu.
type Session struct {
	mu sync.Mutex

	server  io.Writer
	out     io.Writer
	options SessionOptions

	state        State
	working      bool
	loggedIn     bool
	username     string
	password     string
	file         string
	commandStart time.Time
}

// NewSession creates an idle, logged-out session that sends commands to server and
// prints to out.
func NewSession(server io.Writer, out io.Writer, options SessionOptions) *Session {
	return &Session{
		server:  server,
		out:     out,
		options: options.withDefaults(),
		state:   StateIdle,
		working: true,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Working reports whether the input loop should keep running.
func (s *Session) Working() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working
}

// LoggedIn reports whether the server accepted a login.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// Stop ends the input loop.
func (s *Session) Stop() {
	s.mu.Lock()
	s.working = false
	s.mu.Unlock()
}

// ExpectsSecret reports whether the next input line is a password.
func (s *Session) ExpectsSecret() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.state == StateLoggingIn || s.state == StateRegistering) && s.username != ""
}

// PrintPrompt writes the menu or question for the current state.
func (s *Session) PrintPrompt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prompt := s.promptLocked(); prompt != "" {
		fmt.Fprintln(s.out, prompt)
	}
}

func (s *Session) promptLocked() string {
	switch s.state {
	case StateIdle:
		if s.loggedIn {
			return "1. Send File\n2. Retrieve File\n3. Exit"
		}
		return "1. Log in\n2. Register user\n3. Exit"
	case StateWaiting:
		return "Waiting for response..."
	case StateRegistering:
		switch {
		case s.username == "":
			return "Enter new user name:"
		case s.password == "":
			return "Enter new password:"
		default:
			return "Enter password again:"
		}
	case StateLoggingIn:
		if s.username == "" {
			return "Enter user name:"
		}
		return "Enter password:"
	case StateSending:
		return "Enter file to send:"
	case StateReceiving:
		return "Enter file to retrieve:"
	}
	return ""
}

// HandleInput applies one line of user input. It is also the tick that expires a
// command whose reply never arrived.
func (s *Session) HandleInput(input string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.nextStateLocked(input)
	s.state = next
	return err
}

func (s *Session) nextStateLocked(input string) (State, error) {
	switch s.state {
	case StateWaiting:
		if s.options.Now().Sub(s.commandStart) >= s.options.ReplyTimeout {
			noticeColor.Fprintln(s.out, "No response from server, command abandoned")
			return StateIdle, nil
		}
		return StateWaiting, nil

	case StateIdle:
		switch strings.ToLower(strings.TrimSpace(input)) {
		case "1":
			if s.loggedIn {
				return StateSending, nil
			}
			s.clearCredentialsLocked()
			return StateLoggingIn, nil
		case "2":
			if s.loggedIn {
				return StateReceiving, nil
			}
			s.clearCredentialsLocked()
			return StateRegistering, nil
		case "3":
			fmt.Fprintln(s.out, "Good bye")
			s.working = false
			return StateWaiting, nil
		}
		return StateIdle, nil

	case StateLoggingIn:
		if s.username == "" {
			if isBlank(input) {
				return StateIdle, nil
			}
			s.username = input
			return StateLoggingIn, nil
		}
		if isBlank(input) {
			s.username = ""
			return StateLoggingIn, nil
		}
		s.password = input
		return s.sendLocked(credentialsCommand(protocol.TypeLogin, s.username, s.password), nil)

	case StateRegistering:
		switch {
		case s.username == "":
			if isBlank(input) {
				return StateIdle, nil
			}
			s.username = input
		case s.password == "":
			if isBlank(input) {
				s.username = ""
			} else {
				s.password = input
			}
		default:
			if isBlank(input) {
				s.username = ""
				s.password = ""
			} else if input != s.password {
				errorColor.Fprintln(s.out, "The two passwords do not match, please try again")
				s.password = ""
			} else {
				return s.sendLocked(credentialsCommand(protocol.TypeRegister, s.username, s.password), nil)
			}
		}
		return StateRegistering, nil

	case StateSending:
		if isBlank(input) {
			return StateIdle, nil
		}
		data, err := os.ReadFile(s.workPath(input))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				errorColor.Fprintf(s.out, "File %s does not exist\n", input)
			} else {
				errorColor.Fprintf(s.out, "Error while reading file %s : %v\n", input, err)
			}
			return StateIdle, nil
		}
		s.file = input
		cmd := credentialsCommand(protocol.TypeSend, s.username, s.password).
			Set(protocol.ParamLength, strconv.Itoa(len(data))).
			Set(protocol.ParamFile, input)
		return s.sendLocked(cmd, data)

	case StateReceiving:
		if isBlank(input) {
			return StateIdle, nil
		}
		s.file = input
		cmd := credentialsCommand(protocol.TypeStartReceive, s.username, s.password).
			Set(protocol.ParamFile, input)
		return s.sendLocked(cmd, nil)
	}
	return s.state, nil
}

// sendLocked starts the reply timer and writes the command. A failed write leaves the
// session idle.
func (s *Session) sendLocked(cmd *protocol.Command, payload []byte) (State, error) {
	s.commandStart = s.options.Now()
	if err := protocol.WriteCommandWithPayload(s.server, cmd, payload); err != nil {
		return StateIdle, err
	}
	return StateWaiting, nil
}

// HandleReply applies one server reply. For a successful Start Receive it reads the
// announced payload from payload, which must be the stream the reply line came from.
func (s *Session) HandleReply(cmd *protocol.Command, payload io.Reader) {
	if cmd.Type() == protocol.TypeStartReceive && cmd.Has(protocol.ParamSuccess) {
		s.receiveFile(cmd, payload)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	message, failed := cmd.Get(protocol.ParamError)
	_, succeeded := cmd.Get(protocol.ParamSuccess)
	if !failed && !succeeded {
		return
	}

	switch cmd.Type() {
	case protocol.TypeRegister:
		if failed {
			s.printFailureLocked(message)
		} else {
			s.printSuccessLocked("User successfully registered")
		}
		s.clearCredentialsLocked()
	case protocol.TypeLogin:
		if failed {
			s.printFailureLocked(message)
			s.clearCredentialsLocked()
		} else {
			s.printSuccessLocked("User successfully logged in")
			s.loggedIn = true
		}
	case protocol.TypeSend:
		if failed {
			s.printFailureLocked(message)
		} else {
			s.printSuccessLocked(fmt.Sprintf("File %s sent successfully", s.file))
			s.file = ""
		}
	case protocol.TypeStartReceive:
		s.printFailureLocked(message)
	default:
		errorColor.Fprintf(s.out, "Invalid response received: %s\n", cmd.Encode())
		return
	}
	s.state = StateIdle
}

// receiveFile reads the download without holding the lock so input stays responsive
// while a large payload arrives.
func (s *Session) receiveFile(cmd *protocol.Command, payload io.Reader) {
	s.mu.Lock()
	filename := s.file
	s.mu.Unlock()

	err := func() error {
		length, err := protocol.ParseLength(cmd.Value(protocol.ParamSuccess))
		if err != nil {
			return err
		}
		data, err := protocol.ReadPayload(payload, length)
		if err != nil {
			return err
		}
		if filename == "" {
			return errors.New("no file was requested")
		}
		if err := os.MkdirAll(s.options.WorkDir, 0o755); err != nil {
			return err
		}
		return fileutil.WriteAtomic(s.workPath(filename), data, 0o644)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		errorColor.Fprintf(s.out, "Error while saving file %s: %v\n", filename, err)
		fmt.Fprintln(s.out, "Press enter key to continue")
	} else {
		s.printSuccessLocked(fmt.Sprintf("File %s received successfully", filename))
	}
	s.file = ""
	s.state = StateIdle
}

func (s *Session) printFailureLocked(message string) {
	errorColor.Fprintf(s.out, "ERROR: %s\n", message)
	fmt.Fprintln(s.out, "Press enter key to continue")
}

func (s *Session) printSuccessLocked(message string) {
	successColor.Fprintln(s.out, message)
	fmt.Fprintln(s.out, "Press enter key to continue")
}

func (s *Session) clearCredentialsLocked() {
	s.username = ""
	s.password = ""
	s.loggedIn = false
}

func (s *Session) workPath(filename string) string {
	return filepath.Join(s.options.WorkDir, filepath.Base(filename))
}

func credentialsCommand(t protocol.CommandType, username, password string) *protocol.Command {
	return protocol.NewCommand(t).
		Set(protocol.ParamUsername, username).
		Set(protocol.ParamPassword, password)
}

func isBlank(value string) bool {
	return strings.TrimSpace(value) == ""
}
