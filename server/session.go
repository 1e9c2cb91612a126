package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"depositbox/protocol"
	"depositbox/registry"
	"depositbox/storage"
	"depositbox/vault"
)

const (
	msgInvalidCredentials = "Invalid user name or password"
	msgInvalidLength      = "Invalid file length"
	msgInvalidFilename    = "Invalid file name"
	msgUserExists         = "User already exists"
	msgSaveUserFailed     = "Error while saving user"
	msgCorrupted          = "File has been corrupted"
)

// session serves one connection. Every command carries its own credentials, so no
// login state is kept between commands.
type session struct {
	id      string
	remote  string
	reader  *bufio.Reader
	writer  io.Writer
	options Options
}

func newSession(rw io.ReadWriter, remote net.Addr, options Options) *session {
	addr := ""
	if remote != nil {
		addr = remote.String()
	}
	return &session{
		id:      uuid.NewString(),
		remote:  addr,
		reader:  bufio.NewReader(rw),
		writer:  rw,
		options: options,
	}
}

func (s *session) run() {
	log.Printf("session %s: accepted connection from %s", s.id, s.remote)
	s.record(storage.EventSessionOpened, storage.SeverityInfo, "", "", nil)
	defer s.record(storage.EventSessionClosed, storage.SeverityInfo, "", "", nil)

	for {
		line, err := protocol.ReadLine(s.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("session %s: read command: %v", s.id, err)
			}
			log.Printf("session %s: connection closed", s.id)
			return
		}

		cmd, ok := protocol.Decode(line)
		if !ok {
			log.Printf("session %s: unparseable command line", s.id)
			s.record(storage.EventProtocolError, storage.SeverityWarning, "", "", map[string]any{"reason": "unparseable"})
			continue
		}

		if err := s.dispatch(cmd); err != nil {
			log.Printf("session %s: %v", s.id, err)
			return
		}
	}
}

// dispatch handles one command. A returned error means the connection is unusable.
func (s *session) dispatch(cmd *protocol.Command) error {
	switch cmd.Type() {
	case protocol.TypeLogin:
		return s.handleLogin(cmd)
	case protocol.TypeRegister:
		return s.handleRegister(cmd)
	case protocol.TypeSend:
		return s.handleSend(cmd)
	case protocol.TypeStartReceive:
		return s.handleStartReceive(cmd)
	default:
		log.Printf("session %s: incorrect command received: %q", s.id, cmd.Tag)
		s.record(storage.EventProtocolError, storage.SeverityWarning, "", "", map[string]any{"reason": "unknown_type", "type": cmd.Tag})
		return nil
	}
}

func (s *session) handleLogin(cmd *protocol.Command) error {
	username, password := cmd.Value(protocol.ParamUsername), cmd.Value(protocol.ParamPassword)
	if isBlank(username) || isBlank(password) || !s.options.Credentials.IsValid(username, password) {
		s.record(storage.EventLoginFailed, storage.SeverityWarning, username, "", nil)
		return s.replyError(protocol.TypeLogin, msgInvalidCredentials)
	}

	s.record(storage.EventLoginSucceeded, storage.SeverityInfo, username, "", nil)
	return s.replySuccess(protocol.TypeLogin, "")
}

func (s *session) handleRegister(cmd *protocol.Command) error {
	username, password := cmd.Value(protocol.ParamUsername), cmd.Value(protocol.ParamPassword)
	if isBlank(username) || isBlank(password) {
		s.record(storage.EventRegisterFailed, storage.SeverityWarning, username, "", map[string]any{"reason": "blank"})
		return s.replyError(protocol.TypeRegister, msgInvalidCredentials)
	}

	if err := s.options.Credentials.Register(username, password); err != nil {
		log.Printf("session %s: register %q: %v", s.id, username, err)
		s.record(storage.EventRegisterFailed, storage.SeverityWarning, username, "", map[string]any{"reason": err.Error()})
		return s.replyError(protocol.TypeRegister, peerMessage(err, ""))
	}

	log.Printf("session %s: registered user %q", s.id, username)
	s.record(storage.EventUserRegistered, storage.SeverityInfo, username, "", nil)
	return s.replySuccess(protocol.TypeRegister, "")
}

func (s *session) handleSend(cmd *protocol.Command) error {
	username, password := cmd.Value(protocol.ParamUsername), cmd.Value(protocol.ParamPassword)
	filename := cmd.Value(protocol.ParamFile)

	length, err := protocol.ParseLength(cmd.Value(protocol.ParamLength))
	if err != nil {
		s.record(storage.EventFileStoreFailed, storage.SeverityWarning, username, filename, map[string]any{"reason": err.Error()})
		return s.replyError(protocol.TypeSend, msgInvalidLength)
	}

	if !s.options.Credentials.IsValid(username, password) {
		// Consume the payload so the next command line is read from the right offset.
		if _, err := io.CopyN(io.Discard, s.reader, length); err != nil {
			return fmt.Errorf("discard rejected upload: %w", err)
		}
		s.record(storage.EventAuthRejected, storage.SeverityWarning, username, filename, map[string]any{"command": cmd.Tag})
		return s.replyError(protocol.TypeSend, msgInvalidCredentials)
	}

	if err := s.options.Files.SaveFile(username, filename, length, s.reader); err != nil {
		if isStreamFailure(err) {
			return fmt.Errorf("receive upload %q: %w", filename, err)
		}
		log.Printf("session %s: save %q for %q: %v", s.id, filename, username, err)
		s.record(storage.EventFileStoreFailed, storage.SeverityWarning, username, filename, map[string]any{"reason": err.Error()})
		return s.replyError(protocol.TypeSend, peerMessage(err, filename))
	}

	s.record(storage.EventFileStored, storage.SeverityInfo, username, filename, map[string]any{"bytes": length})
	return s.replySuccess(protocol.TypeSend, "")
}

func (s *session) handleStartReceive(cmd *protocol.Command) error {
	username, password := cmd.Value(protocol.ParamUsername), cmd.Value(protocol.ParamPassword)
	filename := cmd.Value(protocol.ParamFile)

	if !s.options.Credentials.IsValid(username, password) {
		s.record(storage.EventAuthRejected, storage.SeverityWarning, username, filename, map[string]any{"command": cmd.Tag})
		return s.replyError(protocol.TypeStartReceive, msgInvalidCredentials)
	}

	data, err := s.options.Files.LoadFile(username, filename)
	if err != nil {
		eventType, severity := storage.EventFileRetrieveError, storage.SeverityWarning
		if errors.Is(err, vault.ErrCorrupted) {
			eventType, severity = storage.EventFileCorrupted, storage.SeverityCritical
		}
		log.Printf("session %s: load %q for %q: %v", s.id, filename, username, err)
		s.record(eventType, severity, username, filename, map[string]any{"reason": err.Error()})
		return s.replyError(protocol.TypeStartReceive, peerMessage(err, filename))
	}

	reply := protocol.NewCommand(protocol.TypeStartReceive).Set(protocol.ParamSuccess, strconv.Itoa(len(data)))
	if err := protocol.WriteCommandWithPayload(s.writer, reply, data); err != nil {
		return err
	}
	s.record(storage.EventFileRetrieved, storage.SeverityInfo, username, filename, map[string]any{"bytes": len(data)})
	return nil
}

func (s *session) replySuccess(t protocol.CommandType, payload string) error {
	return protocol.WriteCommand(s.writer, protocol.NewCommand(t).Set(protocol.ParamSuccess, payload))
}

func (s *session) replyError(t protocol.CommandType, message string) error {
	return protocol.WriteCommand(s.writer, protocol.NewCommand(t).Set(protocol.ParamError, sanitize(message)))
}

func (s *session) record(eventType, severity, username, filename string, details map[string]any) {
	if s.options.Events == nil {
		return
	}

	event := storage.Event{
		SessionID: s.id,
		EventType: eventType,
		Severity:  severity,
	}
	if username != "" {
		event.Username = &username
	}
	if filename != "" {
		event.Filename = &filename
	}
	if s.remote != "" {
		event.RemoteAddr = &s.remote
	}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err == nil {
			event.Details = string(raw)
		}
	}

	if err := s.options.Events.LogEvent(event); err != nil {
		log.Printf("session %s: record %s event: %v", s.id, eventType, err)
	}
}

// peerMessage maps an operation error to the E text sent back to the client.
func peerMessage(err error, filename string) string {
	switch {
	case errors.Is(err, registry.ErrAlreadyExists):
		return msgUserExists
	case errors.Is(err, registry.ErrPersistence):
		return msgSaveUserFailed
	case errors.Is(err, registry.ErrInvalidUsername), errors.Is(err, registry.ErrInvalidPassword):
		return msgInvalidCredentials
	case errors.Is(err, registry.ErrUserNotFound):
		return "User not found"
	case errors.Is(err, vault.ErrNotFound):
		return "Could not locate file " + filename
	case errors.Is(err, vault.ErrCorrupted):
		return msgCorrupted
	case errors.Is(err, vault.ErrInvalidFilename):
		return msgInvalidFilename
	case errors.Is(err, protocol.ErrPayloadLength):
		return msgInvalidLength
	default:
		return err.Error()
	}
}

// isStreamFailure reports whether the upload could not be read off the connection,
// which leaves the stream unframed.
func isStreamFailure(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func sanitize(message string) string {
	message = strings.NewReplacer(
		"\r", " ",
		"\n", " ",
		protocol.Separator, " ",
		protocol.ValueSeparator, " ",
	).Replace(message)
	return strings.TrimSpace(message)
}

func isBlank(value string) bool {
	return strings.TrimSpace(value) == ""
}
