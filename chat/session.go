package chat

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/presbrey/chatd/chat/store"
)

// SessionState enumerates the states a session can be in. The coarse
// lifecycle is unauthenticated (the login dialogue states), active, and
// terminated; terminated is terminal and never re-enters the dialogue.
type SessionState int

const (
	// Login dialogue, before authentication
	StateRequestingName SessionState = iota
	StateChoosingTakeover
	StateRequestingLoginPassword
	StateRequestingNewAccountPassword

	// Authenticated
	StateActive
	StateRequestingCurrentPassword
	StateRequestingNewPassword
	StateRequestingMessageText

	StateTerminated
)

var validNick = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

const outboundQueueSize = 64

// Session owns one client connection from accept to disconnect. The
// read loop runs on the connection's goroutine; outbound lines pass
// through a buffered queue drained by a writer goroutine, so no other
// session ever writes to this session's transport directly.
type Session struct {
	ID     string
	server *Server
	conn   net.Conn
	addr   string

	mu            sync.RWMutex
	state         SessionState
	nick          string
	account       string
	isOperator    bool
	requestedNick string
	msgRecipient  string
	quitReason    string
	muted         bool

	out  chan string
	quit chan struct{}
}

// NewSession creates a session bound to conn
func NewSession(server *Server, conn net.Conn) *Session {
	return &Session{
		ID:     uuid.New().String(),
		server: server,
		conn:   conn,
		addr:   conn.RemoteAddr().String(),
		state:  StateRequestingName,
		out:    make(chan string, outboundQueueSize),
		quit:   make(chan struct{}),
	}
}

// Handle runs the session until the connection closes. It blocks only
// this session's goroutine; shared state is touched through the
// registry, bus, and auth gate, never while blocked in a read.
func (s *Session) Handle() {
	log.Printf("%s connected.", s.longname())
	connectionsTotal.Inc()

	go s.writeLoop()

	s.Send("What is your name? (Type below and press Return)")

	reader := bufio.NewReader(s.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !utf8.ValidString(line) {
			// Just don't even try to handle it.
			continue
		}

		s.handleLine(line)

		if s.State() == StateTerminated {
			break
		}
	}

	s.mu.RLock()
	reason := s.quitReason
	s.mu.RUnlock()
	s.Terminate(reason)
}

// handleLine routes one input line by session state
func (s *Session) handleLine(line string) {
	switch s.State() {
	case StateRequestingName:
		s.gotName(line)
	case StateChoosingTakeover:
		s.gotTakeoverChoice(line)
	case StateRequestingLoginPassword:
		s.gotLoginPassword(line)
	case StateRequestingNewAccountPassword:
		s.gotNewAccountPassword(line)
	case StateRequestingCurrentPassword:
		s.gotCurrentPassword(line)
	case StateRequestingNewPassword:
		s.gotNewPassword(line)
	case StateRequestingMessageText:
		s.gotMessageText(line)
	case StateActive:
		if strings.HasPrefix(line, "/") {
			s.server.dispatch(s, line)
		} else {
			s.server.bus.BroadcastAll(s.Nick(), line)
		}
	}
}

// gotName validates the requested nickname and branches the login
// dialogue: takeover prompt if the nickname is live, password prompt
// if the account exists, new-account prompt otherwise.
func (s *Session) gotName(nick string) {
	if !validNick.MatchString(nick) {
		s.Send("Please enter a valid username. (Type below and press Return)")
		return
	}

	s.mu.Lock()
	s.requestedNick = nick
	s.mu.Unlock()

	if _, err := s.server.registry.Lookup(nick); err == nil {
		s.Send("This account is being accessed somewhere else.")
		s.Send("Kick the other session? [Y/N]")
		s.setState(StateChoosingTakeover)
		return
	}

	if s.server.auth.Has(nick) {
		s.Send("Password:")
		s.setState(StateRequestingLoginPassword)
	} else if store.Fold(nick) == store.Fold(s.server.auth.AdminNick()) {
		// Reserved name with no account yet; never self-register it.
		s.Send("Please enter a valid username. (Type below and press Return)")
	} else {
		s.Send("Enter password for new account:")
		s.setState(StateRequestingNewAccountPassword)
	}
}

func (s *Session) gotTakeoverChoice(choice string) {
	switch choice {
	case "y", "Y":
		s.mu.RLock()
		nick := s.requestedNick
		s.mu.RUnlock()

		// A live name with no account behind it (someone's /nick
		// rename) has no password to check, and letting the login
		// proceed would self-register the name and evict its holder
		// without any credential. Takeover only applies to real
		// accounts.
		if !s.server.auth.Has(nick) {
			s.Send("That name cannot be taken over.")
			s.Send("Enter name:")
			s.setState(StateRequestingName)
			return
		}

		s.Send("Enter password:")
		s.setState(StateRequestingLoginPassword)
	case "n", "N":
		s.Send("Enter name:")
		s.setState(StateRequestingName)
	default:
		// Don't change state: the next line comes back here.
		s.Send("Enter Y or N: kick the other session using this account?")
	}
}

func (s *Session) gotLoginPassword(password string) {
	s.mu.RLock()
	nick := s.requestedNick
	s.mu.RUnlock()

	acct, err := s.server.auth.Authenticate(nick, password)
	if errors.Is(err, store.ErrAuthFailed) {
		s.Send("Password incorrect. Enter password:")
		return
	}
	if err != nil {
		log.Printf("Authentication error for %s: %v", nick, err)
		s.Send("Login failed, try again later.")
		s.Terminate("")
		return
	}
	s.completeLogin(acct)
}

func (s *Session) gotNewAccountPassword(password string) {
	s.mu.RLock()
	nick := s.requestedNick
	s.mu.RUnlock()

	acct, err := s.server.auth.Authenticate(nick, password)
	if err != nil {
		log.Printf("Registration error for %s: %v", nick, err)
		s.Send("Login failed, try again later.")
		s.Terminate("")
		return
	}
	s.Send("Account created successfully.")
	log.Printf("Anonymous(%s) registered as %s", s.addr, acct.Name)
	s.completeLogin(acct)
}

// completeLogin moves the session to Active: evicts any live session
// still holding the nickname, registers this one, and welcomes the
// user.
func (s *Session) completeLogin(acct store.Account) {
	if other, err := s.server.registry.Lookup(acct.Name); err == nil && other != s {
		other.mute()
		other.Terminate("session taken over")
	}

	if err := s.server.registry.Register(acct.Name, s); err != nil {
		s.Send("This account is being accessed somewhere else.")
		s.Send("Enter name:")
		s.setState(StateRequestingName)
		return
	}

	s.mu.Lock()
	s.nick = acct.Name
	s.account = acct.Name
	s.isOperator = acct.IsOperator
	s.state = StateActive
	s.mu.Unlock()

	sessionsActive.Inc()
	loginsTotal.Inc()
	log.Printf("Anonymous(%s) logged in as %s", s.addr, acct.Name)

	s.Send(fmt.Sprintf("Welcome %s!", acct.Name))
	s.Send(fmt.Sprintf("%d people online currently.", s.server.registry.Len()))
	s.server.bus.Announce(fmt.Sprintf("%s joined the chatroom.", acct.Name))
}

func (s *Session) gotCurrentPassword(password string) {
	if s.server.auth.Verify(s.Account(), password) == nil {
		s.Send("Enter new password:")
		s.setState(StateRequestingNewPassword)
	} else {
		s.Send("Incorrect password")
		s.Send("Enter password:")
	}
}

func (s *Session) gotNewPassword(password string) {
	s.setState(StateActive)
	if err := s.server.auth.ChangePassword(s.Account(), password); err != nil {
		// Store failure at runtime is logged, not fatal; the session
		// keeps its in-memory state.
		log.Printf("Failed to change password for %s: %v", s.Account(), err)
		s.Send("! Could not change password")
		return
	}
	s.Send("! Password changed")
}

func (s *Session) gotMessageText(text string) {
	s.mu.RLock()
	recipient := s.msgRecipient
	s.mu.RUnlock()

	s.setState(StateActive)
	if err := s.server.bus.SendDirect(s.Nick(), recipient, text); err != nil {
		s.Send("! That user isn't online right now.")
		return
	}
	s.Send("! Message sent")
}

// Send queues a line for delivery to this client. It never blocks the
// caller: a session whose queue is full is dropped rather than allowed
// to stall a broadcast.
func (s *Session) Send(line string) {
	select {
	case <-s.quit:
		return
	default:
	}

	select {
	case s.out <- line:
	default:
		go s.Terminate("send queue overflow")
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case line := <-s.out:
			if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
				s.Terminate("")
				return
			}
		case <-s.quit:
			return
		}
	}
}

// Kick force-disconnects the session and announces it. The kicked
// session is muted so its own disconnect produces no second notice.
func (s *Session) Kick(kickedBy string) {
	s.mute()

	msg := fmt.Sprintf("! %s was kicked", s.Nick())
	if kickedBy != "" {
		msg += fmt.Sprintf(" by %s", kickedBy)
	}
	s.server.bus.Announce(msg)
	kicksTotal.Inc()

	s.Terminate("kicked")
}

// Terminate moves the session to Terminated exactly once: the
// transport is closed (interrupting a blocked read promptly), the
// nickname is unregistered, and unless muted the departure is
// announced.
func (s *Session) Terminate(reason string) {
	s.mu.Lock()
	select {
	case <-s.quit:
		// Already terminated
		s.mu.Unlock()
		return
	default:
		close(s.quit)
	}
	nick := s.nick
	muted := s.muted
	s.state = StateTerminated
	s.mu.Unlock()

	s.conn.SetReadDeadline(time.Now())
	s.conn.Close()

	msg := fmt.Sprintf("%s lost connection.", s.longname())
	if reason != "" {
		msg += fmt.Sprintf(" (%q)", reason)
	}
	log.Print(msg)

	if nick == "" {
		return
	}

	s.server.registry.Unregister(nick, s)
	sessionsActive.Dec()
	if !muted {
		s.server.bus.Announce(msg)
	}
}

func (s *Session) mute() {
	s.mu.Lock()
	s.muted = true
	s.mu.Unlock()
}

// Nick returns the session's current display nickname; empty until
// authenticated
func (s *Session) Nick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

// Account returns the nickname of the account this session
// authenticated as. Unlike Nick it never changes after login.
func (s *Session) Account() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

func (s *Session) setNick(nick string) {
	s.mu.Lock()
	s.nick = nick
	s.mu.Unlock()
}

// State returns the session's current state
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// IsOperator reports the operator flag mirrored from the account at
// login or at the last /op or /deop touching this session
func (s *Session) IsOperator() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOperator
}

// SetOperatorFlag re-syncs the live operator flag with the account
func (s *Session) SetOperatorFlag(v bool) {
	s.mu.Lock()
	s.isOperator = v
	s.mu.Unlock()
}

func (s *Session) setMsgRecipient(nick string) {
	s.mu.Lock()
	s.msgRecipient = nick
	s.mu.Unlock()
}

func (s *Session) setQuitReason(reason string) {
	s.mu.Lock()
	s.quitReason = reason
	s.mu.Unlock()
}

// longname formats the nickname and remote address for log lines
func (s *Session) longname() string {
	nick := s.Nick()
	if nick == "" {
		nick = "Anonymous"
	}
	return fmt.Sprintf("%s(%s)", nick, s.addr)
}
