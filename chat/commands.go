package chat

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/presbrey/chatd/chat/store"
)

// command is one entry in the closed command set. Privilege is not
// stored here: the configured OP_CMDS set is consulted once, in
// dispatch, against the canonical name.
type command struct {
	name    string
	usage   string
	handler func(srv *Server, s *Session, arg string)
}

// commandTable lists every recognized slash command with its aliases
var commandTable = []struct {
	cmd     command
	aliases []string
}{
	{command{"/quit", "/quit [reason]", (*Server).cmdQuit}, []string{"/leave"}},
	{command{"/nick", "/nick <new nick>", (*Server).cmdNick}, []string{"/user", "/username"}},
	{command{"/msg", "/message <user> [text ...]", (*Server).cmdMsg}, []string{"/message"}},
	{command{"/me", "/me <action>", (*Server).cmdMe}, nil},
	{command{"/changepass", "/changepass [new password]", (*Server).cmdChangepass}, nil},
	{command{"/kick", "/kick <username> ...", (*Server).cmdKick}, nil},
	{command{"/op", "/op <username> ...", (*Server).cmdOp}, nil},
	{command{"/deop", "/deop <username> ...", (*Server).cmdDeop}, nil},
}

func buildCommands() map[string]*command {
	commands := make(map[string]*command)
	for i := range commandTable {
		entry := &commandTable[i].cmd
		commands[entry.name] = entry
		for _, alias := range commandTable[i].aliases {
			commands[alias] = entry
		}
	}
	return commands
}

// splitCommand splits a line into the command token and the argument
// tail on the first whitespace run
func splitCommand(line string) (string, string) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimLeft(line[idx:], " \t")
}

// dispatch routes one slash-command line from an active session. The
// operator gate runs before the handler touches its arguments, so a
// denied command discloses nothing about its target.
func (srv *Server) dispatch(s *Session, line string) {
	name, arg := splitCommand(line)
	name = strings.ToLower(name)
	log.Printf("Command from %s: %s", s.longname(), line)

	cmd, ok := srv.commands[name]
	if !ok {
		s.Send(fmt.Sprintf("! Unknown command: %s", name))
		return
	}

	if srv.config.RequiresOp(cmd.name) && !s.IsOperator() {
		s.Send("You are not OP.")
		return
	}

	cmd.handler(srv, s, arg)
}

func (srv *Server) cmdQuit(s *Session, arg string) {
	s.setQuitReason(arg)
	s.Terminate(arg)
}

func (srv *Server) cmdNick(s *Session, arg string) {
	if arg == "" {
		s.Send("Usage: /nick <new nick>")
		return
	}
	newNick := strings.Join(strings.Fields(arg), "_")
	if !validNick.MatchString(newNick) {
		s.Send("! Invalid nickname")
		return
	}

	old := s.Nick()

	// A nickname registered to a different account stays reserved for
	// that account even while its owner is offline.
	if store.Fold(newNick) != store.Fold(s.Account()) && srv.auth.Has(newNick) {
		s.Send("! That nickname is already in use.")
		return
	}

	if err := srv.registry.Rename(old, newNick, s); err != nil {
		s.Send("! That nickname is already in use.")
		return
	}
	s.setNick(newNick)
	srv.bus.Announce(fmt.Sprintf("%s is now known as %s.", old, newNick))
}

func (srv *Server) cmdMsg(s *Session, arg string) {
	if arg == "" {
		s.Send("! usage: /message <user> [text ...]")
		return
	}

	recipient, text := splitCommand(arg)
	if text == "" {
		s.setMsgRecipient(recipient)
		s.Send("Message text:")
		s.setState(StateRequestingMessageText)
		return
	}

	if err := srv.bus.SendDirect(s.Nick(), recipient, text); err != nil {
		s.Send("! That user isn't online right now.")
		return
	}
	s.Send("! Message sent")
}

func (srv *Server) cmdMe(s *Session, arg string) {
	if arg == "" {
		s.Send("! usage: /me <action>")
		return
	}
	srv.bus.Action(s.Nick(), arg)
}

func (srv *Server) cmdChangepass(s *Session, arg string) {
	if arg == "" {
		s.Send("Current password:")
		s.setState(StateRequestingCurrentPassword)
		return
	}
	if err := srv.auth.ChangePassword(s.Account(), arg); err != nil {
		log.Printf("Failed to change password for %s: %v", s.Account(), err)
		s.Send("! Could not change password")
		return
	}
	s.Send("! Password changed")
}

func (srv *Server) cmdKick(s *Session, arg string) {
	targets := strings.Fields(arg)
	if len(targets) == 0 {
		s.Send("! usage: /kick <username> ...")
		return
	}
	for _, name := range targets {
		target, err := srv.registry.Lookup(name)
		if err != nil {
			s.Send("! That user isn't online right now.")
			continue
		}
		target.Kick(s.Nick())
	}
}

func (srv *Server) cmdOp(s *Session, arg string) {
	srv.cmdSetOperator(s, arg, true)
}

func (srv *Server) cmdDeop(s *Session, arg string) {
	srv.cmdSetOperator(s, arg, false)
}

func (srv *Server) cmdSetOperator(s *Session, arg string, value bool) {
	targets := strings.Fields(arg)
	if len(targets) == 0 {
		if value {
			s.Send("! usage: /op <username> ...")
		} else {
			s.Send("! usage: /deop <username> ...")
		}
		return
	}
	for _, name := range targets {
		srv.setOperator(s, name, value)
	}
}

// setOperator persists the flag on the account, then re-syncs any live
// session holding the nickname
func (srv *Server) setOperator(requester *Session, target string, value bool) {
	err := srv.auth.SetOperator(target, value)
	if errors.Is(err, store.ErrNotFound) {
		requester.Send(fmt.Sprintf("! No such account: %s", target))
		return
	}
	if err != nil {
		log.Printf("Failed to update operator status for %s: %v", target, err)
		requester.Send("! Could not update operator status")
		return
	}

	notice := fmt.Sprintf("! %s is now OP.", target)
	direct := "! You are now OP."
	if !value {
		notice = fmt.Sprintf("! %s is no longer OP.", target)
		direct = "! You are no longer OP."
	}

	if sess, err := srv.registry.Lookup(target); err == nil {
		sess.SetOperatorFlag(value)
		sess.Send(direct)
	}
	srv.bus.AnnounceExcept(notice, target)
}
