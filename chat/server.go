/*
Package chat implements a line-oriented, multi-user chat service
reachable with a plain terminal client.

Users connect over TCP, pick a nickname, and authenticate against the
durable account store (unknown nicknames self-register). Active
sessions exchange room-wide and private messages; operators moderate
with /kick, /op, and /deop. The privileged command set comes from the
configuration, not the code.

One goroutine per connection reads lines and feeds the command
dispatcher; outbound traffic goes through each session's buffered
queue so no lock is ever held across a blocking read or write.
*/
package chat

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/presbrey/chatd/chat/config"
	"github.com/presbrey/chatd/chat/store"
)

// Server accepts connections and owns the shared components: the
// session registry, the broadcast bus, and the auth gate.
type Server struct {
	config    *config.Config
	auth      *store.AuthGate
	accounts  *store.AccountStore
	registry  *SessionRegistry
	bus       *BroadcastBus
	commands  map[string]*command
	startTime time.Time
	listener  net.Listener
	quit      chan struct{}
	stopOnce  sync.Once
}

// NewServer creates a chat server over an opened account store
func NewServer(cfg *config.Config, accounts *store.AccountStore, auth *store.AuthGate) *Server {
	registry := NewSessionRegistry()
	return &Server{
		config:    cfg,
		auth:      auth,
		accounts:  accounts,
		registry:  registry,
		bus:       NewBroadcastBus(registry),
		commands:  buildCommands(),
		startTime: time.Now(),
		quit:      make(chan struct{}),
	}
}

// Start begins listening for chat connections
func (srv *Server) Start() error {
	listener, err := net.Listen("tcp", srv.config.GetListenAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.config.GetListenAddress(), err)
	}
	srv.listener = listener

	go srv.acceptConnections()
	return nil
}

// Stop closes the listener and disconnects every session. Safe to
// call more than once.
func (srv *Server) Stop() error {
	srv.stopOnce.Do(func() {
		close(srv.quit)

		if srv.listener != nil {
			srv.listener.Close()
		}

		for _, s := range srv.registry.AllSessions() {
			s.mute()
			s.Terminate("Server shutting down")
		}
	})
	return nil
}

// acceptConnections accepts and handles new connections. A failed
// accept never takes the listener down unless the server is stopping.
func (srv *Server) acceptConnections() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.quit:
				return
			default:
				log.Printf("Failed to accept connection: %v", err)
				continue
			}
		}

		go NewSession(srv, conn).Handle()
	}
}

// Addr returns the listener address; nil before Start
func (srv *Server) Addr() net.Addr {
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// Registry returns the live session registry
func (srv *Server) Registry() *SessionRegistry {
	return srv.registry
}

// Accounts returns the backing account store
func (srv *Server) Accounts() *store.AccountStore {
	return srv.accounts
}

// Config returns the server configuration
func (srv *Server) Config() *config.Config {
	return srv.config
}

// Uptime returns how long the server has been running
func (srv *Server) Uptime() time.Duration {
	return time.Since(srv.startTime)
}
