package chat_test

import (
	"bufio"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presbrey/chatd/chat"
	"github.com/presbrey/chatd/chat/config"
	"github.com/presbrey/chatd/chat/store"
)

// ChatClient is a plain terminal-style test client
type ChatClient struct {
	t      *testing.T
	Conn   net.Conn
	Reader *bufio.Reader
}

// NewChatClient connects a new client to the server
func NewChatClient(t *testing.T, address string) *ChatClient {
	conn, err := net.Dial("tcp", address)
	require.NoError(t, err, "Should connect to the server")
	return &ChatClient{
		t:      t,
		Conn:   conn,
		Reader: bufio.NewReader(conn),
	}
}

// Send sends one line to the server
func (c *ChatClient) Send(line string) {
	_, err := c.Conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

// Expect reads lines until one contains the expected substring
func (c *ChatClient) Expect(expected string, timeout time.Duration) (string, error) {
	c.Conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.Conn.SetReadDeadline(time.Time{})

	for {
		line, err := c.Reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimSpace(line)
		if strings.Contains(line, expected) {
			return line, nil
		}
	}
}

// MustExpect fails the test when the expected substring never arrives
func (c *ChatClient) MustExpect(expected string, timeout time.Duration) string {
	line, err := c.Expect(expected, timeout)
	require.NoError(c.t, err, "expected %q from server", expected)
	return line
}

// ExpectNot fails the test if the substring arrives before the timeout
func (c *ChatClient) ExpectNot(unexpected string, timeout time.Duration) {
	line, err := c.Expect(unexpected, timeout)
	if err == nil {
		c.t.Errorf("unexpectedly received %q", line)
	}
}

// Close closes the client connection
func (c *ChatClient) Close() {
	c.Conn.Close()
}

// Login walks the name/password dialogue. prompt distinguishes the
// existing-account path from self-registration.
func (c *ChatClient) Login(nick, password, prompt string) {
	c.MustExpect("What is your name?", time.Second)
	c.Send(nick)
	c.MustExpect(prompt, time.Second)
	c.Send(password)
	c.MustExpect("Welcome "+nick+"!", time.Second)
}

func startTestServer(t *testing.T) *chat.Server {
	t.Setenv("CHATD_DEFAULT_ADMIN_PASS", "adminpass")

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Port = 0
	cfg.UsersFile = filepath.Join(t.TempDir(), "users.db")

	accounts, err := store.Open(cfg.UsersFile)
	require.NoError(t, err)
	auth, err := store.NewAuthGate(accounts, "admin", cfg.DefaultAdminPass)
	require.NoError(t, err)

	server := chat.NewServer(cfg, accounts, auth)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return server
}

func TestLoginAndBroadcast(t *testing.T) {
	server := startTestServer(t)
	addr := server.Addr().String()

	alice := NewChatClient(t, addr)
	defer alice.Close()
	alice.Login("alice", "p1", "Enter password for new account:")

	bob := NewChatClient(t, addr)
	defer bob.Close()
	bob.Login("bob", "p2", "Enter password for new account:")

	alice.MustExpect("bob joined the chatroom.", time.Second)

	// Plain text is an implicit message to the room
	alice.Send("hello everyone")
	bob.MustExpect("[alice] hello everyone", time.Second)
	alice.ExpectNot("[alice] hello everyone", 300*time.Millisecond)
}

func TestMeActionExcludesSender(t *testing.T) {
	server := startTestServer(t)
	addr := server.Addr().String()

	alice := NewChatClient(t, addr)
	defer alice.Close()
	alice.Login("alice", "p1", "Enter password for new account:")

	bob := NewChatClient(t, addr)
	defer bob.Close()
	bob.Login("bob", "p2", "Enter password for new account:")

	alice.Send("/me waves")
	bob.MustExpect("* alice waves", time.Second)
	alice.ExpectNot("* alice waves", 300*time.Millisecond)
}

func TestDirectMessage(t *testing.T) {
	server := startTestServer(t)
	addr := server.Addr().String()

	alice := NewChatClient(t, addr)
	defer alice.Close()
	alice.Login("alice", "p1", "Enter password for new account:")

	bob := NewChatClient(t, addr)
	defer bob.Close()
	bob.Login("bob", "p2", "Enter password for new account:")

	carol := NewChatClient(t, addr)
	defer carol.Close()
	carol.Login("carol", "p3", "Enter password for new account:")

	alice.Send("/msg bob secret hello")
	alice.MustExpect("! Message sent", time.Second)
	bob.MustExpect("<msg: alice> secret hello", time.Second)
	carol.ExpectNot("<msg: alice>", 300*time.Millisecond)
}

func TestKickPrivileges(t *testing.T) {
	server := startTestServer(t)
	addr := server.Addr().String()

	alice := NewChatClient(t, addr)
	defer alice.Close()
	alice.Login("alice", "p1", "Enter password for new account:")

	bob := NewChatClient(t, addr)
	defer bob.Close()
	bob.Login("bob", "p2", "Enter password for new account:")

	// bob is not an operator: denied, alice unaffected
	bob.Send("/kick alice")
	bob.MustExpect("You are not OP.", time.Second)
	alice.Send("still here")
	bob.MustExpect("[alice] still here", time.Second)

	// the seeded admin promotes bob, then bob kicks alice
	admin := NewChatClient(t, addr)
	defer admin.Close()
	admin.Login("admin", "adminpass", "Password:")

	admin.Send("/op bob")
	bob.MustExpect("! You are now OP.", time.Second)

	bob.Send("/kick alice")
	bob.MustExpect("! alice was kicked by bob", time.Second)

	assert.Eventually(t, func() bool {
		return server.Registry().Len() == 2
	}, time.Second, 10*time.Millisecond)

	// alice's connection is closed promptly
	alice.Conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, err := alice.Reader.ReadString('\n'); err != nil {
			break
		}
	}
}

func TestWrongPasswordReprompts(t *testing.T) {
	server := startTestServer(t)
	addr := server.Addr().String()

	alice := NewChatClient(t, addr)
	defer alice.Close()
	alice.Login("alice", "p1", "Enter password for new account:")
	alice.Close()

	// Wait for the dropped session to leave the registry
	require.Eventually(t, func() bool {
		return server.Registry().Len() == 0
	}, time.Second, 10*time.Millisecond)

	again := NewChatClient(t, addr)
	defer again.Close()
	again.MustExpect("What is your name?", time.Second)
	again.Send("alice")
	again.MustExpect("Password:", time.Second)
	again.Send("wrong")
	again.MustExpect("Password incorrect. Enter password:", time.Second)
	again.Send("p1")
	again.MustExpect("Welcome alice!", time.Second)
}

func TestSessionTakeover(t *testing.T) {
	server := startTestServer(t)
	addr := server.Addr().String()

	first := NewChatClient(t, addr)
	defer first.Close()
	first.Login("alice", "p1", "Enter password for new account:")

	second := NewChatClient(t, addr)
	defer second.Close()
	second.MustExpect("What is your name?", time.Second)
	second.Send("alice")
	second.MustExpect("Kick the other session? [Y/N]", time.Second)
	second.Send("Y")
	second.MustExpect("Enter password:", time.Second)
	second.Send("p1")
	second.MustExpect("Welcome alice!", time.Second)

	// The first session was evicted
	first.Conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, err := first.Reader.ReadString('\n'); err != nil {
			break
		}
	}
	assert.Equal(t, 1, server.Registry().Len())
}

func TestRenamedNickNotTakeoverable(t *testing.T) {
	server := startTestServer(t)
	addr := server.Addr().String()

	alice := NewChatClient(t, addr)
	defer alice.Close()
	alice.Login("alice", "p1", "Enter password for new account:")
	alice.Send("/nick cooluser")
	alice.MustExpect("alice is now known as cooluser.", time.Second)

	// The renamed nickname is live without a backing account; claiming
	// it with an arbitrary password must fail
	intruder := NewChatClient(t, addr)
	defer intruder.Close()
	intruder.MustExpect("What is your name?", time.Second)
	intruder.Send("cooluser")
	intruder.MustExpect("Kick the other session? [Y/N]", time.Second)
	intruder.Send("Y")
	intruder.MustExpect("That name cannot be taken over.", time.Second)
	intruder.MustExpect("Enter name:", time.Second)

	// The dialogue continues normally under a different name
	intruder.Send("mallory")
	intruder.MustExpect("Enter password for new account:", time.Second)
	intruder.Send("mpass")
	intruder.MustExpect("Welcome mallory!", time.Second)

	// The holder was never evicted and still owns the nickname
	holder, err := server.Registry().Lookup("cooluser")
	require.NoError(t, err)
	assert.Equal(t, "cooluser", holder.Nick())
	alice.Send("still here")
	intruder.MustExpect("[cooluser] still here", time.Second)
}

func TestChangePassword(t *testing.T) {
	server := startTestServer(t)
	addr := server.Addr().String()

	alice := NewChatClient(t, addr)
	defer alice.Close()
	alice.Login("alice", "p1", "Enter password for new account:")

	alice.Send("/changepass p2")
	alice.MustExpect("! Password changed", time.Second)
	alice.Send("/quit done")

	require.Eventually(t, func() bool {
		return server.Registry().Len() == 0
	}, time.Second, 10*time.Millisecond)

	back := NewChatClient(t, addr)
	defer back.Close()
	back.Login("alice", "p2", "Password:")
}

func TestQuitReasonAnnounced(t *testing.T) {
	server := startTestServer(t)
	addr := server.Addr().String()

	alice := NewChatClient(t, addr)
	defer alice.Close()
	alice.Login("alice", "p1", "Enter password for new account:")

	bob := NewChatClient(t, addr)
	defer bob.Close()
	bob.Login("bob", "p2", "Enter password for new account:")

	alice.Send("/quit off to lunch")
	line := bob.MustExpect("lost connection.", time.Second)
	assert.Contains(t, line, "off to lunch")
	assert.Contains(t, line, "alice")
}

func TestInvalidUTF8LineIgnored(t *testing.T) {
	server := startTestServer(t)
	addr := server.Addr().String()

	alice := NewChatClient(t, addr)
	defer alice.Close()
	alice.Login("alice", "p1", "Enter password for new account:")

	bob := NewChatClient(t, addr)
	defer bob.Close()
	bob.Login("bob", "p2", "Enter password for new account:")

	// A line that is not valid UTF-8 is dropped, not relayed, and the
	// session stays usable
	_, err := alice.Conn.Write([]byte{0xff, 0xfe, 0xfd, '\n'})
	require.NoError(t, err)
	alice.Send("still speaking")
	bob.MustExpect("[alice] still speaking", time.Second)
	assert.Equal(t, 2, server.Registry().Len())
}

func TestStopTwice(t *testing.T) {
	server := startTestServer(t)
	require.NoError(t, server.Stop())
	require.NoError(t, server.Stop())
}

func TestInvalidNicknameReprompts(t *testing.T) {
	server := startTestServer(t)
	addr := server.Addr().String()

	c := NewChatClient(t, addr)
	defer c.Close()
	c.MustExpect("What is your name?", time.Second)
	c.Send("not a valid nick!")
	c.MustExpect("Please enter a valid username.", time.Second)
	c.Send("valid_nick")
	c.MustExpect("Enter password for new account:", time.Second)
}
