package sshx

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type commandLog struct {
	mu   sync.Mutex
	seen []string
}

func (l *commandLog) add(cmd string) {
	l.mu.Lock()
	l.seen = append(l.seen, cmd)
	l.mu.Unlock()
}

func (l *commandLog) first() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.seen) == 0 {
		return ""
	}
	return l.seen[0]
}

const (
	testUser     = "agent"
	testPassword = "secret"
)

// startTestServer runs an SSH server that fakes a shell:
// commands containing "cat" echo stdin, "fail" exits 3 with stderr,
// "sleep" blocks, anything else prints "ok".
func startTestServer(t *testing.T) (string, int, *commandLog) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	conf := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	conf.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	commands := &commandLog{}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, conf, commands)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, commands
}

func serveConn(nc net.Conn, conf *ssh.ServerConfig, commands *commandLog) {
	_, chans, reqs, err := ssh.NewServerConn(nc, conf)
	if err != nil {
		_ = nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs, commands)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request, commands *commandLog) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		_ = ssh.Unmarshal(req.Payload, &payload)
		_ = req.Reply(true, nil)
		commands.add(payload.Command)

		status := uint32(0)
		switch {
		case strings.Contains(payload.Command, "cat"):
			_, _ = io.Copy(ch, ch)
		case strings.Contains(payload.Command, "fail"):
			_, _ = ch.Stderr().Write([]byte("boom\n"))
			status = 3
		case strings.Contains(payload.Command, "sleep"):
			time.Sleep(2 * time.Second)
		default:
			_, _ = ch.Write([]byte("ok\n"))
		}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}
