package deployment

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/shipraft/shipraft/secrets"
)

type testSSHServer struct {
	addr   string
	keyPEM string
}

// startTestSSHServer runs an in-process SSH server accepting any public key.
// Exec sessions answer by command: "hang" never exits, "fail" exits 1,
// anything else writes "ok" and exits 0. The sftp subsystem serves the real
// filesystem.
func startTestSSHServer(t *testing.T) testSSHServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	_, clientKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemBlock, err := ssh.MarshalPrivateKey(clientKey, "")
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(conn, config)
		}
	}()

	return testSSHServer{
		addr:   listener.Addr().String(),
		keyPEM: string(pem.EncodeToMemory(pemBlock)),
	}
}

func serveSSHConn(conn net.Conn, config *ssh.ServerConfig) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go serveSession(channel, requests)
	}
}

func serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			req.Reply(true, nil)
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				channel.Close()
				return
			}
			switch payload.Command {
			case "hang":
				// Never exits; the client has to tear the session down.
			case "fail":
				channel.Write([]byte("boom\n"))
				channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{Status: 1}))
				channel.Close()
			default:
				channel.Write([]byte("ok\n"))
				channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{Status: 0}))
				channel.Close()
			}
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				channel.Close()
				continue
			}
			go func() {
				server.Serve()
				channel.Close()
			}()
		default:
			req.Reply(false, nil)
		}
	}
}

func dialTestRemote(t *testing.T, srv testSSHServer) Remote {
	t.Helper()

	vault, err := secrets.NewKeyVault(srv.keyPEM)
	require.NoError(t, err)

	remote, err := DialRemote(context.Background(), RemoteConfig{
		Addr: srv.addr,
		User: "ubuntu",
		Key:  vault,
	})
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })

	return remote
}

func TestRemoteRun(t *testing.T) {
	srv := startTestSSHServer(t)
	remote := dialTestRemote(t, srv)

	out, err := remote.Run(context.Background(), "docker compose version")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
}

func TestRemoteRunCommandFailure(t *testing.T) {
	srv := startTestSSHServer(t)
	remote := dialTestRemote(t, srv)

	out, err := remote.Run(context.Background(), "fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Equal(t, "boom\n", out, "output of the failing command must be kept")
}

func TestRemoteRunContextCancelled(t *testing.T) {
	srv := startTestSSHServer(t)
	remote := dialTestRemote(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := remote.Run(ctx, "hang")
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the context was cancelled")
	}
}

func TestRemoteUpload(t *testing.T) {
	srv := startTestSSHServer(t)
	remote := dialTestRemote(t, srv)

	target := filepath.Join(t.TempDir(), "srv", "flask-app", "docker-compose.yml")
	require.NoError(t, remote.Upload(context.Background(), target, []byte("services: {}\n")))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "services: {}\n", string(data))
}

func TestDialRemoteRejectsBadKey(t *testing.T) {
	vault, err := secrets.NewKeyVault("not a PEM key")
	require.NoError(t, err)

	_, err = DialRemote(context.Background(), RemoteConfig{
		Addr: "example.invalid:22",
		User: "ubuntu",
		Key:  vault,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing SSH private key")
}

func TestDeployCommands(t *testing.T) {
	commands := deployCommands("/srv/app/docker-compose.yml")

	require.Len(t, commands, 2)
	assert.Equal(t, "docker compose -f /srv/app/docker-compose.yml down --rmi all --remove-orphans", commands[0])
	assert.Equal(t, "docker compose -f /srv/app/docker-compose.yml up -d --pull always", commands[1])
}
