package deployment

import (
	"context"
	"fmt"
	"log"
	"net"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/shipraft/shipraft/secrets"
)

// Remote is one SSH connection to the deploy target: file upload over SFTP
// and one-shot command execution.
type Remote interface {
	Upload(ctx context.Context, remotePath string, data []byte) error
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// RemoteConfig is used to open a Remote connection.
type RemoteConfig struct {
	Addr        string
	User        string
	Key         *secrets.KeyVault
	DialTimeout time.Duration
}

type sshRemote struct {
	client *ssh.Client
}

// DialRemote opens an SSH connection with private key auth. The key is taken
// out of its vault only for the duration of the handshake setup.
func DialRemote(ctx context.Context, cfg RemoteConfig) (Remote, error) {
	keyPEM, err := cfg.Key.Open()
	if err != nil {
		return nil, fmt.Errorf("error opening SSH key vault: %w", err)
	}

	signer, err := ssh.ParsePrivateKey([]byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("error parsing SSH private key: %w", err)
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	sshConfig := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Single pre-provisioned host, key auth only.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	conn, err := (&net.Dialer{Timeout: timeout}).DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("error dialing %v: %w", cfg.Addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error establishing SSH connection to %v: %w", cfg.Addr, err)
	}

	return &sshRemote{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func (r *sshRemote) Upload(ctx context.Context, remotePath string, data []byte) error {
	sftpClient, err := sftp.NewClient(r.client)
	if err != nil {
		return fmt.Errorf("error opening SFTP session: %w", err)
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return fmt.Errorf("error creating remote directory %v: %w", dir, err)
		}
	}

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("error creating remote file %v: %w", remotePath, err)
	}

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("error writing remote file %v: %w", remotePath, err)
	}

	if err = f.Close(); err != nil {
		return err
	}

	log.Printf("Uploaded %v (%v bytes)", remotePath, len(data))
	return nil
}

// Run executes one command in its own session and returns its combined
// output. A cancelled context tears the session down.
func (r *sshRemote) Run(ctx context.Context, command string) (string, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("error opening SSH session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)

	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			return string(res.out), fmt.Errorf("remote command %q failed: %w", command, res.err)
		}
		return string(res.out), nil
	}
}

func (r *sshRemote) Close() error {
	return r.client.Close()
}
