package catalog

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type sftpSource struct {
	addr     string
	user     string
	password string
	keyPath  string
	baseDir  string
}

// NewSFTPSource walks SFTP_BASE_DIR on SFTP_HOST. Each top level directory is
// a container and every regular file below it a dataset.
func NewSFTPSource() (Source, error) {
	host := os.Getenv("SFTP_HOST")
	user := os.Getenv("SFTP_USER")
	if host == "" || user == "" {
		return nil, fmt.Errorf("SFTP_HOST and SFTP_USER required for sftp source")
	}
	port := os.Getenv("SFTP_PORT")
	if port == "" {
		port = "22"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid sftp port: %w", err)
	}
	return &sftpSource{
		addr:     net.JoinHostPort(host, port),
		user:     user,
		password: os.Getenv("SFTP_PASSWORD"),
		keyPath:  os.Getenv("SFTP_KEY_PATH"),
		baseDir:  os.Getenv("SFTP_BASE_DIR"),
	}, nil
}

func (s *sftpSource) Name() string {
	return "sftp"
}

func (s *sftpSource) List(ctx context.Context) ([]Dataset, error) {
	client, err := s.newClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	root := strings.TrimSuffix(s.baseDir, "/")
	if root == "" {
		root = "."
	}
	var datasets []Dataset
	walker := client.Walk(root)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := walker.Err(); err != nil {
			return nil, fmt.Errorf("sftp walk %s: %w", walker.Path(), err)
		}
		if !walker.Stat().Mode().IsRegular() {
			continue
		}
		if d, ok := splitKey(root, walker.Path()); ok {
			datasets = append(datasets, d)
		}
	}
	return datasets, nil
}

func (s *sftpSource) newClient() (*sftp.Client, error) {
	var auths []ssh.AuthMethod
	if s.keyPath != "" {
		key, err := os.ReadFile(s.keyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if s.password != "" {
		auths = append(auths, ssh.Password(s.password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("sftp source requires password or key")
	}
	cfg := ssh.ClientConfig{
		User:            s.user,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	conn, err := ssh.Dial("tcp", s.addr, &cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial: %w", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	return client, nil
}
