package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

func (c *Client) sftpClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// Upload writes data to a temporary file next to remotePath and renames it
// into place so readers never observe a partial file.
func (c *Client) Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	log.Debug().Str("remote", remotePath).Int("bytes", len(data)).Msg("uploading file")

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", path.Dir(remotePath), err)}
	}

	tmp := remotePath + ".tmp"
	f, err := client.Create(tmp)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", tmp, err)}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = client.Remove(tmp)
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to write %s: %w", tmp, err), IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := client.Chmod(tmp, mode); err != nil {
		_ = client.Remove(tmp)
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to chmod %s: %w", tmp, err)}
	}

	if err := client.PosixRename(tmp, remotePath); err != nil {
		// servers without the posix-rename extension refuse to overwrite
		_ = client.Remove(remotePath)
		if err := client.Rename(tmp, remotePath); err != nil {
			_ = client.Remove(tmp)
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to rename into %s: %w", remotePath, err)}
		}
	}
	return nil
}

// ReadFile returns the contents of remotePath.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: err, IsTemporary: true}
	}
	return data, nil
}
