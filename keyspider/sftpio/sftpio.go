// Package sftpio wraps the SFTP client used for all remote file access.
// Keyspider never runs shell commands to read files; every read goes
// through these bounded operations. Non-existent paths are reported as
// a distinguished absence, not an error.
package sftpio

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/keyspider/go-api/keyspider"
)

// DefaultMaxBytes caps whole-file reads.
const DefaultMaxBytes = 10 * 1024 * 1024

// tailMaxBytes caps how far back a tail read will seek.
const tailMaxBytes = 50 * 1024 * 1024

// Client is the file-access surface the scanner and spider consume.
// The production implementation speaks SFTP; tests substitute fakes.
type Client interface {
	// ReadFile returns up to maxBytes of the file. The bool is false
	// when the path does not exist.
	ReadFile(path string, maxBytes int64) (string, bool, error)
	// ReadFileTail returns the last maxLines lines of the file.
	ReadFileTail(path string, maxLines int) (string, bool, error)
	// Stat returns file metadata. The bool is false when the path does
	// not exist.
	Stat(path string) (keyspider.FileInfo, bool, error)
	// ListDir returns directory entry names, or nil when the path does
	// not exist.
	ListDir(path string) ([]string, error)
	// Exists reports whether the path exists.
	Exists(path string) bool
	// Close releases the SFTP session.
	Close() error
}

type client struct {
	sc *sftp.Client
}

// NewClient opens an SFTP session over an established SSH connection.
func NewClient(conn *ssh.Client) (Client, error) {
	sc, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("start sftp session: %w", err)
	}
	return &client{sc: sc}, nil
}

func (c *client) ReadFile(path string, maxBytes int64) (string, bool, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	f, err := c.sc.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("sftp open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return "", true, fmt.Errorf("sftp read %s: %w", path, err)
	}
	return string(data), true, nil
}

func (c *client) ReadFileTail(path string, maxLines int) (string, bool, error) {
	f, err := c.sc.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("sftp open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", true, fmt.Errorf("sftp stat %s: %w", path, err)
	}

	size := st.Size()
	if size == 0 {
		return "", true, nil
	}

	readSize := size
	if readSize > tailMaxBytes {
		readSize = tailMaxBytes
	}

	seeked := readSize < size
	if seeked {
		if _, err := f.Seek(size-readSize, io.SeekStart); err != nil {
			return "", true, fmt.Errorf("sftp seek %s: %w", path, err)
		}
	}

	data, err := io.ReadAll(io.LimitReader(f, readSize))
	if err != nil {
		return "", true, fmt.Errorf("sftp read %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	// Drop the partial first line when the read started mid-file.
	if seeked && len(lines) > 0 {
		lines = lines[1:]
	}
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n"), true, nil
}

func (c *client) Stat(path string) (keyspider.FileInfo, bool, error) {
	st, err := c.sc.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return keyspider.FileInfo{}, false, nil
		}
		return keyspider.FileInfo{}, false, fmt.Errorf("sftp stat %s: %w", path, err)
	}

	info := keyspider.FileInfo{
		Size:  st.Size(),
		Mtime: st.ModTime().UTC(),
		Perms: fmt.Sprintf("%04o", st.Mode().Perm()),
	}
	if fs, ok := st.Sys().(*sftp.FileStat); ok {
		info.Owner = strconv.FormatUint(uint64(fs.UID), 10)
		info.Group = strconv.FormatUint(uint64(fs.GID), 10)
		info.Mtime = time.Unix(int64(fs.Mtime), 0).UTC()
	}
	return info, true, nil
}

func (c *client) ListDir(path string) ([]string, error) {
	entries, err := c.sc.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sftp readdir %s: %w", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (c *client) Exists(path string) bool {
	_, err := c.sc.Stat(path)
	return err == nil
}

func (c *client) Close() error {
	return c.sc.Close()
}
