package control

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Credentials is a cookies file private to one run.
type Credentials struct {
	path string
	once sync.Once
	err  error
}

// MaterializeCookies writes the cookies for this run into a 0600 file under
// tempDir. envValue wins over cookiesFile; envValue may be the Netscape cookie
// text itself or its base64 encoding. It returns nil when neither is set.
func MaterializeCookies(envValue, cookiesFile, tempDir string) (*Credentials, error) {
	var data []byte
	switch {
	case strings.TrimSpace(envValue) != "":
		data = decodeCookies(envValue)
	case strings.TrimSpace(cookiesFile) != "":
		raw, err := os.ReadFile(cookiesFile)
		if err != nil {
			return nil, fmt.Errorf("read cookies file: %w", err)
		}
		data = raw
	default:
		return nil, nil
	}

	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir %s: %w", tempDir, err)
	}
	f, err := os.CreateTemp(tempDir, "cookies-*.txt")
	if err != nil {
		return nil, fmt.Errorf("create cookies file: %w", err)
	}
	// CreateTemp already uses 0600; Chmod guards against a permissive umask
	// on filesystems that ignore it.
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("chmod cookies file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("write cookies file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("close cookies file: %w", err)
	}
	return &Credentials{path: f.Name()}, nil
}

// Path returns the cookies file path, or "" for nil credentials.
func (c *Credentials) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Remove deletes the file. It is safe to call more than once and on nil.
func (c *Credentials) Remove() error {
	if c == nil {
		return nil
	}
	c.once.Do(func() {
		if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.err = fmt.Errorf("remove cookies file: %w", err)
		}
	})
	return c.err
}

// decodeCookies accepts the cookie text as is, or base64 of it when the value
// is a single line that decodes cleanly.
func decodeCookies(v string) []byte {
	trimmed := strings.TrimSpace(v)
	if !strings.ContainsAny(trimmed, "\t\n ") {
		if raw, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
			return raw
		}
	}
	if !strings.HasSuffix(v, "\n") {
		v += "\n"
	}
	return []byte(v)
}
