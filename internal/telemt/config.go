// Package telemt reads and edits the config file of the running telemt
// proxy (/etc/telemt.toml by default). The file is owned by the operator
// and read by the proxy process itself, so edits are structural: only the
// [access.users] table is touched, every other byte round-trips unchanged,
// and the file is replaced atomically via a temp file in the same directory.
package telemt

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"telemtadm/lib/proxylink"
	"telemtadm/lib/sl"
)

const usersHeader = "[access.users]"

var (
	// ErrConfigIO covers file read, write and rename failures.
	ErrConfigIO = errors.New("telemt config io")
	// ErrConfigFormat covers unparsable documents, missing required fields
	// and edits whose result fails re-validation before being committed.
	ErrConfigFormat = errors.New("telemt config format")
)

// rawConfig maps only the fields the admin tool reads. Everything else in
// the file belongs to the operator and is never deserialized.
type rawConfig struct {
	Server     *serverSection     `toml:"server"`
	Censorship *censorshipSection `toml:"censorship"`
}

type serverSection struct {
	Port      int             `toml:"port"`
	Listeners []listenerEntry `toml:"listeners"`
}

type listenerEntry struct {
	Announce   string `toml:"announce"`
	AnnounceIP string `toml:"announce_ip"`
}

type censorshipSection struct {
	TLSDomain string `toml:"tls_domain"`
}

// Config is the handle to the telemt config file. The mutex serializes
// writers within this process for the whole read-edit-validate-rename
// cycle; it cannot protect against an external editor touching the file at
// the same instant, and it never blocks the proxy's own reads.
type Config struct {
	path string
	mu   sync.Mutex
	log  *slog.Logger
}

func New(path string, log *slog.Logger) *Config {
	return &Config{
		path: path,
		log:  log.With(sl.Module("telemt")),
	}
}

// ReadLinkParams extracts host, port and TLS domain for link generation.
// Port defaults to 443. Host comes from the first listener exposing a
// public announce address. A missing listener address or tls_domain is a
// configuration error surfaced verbatim.
func (c *Config) ReadLinkParams() (*proxylink.Params, error) {
	content, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfigIO, c.path, err)
	}

	var raw rawConfig
	if _, err = toml.Decode(string(content), &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfigFormat, c.path, err)
	}

	port := 443
	if raw.Server != nil && raw.Server.Port != 0 {
		port = raw.Server.Port
	}

	host := ""
	if raw.Server != nil {
		for _, l := range raw.Server.Listeners {
			if l.Announce != "" {
				host = l.Announce
				break
			}
			if l.AnnounceIP != "" {
				host = l.AnnounceIP
				break
			}
		}
	}
	if host == "" {
		return nil, fmt.Errorf("%w: no announce/announce_ip in server.listeners", ErrConfigFormat)
	}

	if raw.Censorship == nil || raw.Censorship.TLSDomain == "" {
		return nil, fmt.Errorf("%w: censorship.tls_domain is not set", ErrConfigFormat)
	}

	params := &proxylink.Params{
		Host:      host,
		Port:      port,
		TLSDomain: raw.Censorship.TLSDomain,
	}
	c.log.With(
		slog.String("host", params.Host),
		slog.Int("port", params.Port),
	).Debug("link params loaded")
	return params, nil
}

// UpsertUser sets or replaces one key in [access.users], creating the table
// at the end of the file if it does not exist yet.
func (c *Config) UpsertUser(username, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines, err := c.readLines()
	if err != nil {
		return err
	}

	start, end, found := locateUsersSection(lines)
	if !found {
		// Append a fresh table. Post-edit validation catches the case of
		// users being defined inline elsewhere (duplicate table).
		if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) != "" {
			lines = append(lines, "")
		}
		lines = append(lines, usersHeader)
		start, end = len(lines)-1, len(lines)
	}

	entry := fmt.Sprintf("%s = %q", username, secret)
	replaced := false
	for i := start + 1; i < end; i++ {
		if keyOfLine(lines[i]) == username {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		insertAt := end
		for insertAt > start+1 && strings.TrimSpace(lines[insertAt-1]) == "" {
			insertAt--
		}
		lines = append(lines[:insertAt], append([]string{entry}, lines[insertAt:]...)...)
	}

	if err = c.writeLines(lines); err != nil {
		return err
	}
	c.log.With(slog.String("username", username)).Info("user upserted in telemt config")
	return nil
}

// RemoveUser deletes one key from [access.users] and reports whether it was
// present. When the key is absent the file is left untouched.
func (c *Config) RemoveUser(username string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines, err := c.readLines()
	if err != nil {
		return false, err
	}

	start, end, found := locateUsersSection(lines)
	if !found {
		c.log.With(slog.String("username", username)).Warn("access.users table not present")
		return false, nil
	}

	for i := start + 1; i < end; i++ {
		if keyOfLine(lines[i]) == username {
			lines = append(lines[:i], lines[i+1:]...)
			if err = c.writeLines(lines); err != nil {
				return false, err
			}
			c.log.With(slog.String("username", username)).Info("user removed from telemt config")
			return true, nil
		}
	}

	c.log.With(slog.String("username", username)).Warn("user not found in telemt config")
	return false, nil
}

// readLines loads the file and confirms it is well-formed TOML before any
// line-level edit is attempted.
func (c *Config) readLines() ([]string, error) {
	content, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfigIO, c.path, err)
	}
	var doc map[string]interface{}
	if _, err = toml.Decode(string(content), &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfigFormat, c.path, err)
	}
	return strings.Split(string(content), "\n"), nil
}

// writeLines validates the edited document and replaces the target file
// atomically: temp file in the same directory, then rename. A crash between
// the two steps leaves either the old or the new file, never a torn one.
func (c *Config) writeLines(lines []string) error {
	content := strings.Join(lines, "\n")
	var doc map[string]interface{}
	if _, err := toml.Decode(content, &doc); err != nil {
		return fmt.Errorf("%w: edited document does not parse, refusing to write: %v", ErrConfigFormat, err)
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(c.path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(c.path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%d.%d", filepath.Base(c.path), os.Getpid(), time.Now().UnixNano()))
	if err := os.WriteFile(tmp, []byte(content), mode); err != nil {
		return fmt.Errorf("%w: writing temp file: %v", ErrConfigIO, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: renaming temp file: %v", ErrConfigIO, err)
	}
	c.log.With(slog.String("path", c.path)).Debug("telemt config written atomically")
	return nil
}

// locateUsersSection returns the header line index and the exclusive end of
// the [access.users] table body (the next table header or end of file).
func locateUsersSection(lines []string) (start, end int, found bool) {
	for i, line := range lines {
		if strings.TrimSpace(line) == usersHeader {
			start = i
			found = true
			continue
		}
		if found && strings.HasPrefix(strings.TrimSpace(line), "[") {
			return start, i, true
		}
	}
	if found {
		return start, len(lines), true
	}
	return 0, 0, false
}

// keyOfLine extracts the TOML key from a `key = value` line, tolerating
// quoted keys. Comments and blank lines yield an empty key.
func keyOfLine(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	eq := strings.Index(trimmed, "=")
	if eq < 0 {
		return ""
	}
	key := strings.TrimSpace(trimmed[:eq])
	key = strings.Trim(key, `"'`)
	return key
}
