// Package device derives the local emergency recovery key from stable
// machine attributes and a persisted recovery salt.
//
// Every input is readable by anyone with local filesystem access, so the
// resulting key is a convenience for recovering on the same machine. It is
// not a secret and must not be treated as one.
package device

import (
	"bufio"
	"os"
	"os/user"
	"runtime"
	"strings"

	"github.com/vault-cli/credvault/internal/crypto"
)

// Info holds the attributes hashed into the fingerprint.
type Info struct {
	Hostname string
	Username string
	Platform string
	Arch     string
	CPUModel string
	HomeDir  string
}

// Collect reads the current machine's attributes. Missing values are left
// empty rather than failing.
func Collect() Info {
	info := Info{
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		CPUModel: cpuModel(),
	}
	if host, err := os.Hostname(); err == nil {
		info.Hostname = host
	}
	if u, err := user.Current(); err == nil && u != nil {
		info.Username = u.Username
	}
	if home, err := os.UserHomeDir(); err == nil {
		info.HomeDir = home
	}
	return info
}

// Fingerprint returns SHA-256 over the "|" joined attributes.
func (i Info) Fingerprint() []byte {
	joined := strings.Join([]string{i.Hostname, i.Username, i.Platform, i.Arch, i.CPUModel, i.HomeDir}, "|")
	return crypto.Hash([]byte(joined))
}

// Key returns SHA-256(fingerprint ‖ salt).
func (i Info) Key(salt []byte) []byte {
	fp := i.Fingerprint()
	buf := make([]byte, 0, len(fp)+len(salt))
	buf = append(buf, fp...)
	buf = append(buf, salt...)
	return crypto.Hash(buf)
}

// Key derives the recovery key for this machine.
func Key(salt []byte) []byte {
	return Collect().Key(salt)
}

func cpuModel() string {
	switch runtime.GOOS {
	case "linux":
		f, err := os.Open("/proc/cpuinfo")
		if err != nil {
			return ""
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "model name") {
				if _, v, ok := strings.Cut(line, ":"); ok {
					return strings.TrimSpace(v)
				}
			}
		}
	case "windows":
		return os.Getenv("PROCESSOR_IDENTIFIER")
	}
	return ""
}
