package config

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Environment isolates host lookups made during load and persist.
type Environment struct {
	Hostname    func() (string, error)
	LookupUser  func(name string) error
	FileExists  func(path string) bool
	Environ     func() []string
	InContainer func() bool
	// HomeDir is the installation root; the default work dir lives under it.
	HomeDir string
}

const dockerSocket = "/var/run/docker.sock"

// SystemEnvironment resolves everything against the running host.
func SystemEnvironment() Environment {
	home := "."
	if exe, err := os.Executable(); err == nil {
		home = filepath.Dir(filepath.Dir(exe))
	}
	return Environment{
		Hostname: os.Hostname,
		LookupUser: func(name string) error {
			_, err := user.Lookup(name)
			return err
		},
		FileExists: fileExists,
		Environ:    os.Environ,
		InContainer: func() bool {
			if fileExists("/.dockerenv") {
				return true
			}
			data, err := os.ReadFile("/proc/1/cgroup")
			if err != nil {
				return false
			}
			s := string(data)
			return strings.Contains(s, "docker") || strings.Contains(s, "kubepods") || strings.Contains(s, "containerd")
		},
		HomeDir: home,
	}
}

func (e Environment) withDefaults() Environment {
	sys := Environment{}
	if e.Hostname == nil || e.LookupUser == nil || e.FileExists == nil || e.Environ == nil || e.InContainer == nil {
		sys = SystemEnvironment()
	}
	if e.Hostname == nil {
		e.Hostname = sys.Hostname
	}
	if e.LookupUser == nil {
		e.LookupUser = sys.LookupUser
	}
	if e.FileExists == nil {
		e.FileExists = sys.FileExists
	}
	if e.Environ == nil {
		e.Environ = sys.Environ
	}
	if e.InContainer == nil {
		e.InContainer = sys.InContainer
	}
	if e.HomeDir == "" {
		e.HomeDir = sys.HomeDir
	}
	return e
}

func (e Environment) hostname() string {
	name, err := e.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
