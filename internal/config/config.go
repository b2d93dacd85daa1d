// Package config loads server and client settings from an optional YAML file
// named by DSTORE_CONFIG, then lets environment variables override it.
package config

import (
	"os"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Listen      string `yaml:"listen"`
	ProviderID  int    `yaml:"provider_id"`
	Threads     int    `yaml:"threads"`
	QueueSize   int    `yaml:"queue_size"`
	BufferSize  int    `yaml:"buffer_size"`
	ChunkSize   int    `yaml:"chunk_size"`
	AdminListen string `yaml:"admin_listen"`
	AdminToken  string `yaml:"admin_token"`
	JournalDSN  string `yaml:"journal_dsn"`
	Debug       bool   `yaml:"debug"`
}

type Client struct {
	Servers     []string `yaml:"servers"`
	ProviderIDs []int    `yaml:"provider_ids"`
	ChunkSize   int      `yaml:"chunk_size"`
}

type File struct {
	Server Server `yaml:"server"`
	Client Client `yaml:"client"`
}

func Defaults() File {
	return File{
		Server: Server{
			Listen:      ":9090",
			Threads:     1,
			QueueSize:   64,
			BufferSize:  1 << 30,
			ChunkSize:   1 << 20,
			AdminListen: ":8080",
		},
		Client: Client{ChunkSize: 1 << 20},
	}
}

func Load() (File, error) {
	f := Defaults()
	if path := os.Getenv("DSTORE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return f, pkgerrors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return f, pkgerrors.Wrapf(err, "parse %s", path)
		}
	}
	f.applyEnv()
	return f, f.validate()
}

func LoadServer() (Server, error) {
	f, err := Load()
	return f.Server, err
}

func LoadClient() (Client, error) {
	f, err := Load()
	return f.Client, err
}

func (f *File) applyEnv() {
	s := &f.Server
	s.Listen = envOr("DSTORE_LISTEN", s.Listen)
	s.ProviderID = envOrInt("DSTORE_PROVIDER_ID", s.ProviderID)
	s.Threads = envOrInt("DSTORE_THREADS", s.Threads)
	s.QueueSize = envOrInt("DSTORE_QUEUE_SIZE", s.QueueSize)
	s.BufferSize = envOrInt("DSTORE_BUFFER_SIZE", s.BufferSize)
	s.ChunkSize = envOrInt("DSTORE_CHUNK_SIZE", s.ChunkSize)
	s.AdminListen = envOr("DSTORE_ADMIN_LISTEN", s.AdminListen)
	s.AdminToken = envOr("DSTORE_ADMIN_TOKEN", s.AdminToken)
	s.JournalDSN = envOr("DSTORE_JOURNAL_DSN", s.JournalDSN)
	s.Debug = envOrBool("DSTORE_DEBUG", s.Debug)

	c := &f.Client
	c.ChunkSize = envOrInt("DSTORE_CHUNK_SIZE", c.ChunkSize)
	if v := os.Getenv("DSTORE_SERVERS"); v != "" {
		c.Servers = splitList(v)
	}
	if v := os.Getenv("DSTORE_PROVIDER_IDS"); v != "" {
		c.ProviderIDs = nil
		for _, p := range splitList(v) {
			n, err := strconv.Atoi(p)
			if err != nil {
				n = -1 // rejected by validate
			}
			c.ProviderIDs = append(c.ProviderIDs, n)
		}
	}
	if len(c.ProviderIDs) == 0 {
		for i := range c.Servers {
			c.ProviderIDs = append(c.ProviderIDs, i)
		}
	}
}

func (f *File) validate() error {
	s := f.Server
	if s.Threads < 1 {
		return pkgerrors.Errorf("threads must be at least 1, got %d", s.Threads)
	}
	if s.BufferSize <= 0 {
		return pkgerrors.Errorf("buffer_size must be positive, got %d", s.BufferSize)
	}
	if s.ChunkSize <= 0 || f.Client.ChunkSize <= 0 {
		return pkgerrors.New("chunk_size must be positive")
	}
	c := f.Client
	if len(c.ProviderIDs) != len(c.Servers) {
		return pkgerrors.Errorf("%d servers but %d provider ids", len(c.Servers), len(c.ProviderIDs))
	}
	for _, id := range c.ProviderIDs {
		if id < 0 {
			return pkgerrors.Errorf("invalid provider id in %v", c.ProviderIDs)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envOrInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
