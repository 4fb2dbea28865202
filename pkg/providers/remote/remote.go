// Package remote provides command and file units processed on other
// machines over SSH. Connections are shared by every unit that targets the
// same host with the same credentials.
package remote

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/configset/pkg/engine"
	"github.com/openfroyo/configset/pkg/providers"
	"github.com/openfroyo/configset/pkg/providers/system"
	"github.com/openfroyo/configset/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// Unit types served by the provider.
const (
	CommandType = "remote/command"
	FileType    = "remote/file"
)

const connectionFields = `
	host:                      string
	port?:                     int & >0 & <65536
	user?:                     string
	password?:                 string
	identity_file?:            string
	known_hosts?:              string
	insecure_ignore_host_key?: bool
`

// Connection selects the host a remote unit runs on.
type Connection struct {
	Host                  string `json:"host" validate:"required"`
	Port                  int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User                  string `json:"user,omitempty"`
	Password              string `json:"password,omitempty"`
	IdentityFile          string `json:"identity_file,omitempty"`
	KnownHosts            string `json:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key,omitempty"`
}

// CommandSettings are the settings of a remote/command unit.
type CommandSettings struct {
	Connection
	system.CommandSettings
}

// FileSettings are the settings of a remote/file unit.
type FileSettings struct {
	Connection
	system.FileSettings
}

// Option configures a Provider.
type Option func(*Provider)

// WithDefaultUser sets the user for units that do not name one.
func WithDefaultUser(user string) Option {
	return func(p *Provider) { p.defaultUser = user }
}

// WithKnownHosts sets the known_hosts file for units that do not name one.
func WithKnownHosts(path string) Option {
	return func(p *Provider) { p.knownHosts = path }
}

// WithTimeouts sets the connection and command timeouts.
func WithTimeouts(connect, command time.Duration) Option {
	return func(p *Provider) {
		p.connectTimeout = connect
		p.commandTimeout = command
	}
}

// Provider serves remote units.
type Provider struct {
	defaultUser    string
	knownHosts     string
	connectTimeout time.Duration
	commandTimeout time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

var _ providers.Provider = (*Provider)(nil)

// New creates a remote provider.
func New(logger zerolog.Logger, opts ...Option) *Provider {
	defaults := ssh.DefaultConfig("", os.Getenv("USER"))
	p := &Provider{
		defaultUser:    defaults.User,
		knownHosts:     defaults.KnownHostsPath,
		connectTimeout: defaults.ConnectionTimeout,
		commandTimeout: defaults.CommandTimeout,
		logger:         logger.With().Str("provider", "remote").Logger(),
		clients:        make(map[string]*ssh.Client),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements providers.Provider.
func (p *Provider) Name() string {
	return "remote"
}

// Types implements providers.Provider.
func (p *Provider) Types() []providers.TypeInfo {
	return []providers.TypeInfo{
		{
			Name:           CommandType,
			Description:    "Runs test and apply commands on a host over SSH",
			SettingsSchema: "#RemoteCommand: {" + connectionFields + system.CommandFields + "}",
		},
		{
			Name:           FileType,
			Description:    "Manages a file on a host over SFTP",
			SettingsSchema: "#RemoteFile: {" + connectionFields + system.FileFields + "}",
		},
	}
}

// NewUnitProcessor implements providers.Provider.
func (p *Provider) NewUnitProcessor(_ context.Context, unit *engine.ConfigurationUnit) (engine.UnitProcessor, error) {
	switch strings.ToLower(unit.Type) {
	case CommandType:
		var settings CommandSettings
		if err := providers.DecodeSettings(unit, &settings); err != nil {
			return nil, err
		}
		host, err := p.host(unit, settings.Connection)
		if err != nil {
			return nil, err
		}
		return system.NewCommandProcessor(host, settings.CommandSettings), nil

	case FileType:
		var settings FileSettings
		if err := providers.DecodeSettings(unit, &settings); err != nil {
			return nil, err
		}
		host, err := p.host(unit, settings.Connection)
		if err != nil {
			return nil, err
		}
		return system.NewFileProcessor(host, unit, settings.FileSettings)

	default:
		return nil, fmt.Errorf("unit type %s is not served by the remote provider", unit.Type)
	}
}

// config builds the transport configuration of a connection.
func (p *Provider) config(conn Connection) *ssh.Config {
	user := conn.User
	if user == "" {
		user = p.defaultUser
	}

	config := ssh.DefaultConfig(conn.Host, user)
	if conn.Port != 0 {
		config.Port = conn.Port
	}
	config.ConnectionTimeout = p.connectTimeout
	config.CommandTimeout = p.commandTimeout
	config.InsecureIgnoreHostKey = conn.InsecureIgnoreHostKey
	config.KnownHostsPath = p.knownHosts
	if conn.KnownHosts != "" {
		config.KnownHostsPath = conn.KnownHosts
	}

	switch {
	case conn.Password != "":
		config.AuthMethod = ssh.AuthMethodPassword
		config.Password = conn.Password
	case conn.IdentityFile != "":
		config.AuthMethod = ssh.AuthMethodKey
		config.PrivateKeyPath = conn.IdentityFile
	case os.Getenv("SSH_AUTH_SOCK") != "":
		config.AuthMethod = ssh.AuthMethodAgent
	}
	return config
}

func (p *Provider) host(unit *engine.ConfigurationUnit, conn Connection) (*remoteHost, error) {
	config := p.config(conn)
	if err := config.Validate(); err != nil {
		return nil, &engine.UnitError{
			Code:        providers.CodeInvalidSettings,
			Description: fmt.Sprintf("invalid connection for %s", unit.DisplayName()),
			Details:     err.Error(),
			Source:      engine.ResultSourceConfigurationSet,
		}
	}

	key := clientKey(config)
	p.mu.Lock()
	defer p.mu.Unlock()

	client, ok := p.clients[key]
	if !ok {
		var err error
		client, err = ssh.NewClient(config)
		if err != nil {
			return nil, err
		}
		p.clients[key] = client
	}
	return &remoteHost{client: client, address: config.Address(), logger: p.logger}, nil
}

func clientKey(c *ssh.Config) string {
	return strings.Join([]string{
		c.User, c.Address(), string(c.AuthMethod), c.Password, c.PrivateKeyPath,
		c.KnownHostsPath, strconv.FormatBool(c.InsecureIgnoreHostKey),
	}, "\x00")
}

// Close closes every connection the provider opened.
func (p *Provider) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []string
	for key, client := range p.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		delete(p.clients, key)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close connections: %s", strings.Join(errs, "; "))
	}
	return nil
}
