package output

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/evflow/evflow/logging"
	"github.com/evflow/evflow/module"
	"github.com/evflow/evflow/utils"
)

// Network output configuration keys.
const (
	IPAddressKey             = "ipAddress"
	PortNumberKey            = "portNumber"
	ConcurrentConnectionsKey = "concurrentConnections"
	SocketPathKey            = "socketPath"
	ClientWriteTimeoutKey    = "clientWriteTimeout"
)

// Network output defaults.
const (
	DefaultIPAddress             = "127.0.0.1"
	DefaultServerPort            = 7777
	DefaultClientPort            = 8888
	DefaultConcurrentConnections = 10
	DefaultSocketPath            = "/tmp/evflow.sock"
	// DefaultClientWriteTimeout is in milliseconds.
	DefaultClientWriteTimeout = 1000
)

const dialTimeout = 5 * time.Second

// NetConfig is the configuration of the network outputs. Only the fields relevant to the
// concrete output are read.
type NetConfig struct {
	IPAddress             string `json:"ipAddress"`
	PortNumber            int    `json:"portNumber"`
	ConcurrentConnections int    `json:"concurrentConnections"`
	SocketPath            string `json:"socketPath"`
	ClientWriteTimeout    int    `json:"clientWriteTimeout"`
}

func (cfg *NetConfig) address() string {
	return net.JoinHostPort(cfg.IPAddress, strconv.Itoa(cfg.PortNumber))
}

func readNetConfig(inst *module.Instance, defaultPort int, withConnections bool) (NetConfig, error) {
	defaults := []error{
		inst.Node.PutStringIfAbsent(IPAddressKey, DefaultIPAddress),
		inst.Node.PutIntIfAbsent(PortNumberKey, int32(defaultPort)),
	}
	if withConnections {
		defaults = append(defaults, serverDefaults(inst)...)
	}
	if err := multierr.Combine(defaults...); err != nil {
		inst.Logger.Warnw("keeping existing network settings", "error", err)
	}

	var cfg NetConfig
	if err := inst.Node.Decode(&cfg); err != nil {
		return cfg, errors.Wrap(err, "reading network configuration")
	}
	if cfg.PortNumber < 0 || cfg.PortNumber > 65535 {
		return cfg, errors.Errorf("invalid %s %d", PortNumberKey, cfg.PortNumber)
	}
	if withConnections {
		if err := cfg.validateServer(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func serverDefaults(inst *module.Instance) []error {
	return []error{
		inst.Node.PutIntIfAbsent(ConcurrentConnectionsKey, DefaultConcurrentConnections),
		inst.Node.PutIntIfAbsent(ClientWriteTimeoutKey, DefaultClientWriteTimeout),
	}
}

func (cfg *NetConfig) validateServer() error {
	if cfg.ConcurrentConnections <= 0 {
		return errors.Errorf("%s must be positive, got %d", ConcurrentConnectionsKey, cfg.ConcurrentConnections)
	}
	if cfg.ClientWriteTimeout <= 0 {
		return errors.Errorf("%s must be positive, got %d", ClientWriteTimeoutKey, cfg.ClientWriteTimeout)
	}
	return nil
}

func (cfg *NetConfig) writeTimeout() time.Duration {
	return time.Duration(cfg.ClientWriteTimeout) * time.Millisecond
}

func readSocketPath(inst *module.Instance) (string, error) {
	if err := inst.Node.PutStringIfAbsent(SocketPathKey, DefaultSocketPath); err != nil {
		inst.Logger.Warnw("keeping existing socket path", "error", err)
	}
	path := inst.Node.GetString(SocketPathKey)
	if path == "" {
		return "", errors.Errorf("%s must be set", SocketPathKey)
	}
	return path, nil
}

func dial(inst *module.Instance, network, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s %s", network, address)
	}
	inst.Logger.Infow("connected", "network", network, "address", address)
	return conn, nil
}

// NetTCPOutput streams to a TCP server.
type NetTCPOutput struct {
	Common
}

// Init connects to the configured server.
func (o *NetTCPOutput) Init(inst *module.Instance) error {
	cfg, err := readNetConfig(inst, DefaultClientPort, false)
	if err != nil {
		return err
	}
	conn, err := dial(inst, "tcp", cfg.address())
	if err != nil {
		return err
	}
	return o.Start(inst, NewStreamSink(conn))
}

// NetUDPOutput sends the stream as datagrams.
type NetUDPOutput struct {
	Common
}

// Init opens the socket towards the configured address.
func (o *NetUDPOutput) Init(inst *module.Instance) error {
	cfg, err := readNetConfig(inst, DefaultServerPort, false)
	if err != nil {
		return err
	}
	conn, err := dial(inst, "udp", cfg.address())
	if err != nil {
		return err
	}
	return o.Start(inst, NewDatagramSink(conn))
}

// UnixSocketOutput streams to a server listening on a unix socket.
type UnixSocketOutput struct {
	Common
}

// Init connects to the configured socket.
func (o *UnixSocketOutput) Init(inst *module.Instance) error {
	path, err := readSocketPath(inst)
	if err != nil {
		return err
	}
	conn, err := dial(inst, "unix", path)
	if err != nil {
		return err
	}
	return o.Start(inst, NewStreamSink(conn))
}

// NetTCPServerOutput accepts TCP clients and streams to all of them.
type NetTCPServerOutput struct {
	Common

	server *serverSink
}

// Init starts listening on the configured address.
func (o *NetTCPServerOutput) Init(inst *module.Instance) error {
	cfg, err := readNetConfig(inst, DefaultServerPort, true)
	if err != nil {
		return err
	}
	o.server, err = listen(inst, "tcp", cfg.address(), cfg.ConcurrentConnections, cfg.writeTimeout())
	if err != nil {
		return err
	}
	return o.Start(inst, o.server)
}

// Addr returns the address the server listens on.
func (o *NetTCPServerOutput) Addr() net.Addr {
	return o.server.listener.Addr()
}

// Clients returns the number of connected clients.
func (o *NetTCPServerOutput) Clients() int {
	return o.server.numClients()
}

// UnixSocketServerOutput accepts clients on a unix socket and streams to all of them.
type UnixSocketServerOutput struct {
	Common

	server *serverSink
}

// Init starts listening on the configured socket path.
func (o *UnixSocketServerOutput) Init(inst *module.Instance) error {
	path, err := readSocketPath(inst)
	if err != nil {
		return err
	}
	if err := multierr.Combine(serverDefaults(inst)...); err != nil {
		inst.Logger.Warnw("keeping existing server settings", "error", err)
	}
	cfg := NetConfig{
		ConcurrentConnections: int(inst.Node.GetInt(ConcurrentConnectionsKey)),
		ClientWriteTimeout:    int(inst.Node.GetInt(ClientWriteTimeoutKey)),
	}
	if err := cfg.validateServer(); err != nil {
		return err
	}
	o.server, err = listen(inst, "unix", path, cfg.ConcurrentConnections, cfg.writeTimeout())
	if err != nil {
		return err
	}
	return o.Start(inst, o.server)
}

// Clients returns the number of connected clients.
func (o *UnixSocketServerOutput) Clients() int {
	return o.server.numClients()
}

// serverSink is a fanoutSink fed by an accept loop.
type serverSink struct {
	*fanoutSink
	listener net.Listener
	workers  utils.StoppableWorkers
}

func listen(inst *module.Instance, network, address string, maxClients int, writeTimeout time.Duration) (*serverSink, error) {
	if network == "unix" {
		removeStaleSocket(inst, address)
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s %s", network, address)
	}
	s := &serverSink{
		fanoutSink: newFanoutSink(maxClients, writeTimeout, inst.Logger),
		listener:   listener,
	}
	s.workers = utils.NewStoppableWorkers(func(ctx context.Context) { s.accept(ctx, inst.Logger) })
	inst.Logger.Infow("listening", "network", network, "address", listener.Addr(),
		"maxClients", maxClients, "writeTimeout", writeTimeout)
	return s, nil
}

func (s *serverSink) accept(ctx context.Context, logger logging.Logger) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnw("accept failed", "error", err)
			if !goutils.SelectContextOrWait(ctx, 10*time.Millisecond) {
				return
			}
			continue
		}
		s.add(conn)
	}
}

// Close stops accepting, then disconnects every client.
func (s *serverSink) Close() error {
	err := s.listener.Close()
	s.workers.Stop()
	return multierr.Combine(err, s.fanoutSink.Close())
}

// removeStaleSocket deletes a socket file left behind by a process that did not shut down.
func removeStaleSocket(inst *module.Instance, path string) {
	info, err := os.Stat(path)
	if err != nil || info.Mode()&os.ModeSocket == 0 {
		return
	}
	if err := os.Remove(path); err != nil {
		inst.Logger.Warnw("failed to remove stale socket", "path", path, "error", err)
	}
}
