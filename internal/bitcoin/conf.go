package bitcoin

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bardlex/gomine/pkg/errors"
)

// Defaults used when bitcoin.conf does not say otherwise.
const (
	DefaultRPCHost    = "127.0.0.1"
	DefaultRPCPort    = 8332
	DefaultRPCTimeout = 30 * time.Second
)

// Conn describes how to reach bitcoind's JSON-RPC server.
type Conn struct {
	Host     string
	Port     int
	User     string
	Password string
	UseTLS   bool
	Timeout  time.Duration
}

// DefaultConfPath returns bitcoin.conf in bitcoind's data directory for
// this OS (~/.bitcoin on Linux).
func DefaultConfPath() string {
	return filepath.Join(btcutil.AppDataDir("bitcoin", false), "bitcoin.conf")
}

// ReadBitcoinConf parses the key=value lines of a bitcoin.conf. Comments
// start with '#'; section headers and lines without '=' are skipped. Keys
// are lower-cased and a quoted value is unquoted. Later lines win.
func ReadBitcoinConf(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "read_bitcoin_conf",
			"failed to open bitcoin.conf").WithContext("path", path)
	}
	defer func() { _ = f.Close() }()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "read_bitcoin_conf",
			"failed to read bitcoin.conf").WithContext("path", path)
	}
	return values, nil
}

// ConnFromConf builds a Conn from parsed bitcoin.conf values. Credentials
// are required; everything else has a default.
func ConnFromConf(values map[string]string) (Conn, error) {
	conn := Conn{
		Host:     DefaultRPCHost,
		Port:     DefaultRPCPort,
		User:     values["rpcuser"],
		Password: values["rpcpassword"],
		Timeout:  DefaultRPCTimeout,
	}
	if conn.User == "" || conn.Password == "" {
		return Conn{}, errors.New(errors.ErrorTypeValidation, "conn_from_conf",
			"rpcuser and rpcpassword are required")
	}

	for _, key := range []string{"rpcconnect", "rpcserver"} {
		if host := values[key]; host != "" {
			conn.Host = host
		}
	}
	if port := values["rpcport"]; port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Conn{}, errors.New(errors.ErrorTypeValidation, "conn_from_conf",
				"invalid rpcport").WithContext("rpcport", port)
		}
		conn.Port = p
	}
	if timeout := values["rpctimeout"]; timeout != "" {
		secs, err := strconv.Atoi(timeout)
		if err != nil || secs <= 0 {
			return Conn{}, errors.New(errors.ErrorTypeValidation, "conn_from_conf",
				"invalid rpctimeout").WithContext("rpctimeout", timeout)
		}
		conn.Timeout = time.Duration(secs) * time.Second
	}
	switch strings.ToLower(values["rpcssl"]) {
	case "1", "yes", "true", "y", "t":
		conn.UseTLS = true
	}
	return conn, nil
}
