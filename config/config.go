// Package config declares the runtime's CLI flags (spec.md 6) onto a
// pflag.FlagSet. It only declares defaults and binds them into a
// Config struct; parsing the flag set and wiring the result into a
// running process is left to the embedding application's main.
package config

import (
	"github.com/spf13/pflag"
)

// Config holds the parsed value of every flag in spec.md 6's CLI flags
// table.
type Config struct {
	// HTTPPort is the status port; negative disables it (spec.md 6).
	// The HTTP status/varz presentation layer itself stays out of
	// scope of this module; this field exists only so a flag-compatible
	// embedding application has somewhere to bind it.
	HTTPPort int
	// Port is the service listen port the accept server binds to.
	Port int
	// MapLimit caps records mapped per reactor; 0 disables the cap.
	MapLimit int
	// LinkedSKE enables io_uring chained (IOSQE_IO_LINK) submissions.
	LinkedSKE bool
	// Connect, if non-empty, switches the process into client mode
	// against the given host:port endpoint.
	Connect string
	// Count is the client workload's request count per connection.
	Count int
	// NumConnections is the client workload's connection count.
	NumConnections int
}

// Defaults returns the flags' zero-workload defaults.
func Defaults() Config {
	return Config{
		HTTPPort:       -1,
		Port:           0,
		MapLimit:       0,
		LinkedSKE:      false,
		Connect:        "",
		Count:          1,
		NumConnections: 1,
	}
}

// RegisterFlags declares every spec.md 6 CLI flag on fs, bound to a new
// Config pre-populated with Defaults. Callers parse fs themselves (no
// flag.Parse call happens here, and os.Args is never read).
func RegisterFlags(fs *pflag.FlagSet) *Config {
	cfg := Defaults()
	fs.IntVar(&cfg.HTTPPort, "http_port", cfg.HTTPPort, "status port; negative disables it")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "service listen port")
	fs.IntVar(&cfg.MapLimit, "map_limit", cfg.MapLimit, "cap on records mapped per reactor; 0 disables")
	fs.BoolVar(&cfg.LinkedSKE, "linked_ske", cfg.LinkedSKE, "enable io_uring chained submissions")
	fs.StringVar(&cfg.Connect, "connect", cfg.Connect, "client mode endpoint (host:port); empty runs as a server")
	fs.IntVar(&cfg.Count, "count", cfg.Count, "client workload: requests per connection")
	fs.IntVar(&cfg.NumConnections, "num_connections", cfg.NumConnections, "client workload: number of connections")
	return &cfg
}
