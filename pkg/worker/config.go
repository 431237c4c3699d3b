package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/taskmesh/worker/pkg/comm"
	"github.com/taskmesh/worker/pkg/log"
	"github.com/taskmesh/worker/pkg/utils"
)

const (
	// DefaultTotalConnections caps concurrent peer fetches.
	DefaultTotalConnections = 50

	// DefaultHeartbeatInterval between heartbeats on the batched stream.
	DefaultHeartbeatInterval = 5 * time.Second
)

type Config struct {
	// Address to listen on for scheduler and peer connections.
	Listen string `mapstructure:"listen"`

	// Address of the scheduler service.
	Scheduler string `mapstructure:"scheduler"`

	// Worker name announced to the scheduler.
	Name string `mapstructure:"name"`

	// Number of executor threads.
	Threads int `mapstructure:"threads"`

	// Maximum number of concurrent peer fetches.
	Connections int `mapstructure:"connections"`

	// Memory target before values spill to disk. Zero is unbounded.
	MemoryLimit int64 `mapstructure:"memory_limit"`

	// Directory for spilled values.
	SpillDir string `mapstructure:"spill_dir"`

	// Port of the HTTP diagnostics service. Zero disables it.
	HttpPort int `mapstructure:"http_port"`

	// Interval between heartbeats to the scheduler.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// Coalescing window of the batched stream.
	BatchInterval time.Duration `mapstructure:"batch_interval"`
}

// WithDefaults fills unset values.
func (c *Config) WithDefaults() *Config {
	if c.Listen == "" {
		c.Listen = "tcp://0.0.0.0:0"
	}
	if c.Name == "" {
		c.Name = defaultName()
	}
	if c.Threads <= 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.Connections <= 0 {
		c.Connections = DefaultTotalConnections
	}
	if c.SpillDir == "" {
		c.SpillDir = filepath.Join(os.TempDir(), "taskmesh-"+c.Name)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// Checks if the worker configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("A listen address is required")
	}

	if _, err := comm.ParseAddr(c.Listen); err != nil {
		return fmt.Errorf("The listen address is not valid: %w", err)
	}

	if c.Scheduler != "" {
		if _, err := comm.ParseAddr(c.Scheduler); err != nil {
			return fmt.Errorf("The scheduler address is not valid: %w", err)
		}
	}

	if c.Threads <= 0 {
		return errors.New("The thread count must be greater than zero")
	}

	if c.Connections <= 0 {
		return errors.New("The connection count must be greater than zero")
	}

	if c.MemoryLimit < 0 {
		return errors.New("The memory limit must not be negative")
	}

	return nil
}

func (c *Config) Log() {
	log.Info("Worker configuration:")
	log.Infof("  name = %s", c.Name)
	log.Infof("  listen = %s", c.Listen)
	log.Infof("  scheduler = %s", c.Scheduler)
	log.Infof("  threads = %d", c.Threads)
	log.Infof("  connections = %d", c.Connections)
	if c.MemoryLimit > 0 {
		log.Infof("  memory_limit = %s", utils.HumanByteSize(c.MemoryLimit))
	} else {
		log.Info("  memory_limit = unbounded")
	}
	log.Infof("  spill_dir = %s", c.SpillDir)
	if c.HttpPort > 0 {
		log.Infof("  http_port = %d", c.HttpPort)
	}
}

// defaultName derives a stable worker name from the machine identity,
// falling back to a random one.
func defaultName() string {
	if id, err := machineid.ProtectedID("taskmesh-worker"); err == nil && len(id) >= 8 {
		return "worker-" + id[:8]
	}

	uid, _ := uuid.NewRandom()
	return "worker-" + uid.String()[:8]
}
