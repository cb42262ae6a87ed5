package producer

import (
	"time"

	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/source"
)

// Register adds the built-in producer types to reg:
//
//	system   host metrics (options: disk_path, temp_sensor)
//	sensor   a known sensor model (options: model, device)
//	mqtt     newest JSON message on a topic (options: broker, topic, qos, ...)
//	process  JSON lines from a command (options: command, restart_backoff)
func Register(reg *source.Registry, clk clock.Clock) error {
	if clk == nil {
		clk = clock.Real()
	}

	factories := map[string]source.Factory{
		"system": func(cfg config.SourceConfig) (source.Producer, error) {
			return newSystemFromConfig(cfg)
		},
		"sensor": func(cfg config.SourceConfig) (source.Producer, error) {
			return newSensorFromConfig(cfg, clk)
		},
		"mqtt": func(cfg config.SourceConfig) (source.Producer, error) {
			opts, err := mqttOptionsFromConfig(cfg)
			if err != nil {
				return nil, err
			}
			return NewMQTT(opts), nil
		},
		"process": func(cfg config.SourceConfig) (source.Producer, error) {
			return newProcessFromConfig(cfg, clk)
		},
	}

	for typ, f := range factories {
		if err := reg.Register(typ, f); err != nil {
			return err
		}
	}
	return nil
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
