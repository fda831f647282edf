package config

import (
	"github.com/spf13/viper"
)

// Jobs job engine config struct
type Jobs struct {
	DataDir    string
	MaxWorkers int
	QueueSize  int
}

func getJobsConfig(v *viper.Viper) *Jobs {
	return &Jobs{
		DataDir:    getStringOrDefault(v, "jobs.data_dir", "data/jobs"),
		MaxWorkers: getIntOrDefault(v, "jobs.max_workers", 2),
		QueueSize:  getIntOrDefault(v, "jobs.queue_size", 64),
	}
}
