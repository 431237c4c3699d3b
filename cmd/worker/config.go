package main

import (
	"github.com/spf13/viper"
	"github.com/taskmesh/worker/pkg/utils"
	"github.com/taskmesh/worker/pkg/worker"
)

func LoadConfig() (*worker.Config, error) {
	config := &worker.Config{}

	err := utils.UnmarshalConfig(*viper.GetViper(), config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
